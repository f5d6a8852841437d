package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// The Office Open XML formats (docx, pptx, xlsx) are ZIP containers of
// XML parts; they are parsed here with a shared token walker.

func openOOXML(content []byte) (*zip.Reader, error) {
	return zip.NewReader(bytes.NewReader(content), int64(len(content)))
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("part %s not found", name)
}

// docxText concatenates body paragraph text, then table-cell text.
func docxText(content []byte) string {
	zr, err := openOOXML(content)
	if err != nil {
		log.Warn().Err(err).Msg("docx open failed")
		return ""
	}
	doc, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		log.Warn().Err(err).Msg("docx document part missing")
		return ""
	}

	var paragraphs, cells []string
	decoder := xml.NewDecoder(bytes.NewReader(doc))
	tblDepth := 0
	var para strings.Builder
	inPara := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
			case "p":
				if tblDepth == 0 {
					inPara = true
					para.Reset()
				}
			case "t":
				text := collectCharData(decoder)
				if tblDepth > 0 {
					if text = strings.TrimSpace(text); text != "" {
						cells = append(cells, text)
					}
				} else if inPara {
					para.WriteString(text)
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				if tblDepth > 0 {
					tblDepth--
				}
			case "p":
				if tblDepth == 0 && inPara {
					if s := strings.TrimSpace(para.String()); s != "" {
						paragraphs = append(paragraphs, s)
					}
					inPara = false
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(append(paragraphs, cells...), "\n"))
}

// pptxText concatenates per-slide shape and table-cell text in slide
// order.
func pptxText(content []byte) string {
	zr, err := openOOXML(content)
	if err != nil {
		log.Warn().Err(err).Msg("pptx open failed")
		return ""
	}
	var slideNames []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slideNames = append(slideNames, f.Name)
		}
	}
	sort.Slice(slideNames, func(i, j int) bool {
		return slideOrdinal(slideNames[i]) < slideOrdinal(slideNames[j])
	})
	var parts []string
	for _, name := range slideNames {
		data, err := readZipFile(zr, name)
		if err != nil {
			continue
		}
		for _, text := range textElements(data) {
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func slideOrdinal(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 1 << 30
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// xlsxText emits one labelled block per sheet: a 表：<sheet_name> header
// followed by tab-separated non-empty rows.
func xlsxText(content []byte) string {
	zr, err := openOOXML(content)
	if err != nil {
		log.Warn().Err(err).Msg("xlsx open failed")
		return ""
	}
	shared := sharedStrings(zr)
	names := sheetNames(zr)

	var sheetFiles []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheetFiles = append(sheetFiles, f.Name)
		}
	}
	sort.Slice(sheetFiles, func(i, j int) bool {
		return sheetFileOrdinal(sheetFiles[i]) < sheetFileOrdinal(sheetFiles[j])
	})

	var blocks []string
	for i, name := range sheetFiles {
		data, err := readZipFile(zr, name)
		if err != nil {
			continue
		}
		rows := sheetRows(data, shared)
		if len(rows) == 0 {
			continue
		}
		sheetName := fmt.Sprintf("Sheet%d", i+1)
		if i < len(names) {
			sheetName = names[i]
		}
		blocks = append(blocks, fmt.Sprintf("表：%s\n%s", sheetName, strings.Join(rows, "\n")))
	}
	return strings.TrimSpace(strings.Join(blocks, "\n"))
}

func sheetFileOrdinal(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "xl/worksheets/sheet"), ".xml")
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 1 << 30
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func sharedStrings(zr *zip.Reader) []string {
	data, err := readZipFile(zr, "xl/sharedStrings.xml")
	if err != nil {
		return nil
	}
	var out []string
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var cur strings.Builder
	inSI := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				cur.Reset()
			case "t":
				if inSI {
					cur.WriteString(collectCharData(decoder))
				}
			}
		case xml.EndElement:
			if t.Name.Local == "si" && inSI {
				out = append(out, cur.String())
				inSI = false
			}
		}
	}
	return out
}

func sheetNames(zr *zip.Reader) []string {
	data, err := readZipFile(zr, "xl/workbook.xml")
	if err != nil {
		return nil
	}
	var out []string
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "sheet" {
			for _, attr := range start.Attr {
				if attr.Name.Local == "name" {
					out = append(out, attr.Value)
				}
			}
		}
	}
	return out
}

// sheetRows renders non-empty rows as tab-separated cell values.
func sheetRows(data []byte, shared []string) []string {
	var rows []string
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var cells []string
	cellType := ""
	inValue := false
	flushRow := func() {
		var nonEmpty []string
		for _, c := range cells {
			if strings.TrimSpace(c) != "" {
				nonEmpty = append(nonEmpty, strings.TrimSpace(c))
			}
		}
		if len(nonEmpty) > 0 {
			rows = append(rows, strings.Join(nonEmpty, "\t"))
		}
		cells = nil
	}
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				cells = nil
			case "c":
				cellType = ""
				for _, attr := range t.Attr {
					if attr.Name.Local == "t" {
						cellType = attr.Value
					}
				}
			case "v", "t":
				inValue = true
			}
		case xml.CharData:
			if inValue {
				val := string(t)
				if cellType == "s" {
					if idx := parseIndex(val); idx >= 0 && idx < len(shared) {
						val = shared[idx]
					}
				}
				cells = append(cells, val)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "row":
				flushRow()
			}
		}
	}
	return rows
}

func parseIndex(s string) int {
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// textElements collects the character data of every <t> element (the
// DrawingML text run element shared by pptx shapes and tables).
func textElements(data []byte) []string {
	var out []string
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "t" {
			out = append(out, collectCharData(decoder))
		}
	}
	return out
}

// collectCharData reads character data until the current element closes.
func collectCharData(decoder *xml.Decoder) string {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	return b.String()
}
