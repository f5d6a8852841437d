package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// maxOCRPages bounds the scanned-PDF fallback so one upload cannot fan
// out into an unbounded number of vision calls.
const maxOCRPages = 20

// pdfText runs fast text extraction first; when the result is shorter
// than PDFOCRMinChars the document is treated as scanned and its embedded
// page images are routed through OCR. Detected tables are appended as
// labelled tab-separated blocks.
func (e *Extractor) pdfText(ctx context.Context, content []byte) string {
	text, tables := pdfFastText(content)
	if utf8.RuneCountInString(text) < e.PDFOCRMinChars && e.ocr != nil {
		if ocrText := e.pdfOCRFallback(ctx, content); ocrText != "" {
			text = ocrText
		}
	}
	if len(tables) > 0 {
		parts := make([]string, 0, len(tables)+1)
		if text != "" {
			parts = append(parts, text)
		}
		parts = append(parts, tables...)
		text = strings.Join(parts, "\n")
	}
	return strings.TrimSpace(text)
}

// pdfFastText extracts per-page plain text plus labelled table blocks.
func pdfFastText(content []byte) (string, []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Any("panic", r).Msg("pdf text extraction panicked")
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		log.Warn().Err(err).Msg("pdf open failed")
		return "", nil
	}
	var pages []string
	var tables []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		if text, err := page.GetPlainText(nil); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				pages = append(pages, text)
			}
		}
		tables = append(tables, pdfPageTables(page, i)...)
	}
	return strings.Join(pages, "\n"), tables
}

// pdfPageTables reconstructs table-like regions from row-grouped text:
// two or more consecutive rows with multiple fragments are emitted as one
// labelled block of tab-separated rows.
func pdfPageTables(page pdf.Page, pageNum int) []string {
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil
	}
	var blocks []string
	var current []string
	tableNum := 0
	flush := func() {
		if len(current) >= 2 {
			tableNum++
			blocks = append(blocks, fmt.Sprintf("表：第%d页表格%d\n%s", pageNum, tableNum, strings.Join(current, "\n")))
		}
		current = nil
	}
	for _, row := range rows {
		cells := make([]string, 0, len(row.Content))
		for _, word := range row.Content {
			if s := strings.TrimSpace(word.S); s != "" {
				cells = append(cells, s)
			}
		}
		if len(cells) >= 2 {
			current = append(current, strings.Join(cells, "\t"))
			continue
		}
		flush()
	}
	flush()
	return blocks
}

// pdfOCRFallback pulls embedded page scans (JPEG streams) out of the raw
// PDF and sends each through OCR. Scanned PDFs carry one full-page image
// per page, so this recovers the page text without a rasterizer.
func (e *Extractor) pdfOCRFallback(ctx context.Context, content []byte) string {
	images := embeddedJPEGs(content, maxOCRPages)
	if len(images) == 0 {
		return ""
	}
	var parts []string
	for i, img := range images {
		text, err := e.ocr.OCR(ctx, img, "jpeg")
		if err != nil {
			log.Warn().Err(err).Int("page", i+1).Msg("pdf page ocr failed")
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

var (
	jpegSOI = []byte{0xFF, 0xD8, 0xFF}
	jpegEOI = []byte{0xFF, 0xD9}
)

// embeddedJPEGs scans raw bytes for DCT-encoded image streams.
func embeddedJPEGs(content []byte, limit int) [][]byte {
	var images [][]byte
	rest := content
	for len(images) < limit {
		start := bytes.Index(rest, jpegSOI)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], jpegEOI)
		if end < 0 {
			break
		}
		img := rest[start : start+end+len(jpegEOI)]
		// Tiny fragments are icons or false positives, not page scans.
		if len(img) > 4096 {
			images = append(images, img)
		}
		rest = rest[start+end+len(jpegEOI):]
	}
	return images
}
