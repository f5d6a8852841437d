// Package extract turns uploaded binaries into plain UTF-8 text. Every
// per-format parser fails soft: a parse error yields an empty string and a
// warning, and the caller treats empty text as a skip reason.
package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"lorebase/internal/ocr"
)

// Extractor dispatches by declared file type.
type Extractor struct {
	ocr ocr.Client
	// PDFOCRMinChars triggers the OCR fallback when fast text extraction
	// yields fewer characters.
	PDFOCRMinChars int
}

// New builds an Extractor. The OCR client may be nil, in which case image
// formats and the scanned-PDF fallback yield empty text.
func New(ocrClient ocr.Client, pdfOCRMinChars int) *Extractor {
	if pdfOCRMinChars <= 0 {
		pdfOCRMinChars = 80
	}
	return &Extractor{ocr: ocrClient, PDFOCRMinChars: pdfOCRMinChars}
}

// IsImageType reports whether the declared type routes to OCR.
func IsImageType(fileType string) bool {
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "jpeg", "jpg", "png":
		return true
	}
	return false
}

// Text extracts plain text from content of the declared type.
func (e *Extractor) Text(ctx context.Context, content []byte, fileType string) string {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	switch ft {
	case "txt", "md":
		return decodeUTF8(content)
	case "html":
		return htmlText(content)
	case "pdf":
		return e.pdfText(ctx, content)
	case "docx":
		return docxText(content)
	case "pptx", "ppt":
		return pptxText(content)
	case "xlsx":
		return xlsxText(content)
	case "jpeg", "jpg", "png":
		return e.imageText(ctx, content, ft)
	case "zip":
		return e.zipText(ctx, content)
	default:
		log.Warn().Str("type", ft).Msg("unsupported file type for extraction")
		return ""
	}
}

func (e *Extractor) imageText(ctx context.Context, content []byte, format string) string {
	if e.ocr == nil {
		return ""
	}
	text, err := e.ocr.OCR(ctx, content, format)
	if err != nil {
		log.Warn().Err(err).Msg("image ocr failed")
		return ""
	}
	return strings.TrimSpace(text)
}

// decodeUTF8 decodes with lossy replacement of invalid sequences.
func decodeUTF8(content []byte) string {
	if utf8.Valid(content) {
		return strings.TrimSpace(string(content))
	}
	var b strings.Builder
	b.Grow(len(content))
	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune('�')
		} else {
			b.WriteRune(r)
		}
		content = content[size:]
	}
	return strings.TrimSpace(b.String())
}
