package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// maxZipDepth bounds recursion into nested archives.
	maxZipDepth = 2
	// maxZipEntryBytes bounds how much of a single entry is read.
	maxZipEntryBytes = 50 << 20
)

// zipText extracts every supported entry, prefixing each block with its
// path inside the archive.
func (e *Extractor) zipText(ctx context.Context, content []byte) string {
	return e.zipTextDepth(ctx, content, 0)
}

func (e *Extractor) zipTextDepth(ctx context.Context, content []byte, depth int) string {
	if depth >= maxZipDepth {
		return ""
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		log.Warn().Err(err).Msg("zip open failed")
		return ""
	}
	var blocks []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || skipZipEntry(entry.Name) {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(entry.Name)), ".")
		if !supportedZipEntry(ext) {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			log.Warn().Err(err).Str("entry", entry.Name).Msg("zip entry open failed")
			continue
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes))
		rc.Close()
		if err != nil {
			log.Warn().Err(err).Str("entry", entry.Name).Msg("zip entry read failed")
			continue
		}
		var text string
		if ext == "zip" {
			text = e.zipTextDepth(ctx, data, depth+1)
		} else {
			text = e.Text(ctx, data, ext)
		}
		if text = strings.TrimSpace(text); text != "" {
			blocks = append(blocks, fmt.Sprintf("[文件: %s]\n%s", entry.Name, text))
		}
	}
	return strings.Join(blocks, "\n\n")
}

// skipZipEntry filters hidden files and macOS resource forks.
func skipZipEntry(name string) bool {
	if strings.Contains(name, "__MACOSX") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func supportedZipEntry(ext string) bool {
	switch ext {
	case "txt", "md", "html", "pdf", "docx", "pptx", "xlsx", "jpeg", "jpg", "png", "zip":
		return true
	}
	return false
}
