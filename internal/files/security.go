package files

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"lorebase/internal/config"
)

// validateFilename rejects empty, oversize, traversal-prone, and
// forbidden-extension names before anything touches storage.
func validateFilename(name string, cfg config.UploadConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > cfg.FileNameMaxLength {
		return fmt.Errorf("%w: filename longer than %d characters", ErrValidation, cfg.FileNameMaxLength)
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: filename must not contain path separators", ErrValidation)
	}
	ext := extensionOf(name)
	for _, forbidden := range cfg.ForbiddenExtensions {
		if ext == forbidden {
			return fmt.Errorf("%w: file extension %q is not allowed", ErrValidation, ext)
		}
	}
	return nil
}

func extensionOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// magicPrefixes maps extensions to required leading bytes. OOXML formats
// and zip share the PK signature.
var magicPrefixes = map[string][][]byte{
	"pdf":  {[]byte("%PDF")},
	"png":  {{0x89, 0x50, 0x4E, 0x47}},
	"jpg":  {{0xFF, 0xD8, 0xFF}},
	"jpeg": {{0xFF, 0xD8, 0xFF}},
	"zip":  {{0x50, 0x4B, 0x03, 0x04}, {0x50, 0x4B, 0x05, 0x06}},
	"docx": {{0x50, 0x4B, 0x03, 0x04}},
	"pptx": {{0x50, 0x4B, 0x03, 0x04}},
	"xlsx": {{0x50, 0x4B, 0x03, 0x04}},
}

// validateContent checks the magic number against the declared extension
// for binary formats; text formats are accepted as-is.
func validateContent(content []byte, ext string) error {
	prefixes, ok := magicPrefixes[ext]
	if !ok {
		return nil
	}
	for _, p := range prefixes {
		if bytes.HasPrefix(content, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: content does not match declared type %q", ErrValidation, ext)
}
