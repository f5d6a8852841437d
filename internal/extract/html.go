package extract

import (
	"strings"

	"github.com/k3a/html2text"
	"github.com/rs/zerolog/log"
)

// htmlText renders visible text, stripping script and style blocks while
// keeping block boundaries as newlines.
func htmlText(content []byte) string {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Any("panic", r).Msg("html extraction panicked")
		}
	}()
	text := html2text.HTML2TextWithOptions(string(content), html2text.WithUnixLineBreaks())
	return strings.TrimSpace(text)
}
