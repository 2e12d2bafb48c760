package subtitle

import (
	"fmt"
	"strings"

	"github.com/google/renameio/v2"
)

// utf8BOM is prepended to the compact form only.
const utf8BOM = "\uFEFF"

// FormatSRT renders cues in the compact form: a UTF-8 byte-order mark,
// 1-based block numbers, comma millisecond separator, and a trailing newline.
func FormatSRT(cues []Cue) []byte {
	var b strings.Builder
	b.WriteString(utf8BOM)
	for i, c := range cues {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			i+1, formatTimestamp(c.Start, ','), formatTimestamp(c.End, ','), c.Text)
	}
	return []byte(b.String())
}

// FormatVTT renders cues in the cue-based web form: a WEBVTT header, no
// block numbering, dot millisecond separator, no byte-order mark.
func FormatVTT(cues []Cue) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, c := range cues {
		fmt.Fprintf(&b, "\n%s --> %s\n%s\n",
			formatTimestamp(c.Start, '.'), formatTimestamp(c.End, '.'), c.Text)
	}
	return []byte(b.String())
}

// WriteSRT atomically writes the compact form to path.
func WriteSRT(path string, cues []Cue) error {
	return renameio.WriteFile(path, FormatSRT(cues), 0o644)
}

// WriteVTT atomically writes the cue-based form to path.
func WriteVTT(path string, cues []Cue) error {
	return renameio.WriteFile(path, FormatVTT(cues), 0o644)
}
