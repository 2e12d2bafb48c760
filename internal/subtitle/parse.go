package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a rejected cue block with the offending line number.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// timingPattern accepts both separators so model output with either form
// parses. Hours may exceed two digits for long sources.
var timingPattern = regexp.MustCompile(
	`^(\d{1,4}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,4}):(\d{2}):(\d{2})[,.](\d{1,3})$`)

// Parse reads a line-oriented cue listing: blocks separated by blank lines,
// each with an optional numeric index line, a timing line, and one or more
// text lines. A leading byte-order mark is stripped. Blocks without any text
// are skipped. Malformed timing lines, end <= start, and negative times are
// rejected with the line number.
func Parse(input string) ([]Cue, error) {
	input = strings.TrimPrefix(input, "\uFEFF")
	lines := strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n")

	var cues []Cue
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}

		// Optional index line.
		first := strings.TrimSpace(lines[i])
		if _, err := strconv.Atoi(first); err == nil {
			i++
			if i >= len(lines) {
				return nil, &ParseError{Line: i, Msg: "block ends after index line"}
			}
		}

		timingLine := i
		start, end, err := parseTiming(strings.TrimSpace(lines[i]))
		if err != nil {
			return nil, &ParseError{Line: timingLine + 1, Msg: err.Error()}
		}
		if end <= start {
			return nil, &ParseError{Line: timingLine + 1,
				Msg: fmt.Sprintf("cue end %v is not after start %v", end, start)}
		}
		i++

		var text []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			text = append(text, strings.TrimRight(lines[i], " \t"))
			i++
		}

		body := strings.TrimSpace(strings.Join(text, "\n"))
		if body == "" {
			continue // tolerate text-less blocks, they carry nothing
		}
		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  body,
		})
	}
	return cues, nil
}

// parseTiming parses "HH:MM:SS,mmm --> HH:MM:SS,mmm" accepting "." as the
// millisecond separator.
func parseTiming(line string) (time.Duration, time.Duration, error) {
	m := timingPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	start := assembleTimestamp(m[1], m[2], m[3], m[4])
	end := assembleTimestamp(m[5], m[6], m[7], m[8])
	return start, end, nil
}

func assembleTimestamp(h, m, s, ms string) time.Duration {
	// Millisecond field is left-aligned: "5" means 500 ms.
	for len(ms) < 3 {
		ms += "0"
	}
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.Atoi(s)
	mss, _ := strconv.Atoi(ms)
	return time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss)*time.Second +
		time.Duration(mss)*time.Millisecond
}
