package model

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/subpipe/internal/job"
)

// ErrTemplateEmpty is returned when a template file has no content.
var ErrTemplateEmpty = errors.New("model: prompt template is empty")

// Prompt is one immutable rendered prompt template. Version participates in
// the generation fingerprint so template edits invalidate memoized results.
type Prompt struct {
	Text    string
	Version string
}

// defaultStandardTemplate instructs the model to emit the line-oriented cue
// listing the parser accepts.
const defaultStandardTemplate = `Transcribe and translate the spoken audio of this video clip into %s subtitles.
Output only numbered subtitle blocks: an index line, a timing line formatted
HH:MM:SS,mmm --> HH:MM:SS,mmm relative to the start of the clip, then the
subtitle text, with a blank line between blocks.`

// defaultSDHTemplate additionally asks for non-speech annotations.
const defaultSDHTemplate = defaultStandardTemplate + `
Additionally transcribe significant non-speech audio in square brackets:
sound effects, music cues, and speaker labels where the speaker is off-screen.`

const defaultTemplateVersion = "builtin-1"

// Registry resolves the prompt for a (language, mode) pair. Templates are
// loaded once at startup; the registry is immutable afterwards.
type Registry struct {
	templates map[job.Mode]Prompt
}

// NewRegistry builds a registry from the template directory. Files are named
// standard.txt and sdh.txt; a missing directory or file falls back to the
// built-in templates. Template versions are derived from content so any edit
// produces a new fingerprint.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{templates: map[job.Mode]Prompt{
		job.ModeStandard: {Text: defaultStandardTemplate, Version: defaultTemplateVersion},
		job.ModeSDH:      {Text: defaultSDHTemplate, Version: defaultTemplateVersion + "-sdh"},
	}}
	if dir == "" {
		return r, nil
	}

	for mode, file := range map[job.Mode]string{
		job.ModeStandard: "standard.txt",
		job.ModeSDH:      "sdh.txt",
	} {
		data, err := os.ReadFile(filepath.Join(dir, file)) // #nosec G304 - operator-configured dir
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("model: read template %s: %w", file, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil, fmt.Errorf("%w: %s", ErrTemplateEmpty, file)
		}
		r.templates[mode] = Prompt{Text: text, Version: contentVersion(text)}
	}
	return r, nil
}

// Resolve returns the prompt for a target, with the language substituted in.
func (r *Registry) Resolve(language string, mode job.Mode) Prompt {
	p := r.templates[mode]
	if strings.Contains(p.Text, "%s") {
		p.Text = fmt.Sprintf(p.Text, language)
	}
	return p
}

// contentVersion derives a short stable version tag from template content.
func contentVersion(text string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("file-%08x", h.Sum32())
}
