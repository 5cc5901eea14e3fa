package report

import (
	"io"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
)

const (
	highlightFormatter = "terminal256"
	highlightStyle     = "monokai"
	markdownWrap       = 80
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// WriteYAML writes a YAML document to w, syntax highlighted when color is
// true. Highlighting failures fall back to the plain text.
func WriteYAML(w io.Writer, doc []byte, color bool) error {
	if color {
		if err := quick.Highlight(w, string(doc), "yaml", highlightFormatter, highlightStyle); err == nil {
			return nil
		}
	}
	_, err := w.Write(doc)
	return err
}

// WriteMarkdown writes a Markdown document to w, rendered for the terminal
// when color is true. Rendering failures fall back to the plain text.
func WriteMarkdown(w io.Writer, doc []byte, color bool) error {
	if color {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(markdownWrap),
		)
		if err == nil {
			if out, err := r.Render(string(doc)); err == nil {
				_, err = io.WriteString(w, out)
				return err
			}
		}
	}
	_, err := w.Write(doc)
	return err
}
