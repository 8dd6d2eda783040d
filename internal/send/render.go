package send

import (
	"bytes"
	"fmt"

	"github.com/vdavid/vbridge/internal/signature"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Rendered holds both bodies of an outgoing message.
type Rendered struct {
	Text string
	HTML string
}

// Render turns the draft's markdown body and resolved signature into the
// plain and HTML alternatives. The plain part is the markdown source itself.
func Render(body, sig string) (Rendered, error) {
	text := signature.Append(body, sig)

	var buf bytes.Buffer
	buf.WriteString("<html><body>")
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return Rendered{}, fmt.Errorf("failed to render markdown: %w", err)
	}
	buf.WriteString("</body></html>")

	return Rendered{Text: text, HTML: buf.String()}, nil
}
