package content

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to message bodies both before persisting and before render.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts a message body from markdown to HTML and sanitizes the
// result, so event payloads can never inject markup into the view.
func Render(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("failed to render message body: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}
