package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9 ._-]+$`)
	md            = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to every message body before it is written to the store.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts a message body to HTML and sanitizes the result,
// so markup produced by markdown itself cannot smuggle unsafe content.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateRoomName checks if the room name contains only allowed characters
// (alphanumeric, space, dot, dash, underscore) and is not empty.
func ValidateRoomName(name string) error {
	if name == "" {
		return errors.New("room name cannot be empty")
	}
	if !roomNameRegex.MatchString(name) {
		return errors.New("room name contains invalid characters (allowed: alphanumeric, space, dot, dash, underscore)")
	}
	return nil
}
