package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	slugStripRe   = regexp.MustCompile(`[^a-z0-9]+`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to every rendered post body and display name.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown renders post body markdown to sanitized HTML.
func RenderMarkdown(body string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.SanitizeReader(&buf).String(), nil
}

// Slugify turns a page title into the lowercase-dashed form used in
// canonical URL paths: "chatPageOne title" -> "chatpageone-title".
func Slugify(title string) string {
	slug := slugStripRe.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "page"
	}
	return slug
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
