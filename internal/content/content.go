package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"

	"alatele/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	markdown      = goldmark.New()
)

const genericMimeType = "application/octet-stream"

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a message body written in markdown to sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
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

// DetectKind sniffs the attachment kind and MIME type from the leading bytes.
// Anything that is not an image, video or audio stream is a generic file.
func DetectKind(data []byte) (models.AttachmentKind, string) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return models.AttachmentFile, genericMimeType
	}

	switch {
	case filetype.IsImage(data):
		return models.AttachmentImage, kind.MIME.Value
	case filetype.IsVideo(data):
		return models.AttachmentVideo, kind.MIME.Value
	case filetype.IsAudio(data):
		return models.AttachmentAudio, kind.MIME.Value
	}
	return models.AttachmentFile, kind.MIME.Value
}

// Prepare fills in the kind and MIME type of an outgoing attachment when the
// caller left them empty.
func Prepare(a models.OutgoingAttachment) models.OutgoingAttachment {
	if a.Kind.Valid() && a.MimeType != "" {
		return a
	}
	kind, mime := DetectKind(a.Data)
	if !a.Kind.Valid() {
		a.Kind = kind
	}
	if a.MimeType == "" {
		a.MimeType = mime
	}
	return a
}

// View renders m for the UI. A body that fails to render is shown escaped.
func View(m models.Message) models.MessageView {
	html, err := Render(m.Content)
	if err != nil {
		html = Escape(m.Content)
	}
	return models.MessageView{
		Message:     m,
		ContentHTML: html,
		Pending:     m.Provisional(),
	}
}

func Views(list []models.Message) []models.MessageView {
	out := make([]models.MessageView, len(list))
	for i, m := range list {
		out[i] = View(m)
	}
	return out
}
