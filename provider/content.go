package provider

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/k3a/html2text"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
)

func decodeToken(r io.Reader, tok *oauth2.Token) error {
	return json.NewDecoder(r).Decode(tok)
}

// extractContent pulls the plain-text and HTML bodies out of a full-format
// message. When only HTML is present, the text field is filled by converting
// it, so classifier input never depends on the sender's MIME choices. Falls
// back to the snippet for structureless messages.
func extractContent(msg *gmailv1.Message) *MessageContent {
	content := &MessageContent{}
	if msg.Payload != nil {
		content.Text = findPart(msg.Payload, "text/plain")
		content.HTML = findPart(msg.Payload, "text/html")
	}
	if content.Text == "" && content.HTML != "" {
		content.Text = html2text.HTML2Text(content.HTML)
	}
	if content.Text == "" {
		content.Text = msg.Snippet
	}
	return content
}

func findPart(part *gmailv1.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
		// Some messages arrive with unpadded encoding.
		if decoded, err := base64.RawURLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
		return ""
	}
	for _, child := range part.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}
