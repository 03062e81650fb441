package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingPrompt is returned when a request has neither a prompt nor any
// messages.
var ErrMissingPrompt = errors.New("prompt is required (send prompt or a non-empty messages list)")

// defaultImageMime is used when an image arrives without imageMime.
const defaultImageMime = "image/png"

// Message is one normalized chat turn. Role is "user" or "assistant".
//
// When Parts is non-nil the content is multipart and Content is ignored on
// the wire. Only NormalizeMessages creates Parts, and only on one message.
type Message struct {
	Role    string        `json:"role" validate:"required,oneof=user assistant"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"-"`
}

// ContentPart is one element of multipart content, in the OpenAI shape.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image as a data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MarshalJSON writes content as a plain string, or as the parts array when
// the message is multipart. This is the OpenAI-compatible wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// Text returns the message's text whether or not it is multipart.
func (m Message) Text() string {
	if m.Parts == nil {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Image returns the message's inline image, if any.
func (m Message) Image() (mime, data string, ok bool) {
	for _, p := range m.Parts {
		if p.Type == "image_url" && p.ImageURL != nil {
			return parseDataURI(p.ImageURL.URL)
		}
	}
	return "", "", false
}

// NormalizeMessages turns the inbound request into the message list sent
// upstream.
//
// A non-empty messages list is used as-is; otherwise prompt becomes a single
// user message. If an image is supplied it is attached to the last user
// message as a two-part content array. The caller's slice is never
// modified: the result is a copy, and earlier turns stay plain text.
func NormalizeMessages(req *ChatRequest) ([]Message, error) {
	var msgs []Message
	switch {
	case len(req.Messages) > 0:
		msgs = make([]Message, len(req.Messages))
		copy(msgs, req.Messages)
	case strings.TrimSpace(req.Prompt) != "":
		msgs = []Message{{Role: "user", Content: req.Prompt}}
	default:
		return nil, ErrMissingPrompt
	}

	if req.Image == "" {
		return msgs, nil
	}

	target := len(msgs) - 1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			target = i
			break
		}
	}

	mime := req.ImageMime
	if mime == "" {
		mime = defaultImageMime
	}
	last := msgs[target]
	msgs[target] = Message{
		Role:    last.Role,
		Content: last.Content,
		Parts: []ContentPart{
			{Type: "text", Text: last.Content},
			{Type: "image_url", ImageURL: &ImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", mime, req.Image),
				Detail: "high",
			}},
		},
	}
	return msgs, nil
}

// parseDataURI splits "data:<mime>;base64,<data>".
func parseDataURI(uri string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	head, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, found = strings.CutSuffix(head, ";base64")
	if !found {
		return "", "", false
	}
	return mime, data, true
}
