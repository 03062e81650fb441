package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider for Google's Gemini API.
//
// Gemini has no server-side conversation state, so the entire history is
// sent as contents[] on every call.
type GoogleProvider struct {
	apiKey  string // sent in the x-goog-api-key header
	baseURL string // e.g. "https://generativelanguage.googleapis.com/v1beta"
	model   string
}

// NewGoogleProvider creates a GoogleProvider.
func NewGoogleProvider(apiKey, baseURL, model string) *GoogleProvider {
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
	}
}

// Name implements Provider.
func (g *GoogleProvider) Name() string {
	return string(ModeGemini)
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this file uses them)
// ---------------------------------------------------------------------------

// geminiRequest is the body for streamGenerateContent.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

// geminiContent is one turn. Gemini uses "parts" because it is multimodal.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is either {"text": ...} or {"inlineData": {...}}.
type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates normalized messages into Gemini's format:
//  1. assistant becomes model; user stays user
//  2. each message becomes one content entry with its text verbatim
//  3. an attached image becomes an inlineData part after the text
//  4. the system prompt goes into systemInstruction
func toGeminiRequest(req *Request) *geminiRequest {
	gr := &geminiRequest{Contents: make([]geminiContent, 0, len(req.Messages))}

	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		parts := []geminiPart{{Text: msg.Text()}}
		if mime, data, ok := msg.Image(); ok {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}})
		}

		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: parts})
	}

	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	return gr
}

// BuildRequest implements Provider. The ?alt=sse query parameter makes
// Gemini answer with server-sent events instead of one JSON array.
func (g *GoogleProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Streaming decode
// ---------------------------------------------------------------------------

// Decode implements Provider. Gemini sends the same shape for every event;
// the text is at candidates[0].content.parts[0].text and the last event
// carries a finishReason (usually "STOP") plus usageMetadata.
func (g *GoogleProvider) Decode(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	return scanEvents(ctx, g.Name(), body, "data:", decodeGeminiEvent)
}

func decodeGeminiEvent(payload string) (StreamChunk, bool) {
	// Proxies in front of Gemini terminate with the OpenAI-style marker.
	if payload == "[DONE]" {
		return StreamChunk{Done: true}, true
	}
	if !gjson.Valid(payload) {
		return StreamChunk{Error: errors.New("malformed event JSON")}, true
	}

	ev := gjson.Parse(payload)
	if msg := ev.Get("error.message"); msg.Exists() {
		return StreamChunk{Error: errors.New(msg.String())}, true
	}

	candidate := ev.Get("candidates.0")
	if !candidate.Exists() {
		return StreamChunk{}, false
	}

	chunk := StreamChunk{Delta: candidate.Get("content.parts.0.text").String()}

	if candidate.Get("finishReason").String() != "" {
		chunk.Done = true
		if u := ev.Get("usageMetadata"); u.Exists() {
			chunk.Usage = &Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}
	}
	return chunk, chunk.Delta != "" || chunk.Done
}
