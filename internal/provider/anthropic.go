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

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// its API with a date header instead of the URL path.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is sent on every request; Anthropic requires the field.
const defaultMaxTokens = 4096

// AnthropicProvider implements Provider for Anthropic's Messages API.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	model   string
}

// NewAnthropicProvider creates an AnthropicProvider.
func NewAnthropicProvider(apiKey, baseURL, model string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
	}
}

// Name implements Provider.
func (a *AnthropicProvider) Name() string {
	return string(ModeAnthropic)
}

// --- Request types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

// anthropicMessage content is either a string or a list of blocks.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type   string                `json:"type"` // "text" or "image"
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// toAnthropicRequest translates normalized messages. Roles already match;
// the system prompt is a top-level string rather than a message.
func toAnthropicRequest(req *Request, model string) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    req.System,
		Messages:  make([]anthropicMessage, 0, len(req.Messages)),
		Stream:    true,
	}

	for _, msg := range req.Messages {
		mime, data, ok := msg.Image()
		if !ok {
			ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Text()})
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role: msg.Role,
			Content: []anthropicBlock{
				{Type: "image", Source: &anthropicImageSource{Type: "base64", MediaType: mime, Data: data}},
				{Type: "text", Text: msg.Text()},
			},
		})
	}
	return ar
}

// BuildRequest implements Provider.
func (a *AnthropicProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	body, err := json.Marshal(toAnthropicRequest(req, model))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// Decode implements Provider.
//
// Anthropic sends named events, each with its own payload shape:
//
//	message_start       → input token count
//	content_block_delta → one text fragment at delta.text
//	message_delta       → stop_reason and output token count
//	message_stop        → end of stream
//
// Every payload repeats the event name in its "type" field, so the event:
// lines can be ignored and only data: lines read.
func (a *AnthropicProvider) Decode(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	// Token counts arrive on different events and are reported together
	// on the final chunk.
	var inputTokens, outputTokens int

	return scanEvents(ctx, a.Name(), body, "data:", func(payload string) (StreamChunk, bool) {
		if !gjson.Valid(payload) {
			return StreamChunk{Error: errors.New("malformed event JSON")}, true
		}
		ev := gjson.Parse(payload)

		switch ev.Get("type").String() {
		case "message_start":
			inputTokens = int(ev.Get("message.usage.input_tokens").Int())
		case "content_block_delta":
			text := ev.Get("delta.text").String()
			return StreamChunk{Delta: text}, text != ""
		case "message_delta":
			outputTokens = int(ev.Get("usage.output_tokens").Int())
		case "message_stop":
			return StreamChunk{
				Done: true,
				Usage: &Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}, true
		case "error":
			return StreamChunk{Error: errors.New(ev.Get("error.message").String())}, true
		}
		// content_block_start, content_block_stop, ping
		return StreamChunk{}, false
	})
}
