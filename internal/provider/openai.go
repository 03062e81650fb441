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

// OpenAIProvider speaks the OpenAI chat completions protocol. It also
// serves Grok, since x.ai exposes the same schema at a different base URL.
type OpenAIProvider struct {
	name    string // "openai" or "grok"
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	model   string // default model
}

// NewOpenAIProvider creates an adapter for an OpenAI-compatible upstream.
// name is the mode it serves.
func NewOpenAIProvider(name, apiKey, baseURL, model string) *OpenAIProvider {
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
	}
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string {
	return o.name
}

// openaiRequest is the chat completions body. Messages marshal themselves
// into plain or multipart content.
type openaiRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// systemMessage is a Message whose role isn't allowed inbound.
func systemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

// BuildRequest implements Provider.
func (o *OpenAIProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := req.Messages
	if req.System != "" {
		msgs = append([]Message{systemMessage(req.System)}, req.Messages...)
	}

	body, err := json.Marshal(openaiRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := o.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	return httpReq, nil
}

// Decode implements Provider. Each event is
//
//	data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}
//
// and the stream ends with data: [DONE].
func (o *OpenAIProvider) Decode(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	return scanEvents(ctx, o.name, body, "data:", decodeOpenAIEvent)
}

func decodeOpenAIEvent(payload string) (StreamChunk, bool) {
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

	chunk := StreamChunk{Delta: ev.Get("choices.0.delta.content").String()}
	// Present only when stream_options.include_usage is on upstream.
	if u := ev.Get("usage"); u.IsObject() {
		chunk.Usage = &Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
		return chunk, true
	}
	return chunk, chunk.Delta != ""
}
