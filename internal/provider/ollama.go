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

// OllamaProvider implements Provider for a local Ollama server. There is
// no API key; the server streams newline-delimited JSON, not SSE.
type OllamaProvider struct {
	baseURL string // e.g. "http://localhost:11434"
	model   string
}

// NewOllamaProvider creates an OllamaProvider.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{baseURL: baseURL, model: model}
}

// Name implements Provider.
func (o *OllamaProvider) Name() string {
	return string(ModeOllama)
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// ollamaMessage carries images as bare base64 strings beside the text.
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// BuildRequest implements Provider.
func (o *OllamaProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	or := ollamaRequest{Model: model, Stream: true}
	if req.System != "" {
		or.Messages = append(or.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		om := ollamaMessage{Role: msg.Role, Content: msg.Text()}
		if _, data, ok := msg.Image(); ok {
			om.Images = []string{data}
		}
		or.Messages = append(or.Messages, om)
	}

	body, err := json.Marshal(or)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// Decode implements Provider. Each line is a JSON object:
//
//	{"message":{"role":"assistant","content":"Hel"},"done":false}
//
// and the last one has "done":true with eval counts.
func (o *OllamaProvider) Decode(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	return scanEvents(ctx, o.Name(), body, "", func(payload string) (StreamChunk, bool) {
		if !gjson.Valid(payload) {
			return StreamChunk{Error: errors.New("malformed event JSON")}, true
		}
		ev := gjson.Parse(payload)
		if msg := ev.Get("error"); msg.Exists() {
			return StreamChunk{Error: errors.New(msg.String())}, true
		}

		chunk := StreamChunk{Delta: ev.Get("message.content").String()}
		if ev.Get("done").Bool() {
			chunk.Done = true
			prompt := int(ev.Get("prompt_eval_count").Int())
			completion := int(ev.Get("eval_count").Int())
			chunk.Usage = &Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			}
		}
		return chunk, chunk.Delta != "" || chunk.Done
	})
}
