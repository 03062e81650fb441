// Package provider defines the Provider interface and the upstream LLM
// adapters.
//
// Every upstream (OpenAI, Grok, Gemini, Anthropic, Ollama) implements
// Provider. The handler works only with the unified types in this file, so
// it never needs to know which wire dialect is behind a mode.
package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Mode selects an upstream. It is the "mode" field of the inbound request.
type Mode string

const (
	ModeOpenAI    Mode = "openai"
	ModeAnthropic Mode = "anthropic"
	ModeGemini    Mode = "gemini"
	ModeGrok      Mode = "grok"
	ModeOllama    Mode = "ollama"
)

// Modes lists every supported mode, in the order they are registered.
var Modes = []Mode{ModeOpenAI, ModeAnthropic, ModeGemini, ModeGrok, ModeOllama}

// Provider is the interface that every upstream adapter must satisfy.
//
// BuildRequest only translates and Decode only reads; neither sends
// anything. Dispatch glues them together.
type Provider interface {
	// Name returns the mode this adapter serves, e.g. "gemini". Used for
	// logging and metrics labels.
	Name() string

	// BuildRequest translates the unified request into the upstream's
	// HTTP request: URL, auth headers and JSON body.
	BuildRequest(ctx context.Context, req *Request) (*http.Request, error)

	// Decode reads the upstream's streaming body and delivers text deltas
	// on the returned channel. The adapter owns body and closes it. The
	// channel is closed after a chunk with Done set, or when ctx is
	// cancelled.
	Decode(ctx context.Context, body io.ReadCloser) <-chan StreamChunk
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the inbound request body.
type ChatRequest struct {
	Mode      Mode      `json:"mode" validate:"required,oneof=openai anthropic gemini grok ollama"`
	Prompt    string    `json:"prompt,omitempty"`
	Messages  []Message `json:"messages,omitempty" validate:"omitempty,dive"`
	Image     string    `json:"image,omitempty" validate:"omitempty,base64"`
	ImageMime string    `json:"imageMime,omitempty" validate:"omitempty,startswith=image/"`

	// System and Model are optional: a system prompt, and an override of
	// the mode's configured default model.
	System string `json:"system,omitempty" validate:"max=20000"`
	Model  string `json:"model,omitempty" validate:"max=100"`
}

// Request is what adapters receive after normalization.
type Request struct {
	Messages []Message
	System   string
	Model    string // empty means the adapter's configured default
}

// ---------------------------------------------------------------------------
// Streaming types
// ---------------------------------------------------------------------------

// Usage holds token counts when the upstream reports them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Delta string // the new text fragment, may be empty
	Done  bool   // the final chunk; nothing follows it

	// Error is set when the upstream stream broke mid-way (malformed
	// event, read error). A chunk with Error always has Done set.
	Error error

	// Usage is only populated on the final chunk, and only by upstreams
	// that report token counts.
	Usage *Usage
}

// ErrNotConfigured is returned by the Registry for a mode whose API key is
// missing.
var ErrNotConfigured = errors.New("provider not configured")
