package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"

	"github.com/howard-nolan/llmgateway/internal/config"
)

func TestDispatch_StreamsOn200(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"pong\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk", srv.URL, "gpt-4o")
	ch, err := Dispatch(context.Background(), srv.Client(), p, &Request{
		Messages: []Message{{Role: "user", Content: "ping"}},
	})
	require.NoError(t, err)

	chunks := collect(ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "pong", chunks[0].Delta)
	assert.True(t, chunks[1].Done)
	assert.Equal(t, "ping", gjson.Get(gotBody, "messages.0.content").String())
}

func TestDispatch_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk", srv.URL, "gpt-4o")
	ch, err := Dispatch(context.Background(), srv.Client(), p, &Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	assert.Nil(t, ch)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "openai", de.Provider)
	assert.Equal(t, http.StatusTooManyRequests, de.Status)
	assert.Contains(t, de.Body, "Rate limit reached")
	assert.Contains(t, err.Error(), "status 429")
}

func TestDispatch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listens any more

	p := NewGoogleProvider("k", url, "gemini-2.0-flash")
	_, err := Dispatch(context.Background(), http.DefaultClient, p, &Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 0, de.Status)
	assert.Equal(t, "gemini", de.Provider)
	assert.NotNil(t, errors.Unwrap(de))
}

// TestDispatch_GeminiReplay replays a recorded Gemini stream through the
// full Dispatch path. Matching is on method and URL only; the cassette's
// request body is informational.
func TestDispatch_GeminiReplay(t *testing.T) {
	r, err := recorder.New("testdata/gemini_stream",
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(func(req *http.Request, i cassette.Request) bool {
			return req.Method == i.Method && req.URL.String() == i.URL
		}),
		recorder.WithSkipRequestLatency(true),
	)
	require.NoError(t, err)
	defer r.Stop()

	p := NewGoogleProvider("test-gemini-key", "https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash")
	ch, err := Dispatch(context.Background(), r.GetDefaultClient(), p, &Request{
		Messages: []Message{
			{Role: "user", Content: "Say hello"},
			{Role: "assistant", Content: "Hello!"},
			{Role: "user", Content: "Again, in Korean"},
		},
	})
	require.NoError(t, err)

	var text string
	var last StreamChunk
	for c := range ch {
		text += c.Delta
		last = c
	}
	assert.Equal(t, "안녕하세요!", text)
	assert.True(t, last.Done)
	assert.NoError(t, last.Error)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]config.ProviderConfig{
		"openai": {APIKey: "sk", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o", KeyEnv: "OPENAI_API_KEY"},
		"grok":   {BaseURL: "https://api.x.ai/v1", Model: "grok-3", KeyEnv: "XAI_API_KEY"},
		"ollama": {BaseURL: "http://localhost:11434", Model: "llama3"},
	})

	p, err := r.Get(ModeOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = r.Get(ModeGrok)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, err.Error(), "XAI_API_KEY")

	_, err = r.Get(ModeGemini)
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.Equal(t, []string{"ollama", "openai"}, r.Configured())

	p, err = r.Get(ModeOllama)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name(), "ollama needs no key")
}
