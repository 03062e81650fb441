package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeMessages_PromptBecomesUserMessage(t *testing.T) {
	msgs, err := NormalizeMessages(&ChatRequest{Mode: ModeOpenAI, Prompt: "test"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "test", msgs[0].Content)
	assert.Nil(t, msgs[0].Parts)
}

func TestNormalizeMessages_MessagesWinOverPrompt(t *testing.T) {
	in := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	msgs, err := NormalizeMessages(&ChatRequest{Prompt: "ignored", Messages: in})
	require.NoError(t, err)
	assert.Equal(t, in, msgs)
}

func TestNormalizeMessages_Missing(t *testing.T) {
	for _, req := range []*ChatRequest{
		{Mode: ModeOpenAI},
		{Mode: ModeOpenAI, Prompt: "   "},
		{Mode: ModeOpenAI, Messages: []Message{}},
	} {
		_, err := NormalizeMessages(req)
		assert.ErrorIs(t, err, ErrMissingPrompt)
		assert.Contains(t, err.Error(), "prompt")
	}
}

func TestNormalizeMessages_ImageOnLastUserMessageOnly(t *testing.T) {
	in := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "what is in this picture?"},
	}
	msgs, err := NormalizeMessages(&ChatRequest{
		Mode:      ModeOpenAI,
		Messages:  in,
		Image:     "iVBORw0KGgo=",
		ImageMime: "image/png",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Nil(t, msgs[0].Parts, "earlier turns stay plain text")
	assert.Nil(t, msgs[1].Parts)
	require.Len(t, msgs[2].Parts, 2)
	assert.Equal(t, ContentPart{Type: "text", Text: "what is in this picture?"}, msgs[2].Parts[0])
	assert.Equal(t, "image_url", msgs[2].Parts[1].Type)
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", msgs[2].Parts[1].ImageURL.URL)
	assert.Equal(t, "high", msgs[2].Parts[1].ImageURL.Detail)

	// The caller's slice is untouched.
	assert.Nil(t, in[2].Parts)
}

func TestNormalizeMessages_ImageDefaultMime(t *testing.T) {
	msgs, err := NormalizeMessages(&ChatRequest{Prompt: "look", Image: "AAAA"})
	require.NoError(t, err)

	mime, data, ok := msgs[0].Image()
	require.True(t, ok)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, "AAAA", data)
}

func TestMessage_MarshalJSON(t *testing.T) {
	plain, err := json.Marshal(Message{Role: "user", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(plain))

	msgs, err := NormalizeMessages(&ChatRequest{Prompt: "hi", Image: "AAAA", ImageMime: "image/jpeg"})
	require.NoError(t, err)
	multi, err := json.Marshal(msgs[0])
	require.NoError(t, err)

	content := gjson.GetBytes(multi, "content")
	require.True(t, content.IsArray())
	assert.Len(t, content.Array(), 2)
	assert.Equal(t, "text", content.Get("0.type").String())
	assert.Equal(t, "hi", content.Get("0.text").String())
	assert.Equal(t, "data:image/jpeg;base64,AAAA", content.Get("1.image_url.url").String())
	assert.Equal(t, "high", content.Get("1.image_url.detail").String())
}

func TestParseDataURI(t *testing.T) {
	mime, data, ok := parseDataURI("data:image/webp;base64,Zm9v")
	assert.True(t, ok)
	assert.Equal(t, "image/webp", mime)
	assert.Equal(t, "Zm9v", data)

	_, _, ok = parseDataURI("https://example.com/cat.png")
	assert.False(t, ok)
	_, _, ok = parseDataURI("data:image/png,rawbytes")
	assert.False(t, ok)
}
