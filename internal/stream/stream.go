// Package stream writes the normalized SSE response.
//
// Whatever dialect the upstream spoke, the client always sees the same
// sequence:
//
//	data: {"text":"Hel"}
//	data: {"text":"lo"}
//	data: [DONE]
//
// with an optional data: {"error":"..."} frame before [DONE] when the
// upstream stream broke mid-way.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// doneFrame terminates every response, including ones that ended in an
// error frame, so clients never hang waiting for more.
const doneFrame = "data: [DONE]\n\n"

// ErrNoFlusher is returned when the ResponseWriter can't flush. Nothing has
// been written when it is returned.
var ErrNoFlusher = errors.New("response writer does not support flushing (http.Flusher)")

// Result summarizes a finished stream.
type Result struct {
	Frames int             // text frames written
	Bytes  int             // body bytes written, all frames included
	Usage  *provider.Usage // token counts, when the upstream reported them

	// UpstreamErr is the decode error that ended the stream early, if any.
	// It was already reported to the client as an error frame.
	UpstreamErr error
}

// Write reads StreamChunks from the channel and writes them to w as
// normalized server-sent events, flushing after every frame.
//
// This is the consumer side of the streaming pipeline:
//
//	adapter goroutine → channel → Write → http.ResponseWriter → client
//
// The returned error is only for failures writing to the client (usually a
// disconnect); the loop stops at the first one. The caller must cancel the
// producer's context afterwards so its goroutine exits.
func Write(w http.ResponseWriter, chunks <-chan provider.StreamChunk) (Result, error) {
	var res Result

	// Flush() pushes each event out immediately instead of waiting for the
	// server's buffer to fill.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return res, ErrNoFlusher
	}

	// Headers must be set before the first Write. X-Accel-Buffering stops
	// nginx from buffering the stream.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(frame string) error {
		n, err := io.WriteString(w, frame)
		res.Bytes += n
		if err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	for chunk := range chunks {
		// A final chunk may still carry text (Gemini sends the last
		// fragment together with finishReason), so text goes out first.
		if chunk.Delta != "" {
			payload, err := sjson.Set(`{}`, "text", chunk.Delta)
			if err != nil {
				return res, fmt.Errorf("encoding SSE frame: %w", err)
			}
			if err := emit("data: " + payload + "\n\n"); err != nil {
				return res, err
			}
			res.Frames++
		}

		if chunk.Usage != nil {
			res.Usage = chunk.Usage
		}

		if chunk.Error != nil {
			res.UpstreamErr = chunk.Error
			payload, err := sjson.Set(`{}`, "error", chunk.Error.Error())
			if err != nil {
				return res, fmt.Errorf("encoding SSE error frame: %w", err)
			}
			if err := emit("data: " + payload + "\n\n"); err != nil {
				return res, err
			}
			break
		}

		if chunk.Done {
			break
		}
	}

	return res, emit(doneFrame)
}
