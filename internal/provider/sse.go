package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// maxEventSize bounds one SSE line. The bufio default of 64KB is too small
// for some Gemini events that echo grounding metadata.
const maxEventSize = 1 << 20

// eventFunc handles one event payload. It returns the chunk to deliver and
// whether to deliver it at all (keep-alives, metadata events and empty
// deltas return false). A chunk with Done or Error set ends the stream.
type eventFunc func(payload string) (StreamChunk, bool)

// scanEvents is the shared read loop behind every adapter's Decode.
//
// With prefix "data:" it reads SSE: lines without the prefix (event names,
// comments, blank separators) are skipped. With an empty prefix every
// non-blank line is a payload, which is how NDJSON streams are read.
//
// The channel is unbuffered, so the loop only reads the next event once the
// consumer has taken the current chunk. Slow clients slow the upstream read
// instead of growing a queue.
func scanEvents(ctx context.Context, name string, body io.ReadCloser, prefix string, handle eventFunc) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer body.Close()

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

		for scanner.Scan() {
			line := scanner.Text()

			payload := line
			if prefix != "" {
				rest, ok := strings.CutPrefix(line, prefix)
				if !ok {
					continue
				}
				payload = strings.TrimSpace(rest)
			} else {
				payload = strings.TrimSpace(payload)
			}
			if payload == "" {
				continue
			}

			chunk, ok := handle(payload)
			if chunk.Error != nil {
				chunk.Done = true
				chunk.Error = fmt.Errorf("decoding %s stream: %w", name, chunk.Error)
			}
			if !ok && !chunk.Done {
				continue
			}
			if !send(chunk) || chunk.Done {
				return
			}
		}

		// scanner.Err() is nil on clean EOF.
		if err := scanner.Err(); err != nil {
			send(StreamChunk{Done: true, Error: fmt.Errorf("reading %s stream: %w", name, err)})
			return
		}
		// Upstream closed without an explicit terminator; still tell the
		// consumer the stream is over.
		send(StreamChunk{Done: true})
	}()

	return ch
}
