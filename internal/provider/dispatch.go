package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

// DispatchError is a failed upstream call that produced no stream: the
// request could not be sent, or the upstream answered with a non-200
// status. Nothing was delivered to the caller, so nothing is billed.
type DispatchError struct {
	Provider string
	Status   int    // upstream HTTP status; 0 when the request never got a response
	Body     string // truncated upstream error body
	Err      error  // transport error when Status is 0
}

func (e *DispatchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: sending request: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatch builds the upstream request, sends it, and on a 200 hands the
// body to the adapter's decoder.
//
// A nil error means the upstream accepted the call and bytes are about to
// flow; that is the point at which the call counts as made. Cancelling ctx
// aborts the upstream request and stops the decoder.
func Dispatch(ctx context.Context, client *http.Client, p Provider, req *Request) (<-chan StreamChunk, error) {
	httpReq, err := p.BuildRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", p.Name(), err)
	}

	// No defer Body.Close() here on the success path: the body is a
	// long-lived stream and the decoder goroutine closes it.
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, &DispatchError{Provider: p.Name(), Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &DispatchError{
			Provider: p.Name(),
			Status:   httpResp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
		}
	}

	return p.Decode(ctx, httpResp.Body), nil
}
