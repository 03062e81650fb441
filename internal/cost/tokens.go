package cost

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is close enough for every provider we price. Exact
// per-vendor tokenizers don't matter for an estimate that is rounded up to
// whole won anyway.
const defaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens with tiktoken. The encoding is loaded on
// first use; if it can't be loaded (offline host, missing cache) the counter
// falls back to a four-bytes-per-token heuristic rather than failing the
// request.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a lazily initialized counter.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return HeuristicCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCount approximates tokens as one per four bytes, rounded up.
func HeuristicCount(text string) int {
	return (len(text) + 3) / 4
}

// NewCounter returns the TokenCounter named by cost.tokenizer.
func NewCounter(name string) TokenCounter {
	if name == "heuristic" {
		return HeuristicCounter{}
	}
	return NewTiktokenCounter()
}

// HeuristicCounter is a TokenCounter that never touches tiktoken.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int { return HeuristicCount(text) }
