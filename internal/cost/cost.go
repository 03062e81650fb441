// Package cost prices a call before it is made.
//
// The gateway never waits for the provider's own usage report to decide
// whether a call is affordable: quota decisions happen before dispatch, so
// the price has to be estimated from the request alone.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// price is what one call costs, in KRW.
type price struct {
	PerCall     int64
	Per1KTokens decimal.Decimal
}

// TokenCounter estimates how many tokens a piece of text encodes to.
type TokenCounter interface {
	Count(text string) int
}

// Model maps (mode, model, prompt) to a KRW amount. It holds no mutable
// state and is safe for concurrent use.
type Model struct {
	prices  map[priceKey]price
	counter TokenCounter
}

// priceKey identifies a price. An empty model is the mode's own price.
type priceKey struct {
	mode, model string
}

// New builds a Model from the cost section of the config. A nil counter
// selects the one named by cfg.Tokenizer.
func New(cfg config.CostConfig, counter TokenCounter) *Model {
	prices := make(map[priceKey]price)
	for mode, p := range cfg.Providers {
		prices[priceKey{mode: mode}] = newPrice(p.PerCall, p.Per1KTokens)
		for _, mp := range p.Models {
			prices[priceKey{mode: mode, model: mp.Model}] = newPrice(mp.PerCall, mp.Per1KTokens)
		}
	}
	if counter == nil {
		counter = NewCounter(cfg.Tokenizer)
	}
	return &Model{prices: prices, counter: counter}
}

func newPrice(perCall int64, per1K float64) price {
	return price{PerCall: perCall, Per1KTokens: decimal.NewFromFloat(per1K)}
}

// Estimate returns the cost of one call in whole KRW, rounded up.
//
// A model with its own price uses it; any other model, including "" (the
// provider's configured default), uses the mode price. texts is the prompt
// text the provider will see (system prompt plus every turn). Unknown modes
// cost nothing; the handler rejects unknown modes before it ever asks for a
// price.
func (m *Model) Estimate(mode, model string, texts []string) int64 {
	p, ok := m.prices[priceKey{mode: mode, model: model}]
	if !ok {
		p, ok = m.prices[priceKey{mode: mode}]
	}
	if !ok {
		return 0
	}

	total := decimal.NewFromInt(p.PerCall)

	// Tokenizing is the expensive part, so skip it for flat-priced modes.
	if p.Per1KTokens.IsPositive() {
		tokens := 0
		for _, t := range texts {
			tokens += m.counter.Count(t)
		}
		tokenCost := decimal.NewFromInt(int64(tokens)).
			Div(decimal.NewFromInt(1000)).
			Mul(p.Per1KTokens)
		total = total.Add(tokenCost)
	}

	return total.Ceil().IntPart()
}
