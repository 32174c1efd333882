// Package budget tracks per-task model usage and acts as a circuit breaker.
package budget

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrExceeded is reported when a task crosses its token or cost ceiling.
var ErrExceeded = errors.New("budget exceeded")

// Usage is a running total of model usage.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Tokens returns the combined token count.
func (u Usage) Tokens() int {
	return u.InputTokens + u.OutputTokens
}

// Limits are the ceilings a task may not cross. Zero disables a ceiling.
type Limits struct {
	MaxTokens int     `toml:"max_tokens"`
	MaxCost   float64 `toml:"max_cost"`
}

// Price is the cost of one million tokens in each direction.
type Price struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Pricing maps model names to prices. Unknown models cost nothing.
type Pricing map[string]Price

// Cost prices a single model call.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*price.InputPer1M/1e6 + float64(outputTokens)*price.OutputPer1M/1e6
}

// ParsePriceSpec parses "model:input,output" where prices are per 1M tokens.
func ParsePriceSpec(spec string) (string, Price, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 {
		return "", Price{}, fmt.Errorf("invalid price spec %q: expected model:input,output", spec)
	}
	model := spec[:idx]
	parts := strings.Split(spec[idx+1:], ",")
	if len(parts) != 2 {
		return "", Price{}, fmt.Errorf("invalid price spec %q: expected model:input,output", spec)
	}
	in, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return "", Price{}, fmt.Errorf("invalid input price in %q: %w", spec, err)
	}
	out, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return "", Price{}, fmt.Errorf("invalid output price in %q: %w", spec, err)
	}
	return model, Price{InputPer1M: in, OutputPer1M: out}, nil
}

// ParsePricing builds a Pricing table from a list of price specs.
func ParsePricing(specs []string) (Pricing, error) {
	p := make(Pricing, len(specs))
	for _, spec := range specs {
		model, price, err := ParsePriceSpec(spec)
		if err != nil {
			return nil, err
		}
		p[model] = price
	}
	return p, nil
}

// Tracker accumulates usage for one task.
// Once a ceiling is crossed, Exceeded stays true for the tracker's lifetime.
type Tracker struct {
	mu       sync.Mutex
	limits   Limits
	pricing  Pricing
	usage    Usage
	exceeded string
}

// NewTracker creates a tracker with the given ceilings and price table.
func NewTracker(limits Limits, pricing Pricing) *Tracker {
	return &Tracker{limits: limits, pricing: pricing}
}

// Add accumulates usage.
func (t *Tracker) Add(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.usage.InputTokens += u.InputTokens
	t.usage.OutputTokens += u.OutputTokens
	t.usage.Cost += u.Cost
	t.check()
}

// Record accumulates a model call, pricing it from the tracker's table.
func (t *Tracker) Record(model string, inputTokens, outputTokens int) {
	t.Add(Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         t.pricing.Cost(model, inputTokens, outputTokens),
	})
}

// check must be called with mu held.
func (t *Tracker) check() {
	if t.exceeded != "" {
		return
	}
	if t.limits.MaxTokens > 0 && t.usage.Tokens() > t.limits.MaxTokens {
		t.exceeded = fmt.Sprintf("token limit of %d exceeded (used %d)", t.limits.MaxTokens, t.usage.Tokens())
		return
	}
	if t.limits.MaxCost > 0 && t.usage.Cost > t.limits.MaxCost {
		t.exceeded = fmt.Sprintf("cost limit of $%.4f exceeded (spent $%.4f)", t.limits.MaxCost, t.usage.Cost)
	}
}

// Exceeded reports whether any ceiling has been crossed.
func (t *Tracker) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceeded != ""
}

// Reason describes the ceiling that was crossed, or "" if none.
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceeded
}

// Err returns an ErrExceeded-wrapped error once a ceiling is crossed.
func (t *Tracker) Err() error {
	if reason := t.Reason(); reason != "" {
		return fmt.Errorf("%w: %s", ErrExceeded, reason)
	}
	return nil
}

// Usage returns a copy of the running totals.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
