package budget

import (
	"context"

	"github.com/vinayprograms/agentkit/llm"
)

// meteredProvider records the usage of every call into a Tracker.
type meteredProvider struct {
	inner   llm.Provider
	tracker *Tracker
}

// Meter wraps provider so that every completion is accumulated into tracker.
// A nil tracker returns provider unchanged.
func Meter(provider llm.Provider, tracker *Tracker) llm.Provider {
	if tracker == nil || provider == nil {
		return provider
	}
	return &meteredProvider{inner: provider, tracker: tracker}
}

func (m *meteredProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := m.inner.Chat(ctx, req)
	m.record(resp)
	return resp, err
}

func (m *meteredProvider) record(resp *llm.ChatResponse) {
	if resp == nil {
		return
	}
	m.tracker.Record(resp.Model, resp.InputTokens, resp.OutputTokens)
}
