package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// maxResponseBytes bounds how much of a webhook response is read.
const maxResponseBytes = 1 << 20

// Webhook invokes a capability by POSTing JSON to the business backend.
type Webhook struct {
	URL     string
	Tool    string
	Timeout time.Duration
	Headers map[string]string
	Client  *http.Client
}

type webhookRequest struct {
	Tool     string         `json:"tool"`
	TenantID string         `json:"tenant_id"`
	ActorID  string         `json:"actor_id"`
	Input    map[string]any `json:"input"`
}

// Invoke implements InvokeFunc.
func (w *Webhook) Invoke(ctx context.Context, inv Invocation) (any, error) {
	body, err := json.Marshal(webhookRequest{
		Tool:     w.Tool,
		TenantID: inv.Tenant,
		ActorID:  inv.Actor.ID,
		Input:    inv.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", inv.Tenant)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", w.Tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", w.Tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if n := 200; len(msg) > n {
			for n > 0 && !utf8.RuneStart(msg[n]) {
				n--
			}
			msg = msg[:n] + "..."
		}
		return nil, fmt.Errorf("%s: backend returned %d: %s", w.Tool, resp.StatusCode, msg)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// Non-JSON bodies are passed through as text.
		return string(data), nil
	}
	return out, nil
}
