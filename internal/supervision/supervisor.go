// Package supervision provides mid-flight observation and failure recovery for task execution.
package supervision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/interpret"
	"github.com/vinayprograms/taskagent/internal/task"
)

// ErrNoDecision is returned when the model's reply cannot be interpreted.
var ErrNoDecision = errors.New("no decision in supervisor response")

// Verdict is the observer's decision after a successful step.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictReplan   Verdict = "replan"
	VerdictAbort    Verdict = "abort"
)

// Strategy is the recovery advisor's decision after a failed attempt.
type Strategy string

const (
	StrategyRetryDifferent Strategy = "retry_different"
	StrategySkip           Strategy = "skip"
	StrategyAbort          Strategy = "abort"
)

// Observation is the observer's verdict with its stated reason.
type Observation struct {
	Verdict Verdict `json:"decision"`
	Reason  string  `json:"reason"`
}

// Advice is the recovery advisor's strategy. Input is an adjusted tool
// input for retry_different, or nil to retry unchanged.
type Advice struct {
	Strategy Strategy       `json:"strategy"`
	Input    map[string]any `json:"input,omitempty"`
	Reason   string         `json:"reason"`
}

// ObserveRequest describes a step that just succeeded.
type ObserveRequest struct {
	Goal      string
	Step      task.Step
	Output    string
	Remaining []task.Step
	Completed int
	Total     int
}

// AdviseRequest describes a failed attempt.
type AdviseRequest struct {
	Goal       string
	Step       task.Step
	Input      map[string]any
	Error      string
	Attempt    int
	MaxRetries int
}

// Supervisor evaluates execution and proposes corrections.
type Supervisor struct {
	provider llm.Provider
	logger   *logging.Logger
}

// Config holds supervisor configuration.
type Config struct {
	Provider llm.Provider
}

// New creates a new supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		provider: cfg.Provider,
		logger:   logging.New().WithComponent("supervisor"),
	}
}

// Observe inspects a step's output against the remaining plan.
func (s *Supervisor) Observe(ctx context.Context, req ObserveRequest) (Observation, error) {
	resp, err := s.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: observerSystemPrompt},
			{Role: "user", Content: buildObservePrompt(req)},
		},
	})
	if err != nil {
		s.logger.Error("observer_llm_error", map[string]interface{}{"error": err.Error()})
		return Observation{}, fmt.Errorf("observer LLM error: %w", err)
	}

	obs := parseObservation(resp.Content)
	s.logger.Info("observer_verdict", map[string]interface{}{
		"tool":    req.Step.Tool,
		"verdict": string(obs.Verdict),
		"reason":  obs.Reason,
	})
	return obs, nil
}

// Advise proposes how to recover from a failed attempt.
func (s *Supervisor) Advise(ctx context.Context, req AdviseRequest) (Advice, error) {
	resp, err := s.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: advisorSystemPrompt},
			{Role: "user", Content: buildAdvisePrompt(req)},
		},
	})
	if err != nil {
		s.logger.Error("advisor_llm_error", map[string]interface{}{"error": err.Error()})
		return Advice{}, fmt.Errorf("advisor LLM error: %w", err)
	}

	advice, ok := parseAdvice(resp.Content)
	if !ok {
		s.logger.Warn("advisor_undecodable", map[string]interface{}{"tool": req.Step.Tool})
		return Advice{}, ErrNoDecision
	}
	s.logger.Info("advisor_strategy", map[string]interface{}{
		"tool":     req.Step.Tool,
		"attempt":  req.Attempt,
		"strategy": string(advice.Strategy),
		"reason":   advice.Reason,
	})
	return advice, nil
}

// parseObservation reads a JSON decision, falling back to a leading
// keyword. Anything unclear is treated as continue.
func parseObservation(content string) Observation {
	if obs, ok := interpret.Object[Observation](content); ok {
		switch v := Verdict(strings.ToLower(strings.TrimSpace(string(obs.Verdict)))); v {
		case VerdictContinue, VerdictReplan, VerdictAbort:
			obs.Verdict = v
			return obs
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		for _, v := range []Verdict{VerdictContinue, VerdictReplan, VerdictAbort} {
			if strings.HasPrefix(upper, strings.ToUpper(string(v))) {
				reason := ""
				if idx := strings.Index(line, ":"); idx != -1 {
					reason = strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
				}
				return Observation{Verdict: v, Reason: reason}
			}
		}
	}
	return Observation{Verdict: VerdictContinue}
}

func parseAdvice(content string) (Advice, bool) {
	advice, ok := interpret.Object[Advice](content)
	if !ok {
		return Advice{}, false
	}
	advice.Strategy = Strategy(strings.ToLower(strings.TrimSpace(string(advice.Strategy))))
	switch advice.Strategy {
	case StrategyRetryDifferent, StrategySkip, StrategyAbort:
		return advice, true
	}
	return Advice{}, false
}

func buildObservePrompt(req ObserveRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\n\n", req.Goal))
	sb.WriteString(fmt.Sprintf("PROGRESS: %d of %d steps done\n\n", req.Completed, req.Total))
	sb.WriteString(fmt.Sprintf("STEP JUST COMPLETED: %s %s\n", req.Step.Tool, compactJSON(req.Step.Input)))
	sb.WriteString(fmt.Sprintf("OUTPUT:\n%s\n\n", truncate(req.Output, 2000)))
	sb.WriteString("REMAINING PLAN:\n")
	for i, s := range req.Remaining {
		sb.WriteString(fmt.Sprintf("%d. %s %s", i+1, s.Tool, compactJSON(s.Input)))
		if s.Rationale != "" {
			sb.WriteString(" - " + s.Rationale)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildAdvisePrompt(req AdviseRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\n\n", req.Goal))
	sb.WriteString(fmt.Sprintf("FAILED STEP: %s\n", req.Step.Tool))
	if req.Step.Rationale != "" {
		sb.WriteString(fmt.Sprintf("PURPOSE: %s\n", req.Step.Rationale))
	}
	sb.WriteString(fmt.Sprintf("INPUT: %s\n", compactJSON(req.Input)))
	sb.WriteString(fmt.Sprintf("ERROR: %s\n", req.Error))
	sb.WriteString(fmt.Sprintf("ATTEMPT: %d of %d\n", req.Attempt, req.MaxRetries+1))
	return sb.String()
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

const observerSystemPrompt = `You are an observer reviewing each step of an HR assistant's plan as it runs.

Given the step that just completed and its output, decide whether the rest of the plan still makes sense.

Be pragmatic:
- Minor surprises that don't affect the goal are fine: continue
- If the output shows the remaining steps are wrong or insufficient: replan
- If the output shows the goal cannot or must not be pursued further: abort

Respond with JSON only:
{"decision": "continue" | "replan" | "abort", "reason": "<one sentence>"}`

const advisorSystemPrompt = `You are a recovery advisor. A tool call made by an HR assistant just failed.

Choose one strategy:
- retry_different: the error is fixable by changing the input; supply the corrected input
- skip: the step is not essential to the goal; move on without it
- abort: the failure makes the goal unreachable

Respond with JSON only:
{"strategy": "retry_different" | "skip" | "abort", "input": {...}, "reason": "<one sentence>"}`
