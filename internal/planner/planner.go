// Package planner turns a goal into an ordered list of tool invocations.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/interpret"
	"github.com/vinayprograms/taskagent/internal/task"
)

// ErrNoPlan is returned when the model's response yields no usable step.
var ErrNoPlan = errors.New("no usable plan")

// DefaultMaxSteps caps a generated plan.
const DefaultMaxSteps = 10

// Outcome is a resolved step fed back into a re-plan.
type Outcome struct {
	Tool   string
	Status task.ActionStatus
	Output string
}

// Request describes what to plan.
type Request struct {
	Goal       string
	Actor      catalog.Actor
	Specialist string
	// History and Feedback are set when re-planning the remainder of a task.
	History  []Outcome
	Feedback string
}

// Config holds generator configuration.
type Config struct {
	Provider llm.Provider
	Catalog  *catalog.Catalog
	// Extra capabilities offered to the model in addition to the catalog,
	// e.g. delegation to another specialist.
	Extra []catalog.Capability
	// Instructions is the specialist's role description, prepended to the system prompt.
	Instructions string
	MaxSteps     int
}

// Generator produces plans.
type Generator struct {
	provider     llm.Provider
	catalog      *catalog.Catalog
	extra        map[string]catalog.Capability
	extraOrder   []catalog.Capability
	instructions string
	maxSteps     int
	logger       *logging.Logger
}

// New creates a plan generator.
func New(cfg Config) *Generator {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	extra := make(map[string]catalog.Capability, len(cfg.Extra))
	for _, c := range cfg.Extra {
		extra[c.Name] = c
	}
	return &Generator{
		provider:     cfg.Provider,
		catalog:      cfg.Catalog,
		extra:        extra,
		extraOrder:   cfg.Extra,
		instructions: cfg.Instructions,
		maxSteps:     maxSteps,
		logger:       logging.New().WithComponent("planner"),
	}
}

// rawStep accepts the field names models commonly use.
type rawStep struct {
	Tool      string         `json:"tool"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Arguments map[string]any `json:"arguments"`
	Rationale string         `json:"rationale"`
	Reason    string         `json:"reason"`
}

func (r rawStep) step() task.Step {
	s := task.Step{Tool: r.Tool, Input: r.Input, Rationale: r.Rationale}
	if s.Tool == "" {
		s.Tool = r.Name
	}
	if s.Input == nil {
		s.Input = r.Arguments
	}
	if s.Rationale == "" {
		s.Rationale = r.Reason
	}
	return s
}

// Generate asks the model for a plan. Steps naming a tool the actor cannot
// see are dropped; the remainder is capped and annotated from the catalog.
// Returns ErrNoPlan when nothing usable remains.
func (g *Generator) Generate(ctx context.Context, req Request) ([]task.Step, error) {
	visible := g.visible(req.Actor.Tier)

	resp, err := g.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: g.systemPrompt(visible)},
			{Role: "user", Content: buildRequestPrompt(req)},
		},
	})
	if err != nil {
		g.logger.Error("planner_llm_error", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("planner LLM error: %w", err)
	}
	g.logger.Debug("plan_response", map[string]interface{}{"content": resp.Content})

	raw, ok := interpret.List[rawStep](resp.Content)
	if !ok {
		g.logger.Warn("plan_undecodable", map[string]interface{}{"goal": req.Goal})
		return nil, ErrNoPlan
	}

	allowed := make(map[string]bool, len(visible))
	for _, c := range visible {
		allowed[c.Name] = true
	}

	var steps []task.Step
	dropped := 0
	for _, r := range raw {
		s := r.step()
		if !allowed[s.Tool] {
			dropped++
			continue
		}
		steps = append(steps, s)
	}
	if dropped > 0 {
		g.logger.Debug("plan_unknown_tools_dropped", map[string]interface{}{"count": dropped})
	}
	if len(steps) > g.maxSteps {
		g.logger.Warn("plan_truncated", map[string]interface{}{"steps": len(steps), "max": g.maxSteps})
		steps = steps[:g.maxSteps]
	}

	steps = g.Annotate(steps)
	if len(steps) == 0 {
		return nil, ErrNoPlan
	}
	return steps, nil
}

// Annotate copies blast radius and approval requirement from the catalog onto
// each step. A step whose tool cannot be found is removed, never defaulted.
func (g *Generator) Annotate(steps []task.Step) []task.Step {
	out := make([]task.Step, 0, len(steps))
	for _, s := range steps {
		c, ok := g.Lookup(s.Tool)
		if !ok {
			continue
		}
		s.BlastRadius = c.BlastRadius
		s.RequiresApproval = c.RequiresApproval
		out = append(out, s)
	}
	return out
}

// Lookup finds a capability in the catalog or the extra set.
func (g *Generator) Lookup(name string) (catalog.Capability, bool) {
	if c, ok := g.catalog.Lookup(name); ok {
		return c, true
	}
	c, ok := g.extra[name]
	return c, ok
}

func (g *Generator) visible(tier catalog.Tier) []catalog.Capability {
	caps := g.catalog.Visible(tier)
	for _, c := range g.extraOrder {
		if c.MinTier <= tier {
			caps = append(caps, c)
		}
	}
	return caps
}

func (g *Generator) systemPrompt(caps []catalog.Capability) string {
	var sb strings.Builder
	if g.instructions != "" {
		sb.WriteString(g.instructions)
		sb.WriteString("\n\n")
	}
	sb.WriteString("You plan work for an HR assistant. Break the goal into the smallest ordered list of tool calls that achieves it.\n\n")
	sb.WriteString("AVAILABLE TOOLS:\n")
	for _, c := range caps {
		sb.WriteString(fmt.Sprintf("- %s %s [%s]", c.Name, c.Schema.Describe(), c.BlastRadius))
		if c.Description != "" {
			sb.WriteString(": " + c.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf(`
Rules:
- Use only the tools listed above.
- Use at most %d steps.
- Inputs must match the tool's fields.

Respond with a JSON array only:
[{"tool": "<name>", "input": {...}, "rationale": "<why>"}]`, g.maxSteps))
	return sb.String()
}

func buildRequestPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("GOAL: %s\n", req.Goal))
	sb.WriteString(fmt.Sprintf("ACTOR: %s (tenant %s, tier %s)\n", actorLabel(req.Actor), req.Actor.TenantID, req.Actor.Tier))

	if len(req.History) > 0 || req.Feedback != "" {
		sb.WriteString("\nThis is a re-plan. Plan ONLY the remaining work.\n")
		if len(req.History) > 0 {
			sb.WriteString("\nALREADY DONE:\n")
			for i, h := range req.History {
				sb.WriteString(fmt.Sprintf("%d. %s [%s] %s\n", i+1, h.Tool, h.Status, truncate(h.Output, 300)))
			}
		}
		if req.Feedback != "" {
			sb.WriteString(fmt.Sprintf("\nFEEDBACK: %s\n", req.Feedback))
		}
	}
	return sb.String()
}

func actorLabel(a catalog.Actor) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.ID)
	}
	return a.ID
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
