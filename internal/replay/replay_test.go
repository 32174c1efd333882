package replay

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/task"
)

func sampleEvents() []audit.Event {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }
	return []audit.Event{
		{Type: audit.EventTaskStart, Timestamp: at(0), Content: "Archive stale goals"},
		{Type: audit.EventPlan, Timestamp: at(1), Content: "1. list_goals\n2. delete_goal"},
		{Type: audit.EventStepStart, Timestamp: at(2), Step: audit.StepIndex(0), Tool: "list_goals"},
		{Type: audit.EventToolCall, Timestamp: at(2), Step: audit.StepIndex(0), Tool: "list_goals", Attempt: 1},
		{Type: audit.EventToolResult, Timestamp: at(3), Step: audit.StepIndex(0), Tool: "list_goals", Success: audit.Bool(true), DurationMs: 40, Content: "3 goals"},
		{Type: audit.EventApprovalRequested, Timestamp: at(4), Step: audit.StepIndex(1), Tool: "delete_goal", Input: map[string]any{"id": "g-1"}},
		{Type: audit.EventApprovalDecision, Timestamp: at(60), Step: audit.StepIndex(1), Tool: "delete_goal", Decision: "approved", Approver: "u-9"},
		{Type: audit.EventToolCall, Timestamp: at(61), Step: audit.StepIndex(1), Tool: "delete_goal", Attempt: 1},
		{Type: audit.EventToolResult, Timestamp: at(62), Step: audit.StepIndex(1), Tool: "delete_goal", Success: audit.Bool(false), Error: "backend unavailable"},
		{Type: audit.EventRecovery, Timestamp: at(62), Step: audit.StepIndex(1), Tool: "delete_goal", Attempt: 1, Decision: "skip", Reason: "not critical"},
		{Type: audit.EventTaskEnd, Timestamp: at(63), Status: "completed", TokensIn: 1200, TokensOut: 300},
	}
}

func writeLog(t *testing.T, taskID string, events []audit.Event) string {
	t.Helper()
	dir := t.TempDir()
	log, err := audit.Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		e.TaskID = taskID
		e.TenantID = "acme"
		e.ActorID = "u-7"
		log.Record(e)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	return log.Path(taskID)
}

func TestReplayFile(t *testing.T) {
	path := writeLog(t, "task-1", sampleEvents())

	var buf bytes.Buffer
	r := New(&buf, 1)
	if err := r.ReplayFile(path); err != nil {
		t.Fatalf("ReplayFile failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"task-1",
		"TASK START",
		"Archive stale goals",
		"APPROVAL REQUESTED",
		"id: g-1",
		"DECISION",
		"by u-9",
		"backend unavailable",
		"RECOVERY",
		"COMPLETED",
		"1200 in / 300 out",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestReplayFiles_NoMatch(t *testing.T) {
	r := New(&bytes.Buffer{}, 0)
	if err := r.ReplayFiles(filepath.Join(t.TempDir(), "*.jsonl")); err == nil {
		t.Error("expected error for empty glob")
	}
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats(sampleEvents(), budget.Pricing{WildcardModel: {InputPer1M: 1, OutputPer1M: 2}})
	if stats.Status != "completed" {
		t.Errorf("expected completed, got %q", stats.Status)
	}
	if stats.ToolCalls != 2 || stats.ToolFailed != 1 || stats.Tools["delete_goal"] != 1 {
		t.Errorf("unexpected tool stats: %+v", stats)
	}
	if stats.Approvals != 1 || stats.Recoveries != 1 {
		t.Errorf("unexpected supervision stats: %+v", stats)
	}
	if stats.Duration != 63*time.Second {
		t.Errorf("expected 63s, got %v", stats.Duration)
	}
	want := 1200*1.0/1e6 + 300*2.0/1e6
	if diff := stats.Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected cost %f, got %f", want, stats.Cost)
	}
}

func TestComputeStats_AwaitingApproval(t *testing.T) {
	events := sampleEvents()[:6]
	if stats := ComputeStats(events, nil); stats.Status != "awaiting_approval" {
		t.Errorf("expected awaiting_approval, got %q", stats.Status)
	}
}

func TestFollow_StopsAtTaskEnd(t *testing.T) {
	path := writeLog(t, "task-2", sampleEvents())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := New(&buf, 0).Follow(ctx, path); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if !strings.Contains(buf.String(), "TASK END") || !strings.Contains(buf.String(), "STATISTICS") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestRenderTask(t *testing.T) {
	tk := &task.Task{
		ID:          "task-3",
		TenantID:    "acme",
		ActorID:     "u-7",
		Goal:        "Archive stale goals",
		Status:      task.StatusAwaitingApproval,
		CurrentStep: 1,
		TotalSteps:  2,
		Plan: []task.Step{
			{Tool: "list_goals"},
			{Tool: "delete_goal", RequiresApproval: true},
		},
	}
	actions := []*task.Action{
		{StepIndex: 0, Tool: "list_goals", Status: task.ActionCompleted},
		{StepIndex: 1, Tool: "delete_goal", Status: task.ActionAwaitingApproval},
	}

	var buf bytes.Buffer
	RenderTask(&buf, tk, actions, 80)
	out := buf.String()
	for _, want := range []string{"task-3", "1 of 2 steps", "delete_goal", "[approval]", "awaiting_approval"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
