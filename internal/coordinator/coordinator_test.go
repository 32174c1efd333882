package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/delegation"
	"github.com/vinayprograms/taskagent/internal/task"
)

// fakeProvider answers decomposition and synthesis calls.
type fakeProvider struct {
	decomposition string
	synthesis     string
	synthesisErr  error
}

func (p *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if strings.HasPrefix(req.Messages[0].Content, "You split") {
		return &llm.ChatResponse{Content: p.decomposition, InputTokens: 10, OutputTokens: 5}, nil
	}
	if p.synthesisErr != nil {
		return nil, p.synthesisErr
	}
	return &llm.ChatResponse{Content: p.synthesis, InputTokens: 10, OutputTokens: 5}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, callback func(string)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *fakeProvider) Name() string { return "fake" }

// storeDispatcher creates child tasks directly in the store with a fixed
// status per specialist.
type storeDispatcher struct {
	store    task.Store
	statuses map[string]task.Status
	errs     map[string]error

	mu     sync.Mutex
	goals  map[string]string
	depths []int
}

func (d *storeDispatcher) Dispatch(ctx context.Context, req task.DispatchRequest) (*task.Task, error) {
	d.mu.Lock()
	if d.goals == nil {
		d.goals = map[string]string{}
	}
	d.goals[req.Specialist] = req.Goal
	d.depths = append(d.depths, delegation.Depth(ctx))
	d.mu.Unlock()

	if err := d.errs[req.Specialist]; err != nil {
		return nil, err
	}
	status := d.statuses[req.Specialist]
	if status == "" {
		status = task.StatusCompleted
	}
	child := &task.Task{
		TenantID:     req.Actor.TenantID,
		ActorID:      req.Actor.ID,
		Goal:         req.Goal,
		Specialist:   req.Specialist,
		ParentTaskID: req.ParentTaskID,
		Status:       status,
	}
	if status == task.StatusCompleted {
		child.Result = &task.Result{Summary: "result of " + req.Specialist, CompletedSteps: 1}
	}
	if err := d.store.CreateTask(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (d *storeDispatcher) goal(specialist string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.goals[specialist]
}

var (
	specialists = []task.Specialist{
		{Name: "benefits", Description: "Benefits enrolment"},
		{Name: "payroll", Description: "Pay and compensation"},
	}
	actor = catalog.Actor{ID: "u-1", TenantID: "acme", Tier: catalog.TierManager}
)

const twoStep = `[
	{"specialist": "benefits", "goal": "find the leave policy"},
	{"specialist": "payroll", "goal": "compute the leave payout", "depends_on": [0]}
]`

func newCoordinator(provider llm.Provider, d *storeDispatcher) *Coordinator {
	return New(Config{
		Provider:    provider,
		Dispatcher:  d,
		Store:       d.store,
		Specialists: specialists,
		Concurrency: 2,
		Delay:       -1,
	})
}

func TestLevels(t *testing.T) {
	got := Levels([][]int{{}, {}, {0}, {}, {2, 3}})
	want := [][]int{{0, 1, 3}, {2}, {4}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLevels_Cycle(t *testing.T) {
	got := Levels([][]int{{1}, {0}, {}, {7}})
	seen := map[int]int{}
	for _, level := range got {
		for _, i := range level {
			seen[i]++
		}
	}
	for i := 0; i < 4; i++ {
		if seen[i] != 1 {
			t.Errorf("node %d placed %d times", i, seen[i])
		}
	}
	if !reflect.DeepEqual(got[0], []int{2, 3}) {
		t.Errorf("expected acyclic nodes first, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	var raw []rawSubTask
	input := `[
		{"specialist": "benefits", "goal": "a"},
		{"specialist": "legal", "goal": "b"},
		{"agent": "payroll", "task": "c", "depends_on": [0, 1]},
		{"specialist": "benefits", "goal": "  "},
		{"specialist": "payroll", "goal": "d", "depends_on": [1.5]},
		{"specialist": "payroll", "goal": "e", "depends_on": [5]}
	]`
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		t.Fatal(err)
	}
	known := map[string]task.Specialist{"benefits": specialists[0], "payroll": specialists[1]}

	plans := validate(raw, known, 5)
	want := []task.SubTaskPlan{
		{Specialist: "benefits", Goal: "a"},
		{Specialist: "payroll", Goal: "c", DependsOn: []int{0}},
	}
	if !reflect.DeepEqual(plans, want) {
		t.Errorf("got %+v, want %+v", plans, want)
	}

	if plans := validate(raw, known, 1); len(plans) != 1 {
		t.Errorf("expected limit to truncate to 1, got %d", len(plans))
	}
}

func TestRun_ThreadsDependencyResults(t *testing.T) {
	store := task.NewMemoryStore()
	d := &storeDispatcher{store: store}
	c := newCoordinator(&fakeProvider{decomposition: twoStep, synthesis: "Combined answer."}, d)

	result, err := c.Run(context.Background(), actor, "plan my leave")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}
	if result.Result.Summary != "Combined answer." {
		t.Errorf("unexpected summary %q", result.Result.Summary)
	}
	if len(result.Result.SubTasks) != 2 || result.CurrentStep != 2 || result.TotalSteps != 2 {
		t.Errorf("unexpected progress: %+v", result)
	}
	if result.Result.Usage.InputTokens != 20 {
		t.Errorf("expected coordinator usage of 20 input tokens, got %d", result.Result.Usage.InputTokens)
	}

	if g := d.goal("benefits"); g != "find the leave policy" {
		t.Errorf("independent sub-task goal changed: %q", g)
	}
	g := d.goal("payroll")
	if !strings.Contains(g, "Results from earlier sub-tasks:") || !strings.Contains(g, "- benefits: result of benefits") {
		t.Errorf("dependent goal missing excerpt: %q", g)
	}
	for _, depth := range d.depths {
		if depth != 1 {
			t.Errorf("expected children at depth 1, got %v", d.depths)
		}
	}

	children, _ := store.ListTasks(context.Background(), task.Filter{ParentTaskID: result.ID})
	if len(children) != 2 {
		t.Errorf("expected 2 child tasks, got %d", len(children))
	}
}

func TestRun_FailedSubTask(t *testing.T) {
	store := task.NewMemoryStore()
	d := &storeDispatcher{store: store, errs: map[string]error{"benefits": errors.New("no such policy")}}
	c := newCoordinator(&fakeProvider{decomposition: twoStep, synthesisErr: errors.New("model down")}, d)

	result, err := c.Run(context.Background(), actor, "plan my leave")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error != "1 of 2 sub-tasks did not complete" {
		t.Errorf("unexpected error %q", result.Error)
	}
	if g := d.goal("payroll"); !strings.Contains(g, "benefits did not complete (failed)") {
		t.Errorf("dependent goal should note the failure: %q", g)
	}
	// Synthesis failed so the results are concatenated.
	if !strings.Contains(result.Result.Summary, "[benefits] (failed) no such policy") ||
		!strings.Contains(result.Result.Summary, "[payroll] (completed) result of payroll") {
		t.Errorf("unexpected fallback summary %q", result.Result.Summary)
	}
}

func TestRun_AwaitingApprovalThenRefresh(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	d := &storeDispatcher{store: store, statuses: map[string]task.Status{"payroll": task.StatusAwaitingApproval}}
	c := newCoordinator(&fakeProvider{decomposition: twoStep, synthesis: "Combined answer."}, d)

	result, err := c.Run(ctx, actor, "plan my leave")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != task.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", result.Status)
	}

	// Nothing changed yet.
	again, err := c.Refresh(ctx, result.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != task.StatusAwaitingApproval {
		t.Fatalf("expected still awaiting, got %s", again.Status)
	}

	childID := result.Result.SubTasks[1].TaskID
	if _, err := store.UpdateTask(ctx, childID, task.TaskUpdate{
		Status: task.Ptr(task.StatusCompleted),
		Result: &task.Result{Summary: "payout approved", CompletedSteps: 1},
	}); err != nil {
		t.Fatal(err)
	}

	final, err := c.Refresh(ctx, result.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected completed after refresh, got %s", final.Status)
	}
	if final.Result.SubTasks[1].Result != "payout approved" {
		t.Errorf("refresh did not pick up child result: %+v", final.Result.SubTasks[1])
	}
}

func TestRun_DecompositionFailure(t *testing.T) {
	store := task.NewMemoryStore()
	d := &storeDispatcher{store: store}
	c := newCoordinator(&fakeProvider{decomposition: "I cannot help with that."}, d)

	result, err := c.Run(context.Background(), actor, "plan my leave")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != task.StatusFailed || !strings.Contains(result.Error, "decomposition failed") {
		t.Errorf("expected decomposition failure, got %s %q", result.Status, result.Error)
	}
	if len(d.depths) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestRefresh_RejectsOtherTasks(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemoryStore()
	other := &task.Task{TenantID: "acme", Goal: "x", Specialist: "payroll", Status: task.StatusExecuting}
	if err := store.CreateTask(ctx, other); err != nil {
		t.Fatal(err)
	}
	c := newCoordinator(&fakeProvider{}, &storeDispatcher{store: store})
	if _, err := c.Refresh(ctx, other.ID); !errors.Is(err, ErrNotCoordinated) {
		t.Errorf("expected ErrNotCoordinated, got %v", err)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); got != "h..." {
		t.Errorf("truncate() = %q, want %q", got, "h...")
	}
	if got := truncate("héllo", 3); got != "hé..." {
		t.Errorf("truncate() = %q, want %q", got, "hé...")
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}
