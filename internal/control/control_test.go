package control

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/coordinator"
	"github.com/vinayprograms/taskagent/internal/executor"
	"github.com/vinayprograms/taskagent/internal/task"
)

// fakeEngine serves tasks and actions from maps.
type fakeEngine struct {
	tasks   map[string]*task.Task
	actions map[string]*task.Action

	started   []string
	decisions []string
	cancelled []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		tasks: map[string]*task.Task{
			"t-1": {ID: "t-1", TenantID: "acme", Status: task.StatusAwaitingApproval},
			"t-2": {ID: "t-2", TenantID: "globex", Status: task.StatusExecuting},
			"t-3": {ID: "t-3", TenantID: "acme", Status: task.StatusCompleted},
		},
		actions: map[string]*task.Action{
			"a-1": {ID: "a-1", TaskID: "t-1", TenantID: "acme", Status: task.ActionAwaitingApproval},
			"a-2": {ID: "a-2", TaskID: "t-2", TenantID: "globex", Status: task.ActionAwaitingApproval},
		},
	}
}

func (f *fakeEngine) Start(ctx context.Context, actor catalog.Actor, goal, specialist string) (*task.Task, error) {
	if specialist == "legal" {
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownSpecialist, specialist)
	}
	f.started = append(f.started, actor.Tier.String()+":"+goal)
	return &task.Task{ID: "new", TenantID: actor.TenantID, ActorID: actor.ID, Goal: goal, Status: task.StatusCompleted}, nil
}

func (f *fakeEngine) Approve(ctx context.Context, actionID, approverID, reason string) (*task.Task, error) {
	f.decisions = append(f.decisions, "approve:"+actionID+":"+approverID)
	t := *f.tasks[f.actions[actionID].TaskID]
	t.Status = task.StatusCompleted
	t.ParentTaskID = "parent"
	return &t, nil
}

func (f *fakeEngine) Reject(ctx context.Context, actionID, approverID, reason string) (*task.Task, error) {
	if f.actions[actionID].Status != task.ActionAwaitingApproval {
		return nil, executor.ErrNotPending
	}
	f.decisions = append(f.decisions, "reject:"+actionID+":"+reason)
	return f.tasks[f.actions[actionID].TaskID], nil
}

func (f *fakeEngine) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t := f.tasks[taskID]
	if t.Status.IsTerminal() {
		return t, executor.ErrTaskTerminal
	}
	f.cancelled = append(f.cancelled, taskID)
	return t, nil
}

func (f *fakeEngine) Get(ctx context.Context, taskID string) (*task.Task, []*task.Action, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	return t, nil, nil
}

func (f *fakeEngine) GetAction(ctx context.Context, actionID string) (*task.Action, error) {
	a, ok := f.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrActionNotFound, actionID)
	}
	return a, nil
}

type fakeCoordinator struct {
	runs      []string
	refreshed []string
}

func (c *fakeCoordinator) Run(ctx context.Context, actor catalog.Actor, goal string) (*task.Task, error) {
	c.runs = append(c.runs, goal)
	return &task.Task{ID: "coord", Specialist: coordinator.Specialist, Status: task.StatusCompleted}, nil
}

func (c *fakeCoordinator) Refresh(ctx context.Context, taskID string) (*task.Task, error) {
	c.refreshed = append(c.refreshed, taskID)
	return nil, nil
}

func newServer() (*Server, *fakeEngine, *fakeCoordinator) {
	engine := newFakeEngine()
	coord := &fakeCoordinator{}
	actors := executor.StaticActors{}
	actors.Add(catalog.Actor{ID: "u-7", TenantID: "acme", Tier: catalog.TierManager})
	return New(Config{Engine: engine, Coordinator: coord, Actors: actors}), engine, coord
}

func TestHandle_Start(t *testing.T) {
	s, engine, coord := newServer()
	ctx := context.Background()

	resp := s.Handle(ctx, OpStart, Request{TenantID: "acme", ActorID: "u-7", Goal: "review goals"})
	if resp.Error != "" || resp.Task == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(engine.started) != 1 || engine.started[0] != "manager:review goals" {
		t.Errorf("expected resolved manager actor, got %v", engine.started)
	}

	resp = s.Handle(ctx, OpStart, Request{TenantID: "acme", ActorID: "u-7", Goal: "onboard Sam", Specialist: coordinator.Specialist})
	if resp.Error != "" || len(coord.runs) != 1 {
		t.Errorf("expected coordinator run, got %+v", resp)
	}
}

func TestHandle_Errors(t *testing.T) {
	s, _, _ := newServer()
	ctx := context.Background()

	tests := []struct {
		name string
		op   string
		req  Request
		code string
	}{
		{"missing identity", OpGet, Request{TaskID: "t-1"}, CodeInvalid},
		{"missing goal", OpStart, Request{TenantID: "acme", ActorID: "u-7"}, CodeInvalid},
		{"unknown actor", OpStart, Request{TenantID: "acme", ActorID: "u-404", Goal: "x"}, CodeNotFound},
		{"unknown specialist", OpStart, Request{TenantID: "acme", ActorID: "u-7", Goal: "x", Specialist: "legal"}, CodeInvalid},
		{"unknown op", "delete", Request{TenantID: "acme", ActorID: "u-7"}, CodeInvalid},
		{"missing task", OpGet, Request{TenantID: "acme", ActorID: "u-7", TaskID: "t-404"}, CodeNotFound},
		{"other tenant task", OpGet, Request{TenantID: "acme", ActorID: "u-7", TaskID: "t-2"}, CodeNotFound},
		{"other tenant action", OpApprove, Request{TenantID: "acme", ActorID: "u-7", ActionID: "a-2"}, CodeNotFound},
		{"terminal cancel", OpCancel, Request{TenantID: "acme", ActorID: "u-7", TaskID: "t-3"}, CodeConflict},
		{"missing action id", OpReject, Request{TenantID: "acme", ActorID: "u-7"}, CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Handle(ctx, tt.op, tt.req)
			if resp.Code != tt.code {
				t.Errorf("expected code %q, got %q (%s)", tt.code, resp.Code, resp.Error)
			}
		})
	}
}

func TestHandle_DecisionsRefreshParent(t *testing.T) {
	s, engine, coord := newServer()
	ctx := context.Background()

	resp := s.Handle(ctx, OpApprove, Request{TenantID: "acme", ActorID: "u-7", ActionID: "a-1"})
	if resp.Error != "" {
		t.Fatalf("approve failed: %s", resp.Error)
	}
	if len(engine.decisions) != 1 || engine.decisions[0] != "approve:a-1:u-7" {
		t.Errorf("unexpected decisions %v", engine.decisions)
	}
	if len(coord.refreshed) != 1 || coord.refreshed[0] != "parent" {
		t.Errorf("expected parent refresh, got %v", coord.refreshed)
	}

	engine.actions["a-1"].Status = task.ActionApproved
	resp = s.Handle(ctx, OpReject, Request{TenantID: "acme", ActorID: "u-7", ActionID: "a-1", Reason: "late"})
	if resp.Code != CodeConflict {
		t.Errorf("expected conflict for decided action, got %+v", resp)
	}
}

func TestHandle_CancelAndGet(t *testing.T) {
	s, engine, _ := newServer()
	ctx := context.Background()

	if resp := s.Handle(ctx, OpCancel, Request{TenantID: "acme", ActorID: "u-7", TaskID: "t-1"}); resp.Error != "" {
		t.Fatalf("cancel failed: %s", resp.Error)
	}
	if len(engine.cancelled) != 1 {
		t.Errorf("expected one cancel, got %v", engine.cancelled)
	}
	resp := s.Handle(ctx, OpGet, Request{TenantID: "acme", ActorID: "u-7", TaskID: "t-1"})
	if resp.Task == nil || resp.Task.ID != "t-1" {
		t.Errorf("unexpected get response %+v", resp)
	}
}

func TestSubject(t *testing.T) {
	s := New(Config{Prefix: "hr"})
	if got := s.Subject(OpApprove); got != "hr.task.approve" {
		t.Errorf("got %q", got)
	}
}

// blockingEngine holds every Start until release is closed.
type blockingEngine struct {
	*fakeEngine
	entered chan bool // reports whether the task context carries a deadline
	release chan struct{}
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		fakeEngine: newFakeEngine(),
		entered:    make(chan bool, 8),
		release:    make(chan struct{}),
	}
}

func (b *blockingEngine) Start(ctx context.Context, actor catalog.Actor, goal, specialist string) (*task.Task, error) {
	_, hasDeadline := ctx.Deadline()
	b.entered <- hasDeadline
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &task.Task{ID: goal, TenantID: actor.TenantID, Status: task.StatusCompleted}, nil
}

func startRequest(t *testing.T, goal string) []byte {
	t.Helper()
	data, err := json.Marshal(Request{TenantID: "acme", ActorID: "u-7", Goal: goal})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func collect(replies chan []byte) func([]byte) error {
	return func(data []byte) error {
		replies <- data
		return nil
	}
}

func waitEntered(t *testing.T, engine *blockingEngine) bool {
	t.Helper()
	select {
	case hasDeadline := <-engine.entered:
		return hasDeadline
	case <-time.After(2 * time.Second):
		t.Fatal("start was not reached")
	}
	return false
}

func TestEnqueue_StartsRunConcurrently(t *testing.T) {
	engine := newBlockingEngine()
	s := New(Config{Engine: engine, MaxConcurrent: 4})
	defer s.Close()

	replies := make(chan []byte, 4)
	// Requests arrive one after another, as a subscription delivers them.
	for i := 0; i < 4; i++ {
		s.enqueue(OpStart, startRequest(t, fmt.Sprintf("goal-%d", i)), collect(replies))
	}
	for i := 0; i < 4; i++ {
		if waitEntered(t, engine) {
			t.Error("task context should not carry a request deadline")
		}
	}
	close(engine.release)

	for i := 0; i < 4; i++ {
		var resp Response
		if err := json.Unmarshal(<-replies, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Error != "" || resp.Task == nil {
			t.Errorf("unexpected response %+v", resp)
		}
	}
}

func TestEnqueue_RespectsMaxConcurrent(t *testing.T) {
	engine := newBlockingEngine()
	s := New(Config{Engine: engine, MaxConcurrent: 1})
	defer s.Close()

	replies := make(chan []byte, 2)
	s.enqueue(OpStart, startRequest(t, "first"), collect(replies))
	waitEntered(t, engine)

	second := startRequest(t, "second")
	queued := make(chan struct{})
	go func() {
		s.enqueue(OpStart, second, collect(replies))
		close(queued)
	}()
	select {
	case <-engine.entered:
		t.Fatal("second start ran while the only slot was taken")
	case <-time.After(100 * time.Millisecond):
	}

	close(engine.release)
	waitEntered(t, engine)
	<-queued
	for i := 0; i < 2; i++ {
		<-replies
	}
}

func TestClose_CancelsRunningRequests(t *testing.T) {
	engine := newBlockingEngine()
	s := New(Config{Engine: engine})

	replies := make(chan []byte, 2)
	s.enqueue(OpStart, startRequest(t, "long"), collect(replies))
	waitEntered(t, engine)
	s.Close()

	var resp Response
	if err := json.Unmarshal(<-replies, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Errorf("expected cancelled start to fail, got %+v", resp)
	}

	s.enqueue(OpStart, startRequest(t, "late"), collect(replies))
	if err := json.Unmarshal(<-replies, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != CodeInternal {
		t.Errorf("expected shutdown error after close, got %+v", resp)
	}
}
