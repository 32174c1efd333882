// Package control exposes task operations over NATS request/reply.
//
// Each operation listens on <prefix>.task.<op> and answers with a JSON
// Response. Requests are scoped to a tenant: a task belonging to another
// tenant is reported as not found.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/sync/semaphore"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/coordinator"
	"github.com/vinayprograms/taskagent/internal/executor"
	"github.com/vinayprograms/taskagent/internal/task"
)

// Operations.
const (
	OpStart   = "start"
	OpApprove = "approve"
	OpReject  = "reject"
	OpCancel  = "cancel"
	OpGet     = "get"
)

// Ops lists every operation the server subscribes to.
var Ops = []string{OpStart, OpApprove, OpReject, OpCancel, OpGet}

// Error codes carried in Response.Code.
const (
	CodeInvalid  = "invalid_request"
	CodeNotFound = "not_found"
	CodeConflict = "conflict"
	CodeInternal = "internal"
)

// DefaultMaxConcurrent bounds the requests one server handles at a time.
const DefaultMaxConcurrent = 16

// Engine is the executor surface the server drives.
type Engine interface {
	Start(ctx context.Context, actor catalog.Actor, goal, specialist string) (*task.Task, error)
	Approve(ctx context.Context, actionID, approverID, reason string) (*task.Task, error)
	Reject(ctx context.Context, actionID, approverID, reason string) (*task.Task, error)
	Cancel(ctx context.Context, taskID string) (*task.Task, error)
	Get(ctx context.Context, taskID string) (*task.Task, []*task.Action, error)
	GetAction(ctx context.Context, actionID string) (*task.Action, error)
}

// Coordinator runs cross-domain goals.
type Coordinator interface {
	Run(ctx context.Context, actor catalog.Actor, goal string) (*task.Task, error)
	Refresh(ctx context.Context, taskID string) (*task.Task, error)
}

// Request is the JSON body of every operation.
type Request struct {
	TenantID   string `json:"tenant_id"`
	ActorID    string `json:"actor_id"`
	Goal       string `json:"goal,omitempty"`
	Specialist string `json:"specialist,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ActionID   string `json:"action_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Response is the JSON reply of every operation.
type Response struct {
	Task    *task.Task     `json:"task,omitempty"`
	Actions []*task.Action `json:"actions,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// Config holds server configuration.
type Config struct {
	Engine      Engine
	Coordinator Coordinator
	Actors      executor.ActorResolver
	Prefix      string
	// MaxConcurrent is the number of requests handled in parallel.
	// Further requests wait for a free slot.
	MaxConcurrent int
}

// Server answers control requests.
type Server struct {
	engine Engine
	coord  Coordinator
	actors executor.ActorResolver
	prefix string
	logger *logging.Logger

	// ctx spans the server's lifetime. Requests run under it until Close.
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	subs     []*nats.Subscription
}

// New creates a server.
func New(cfg Config) *Server {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: cfg.Engine,
		coord:  cfg.Coordinator,
		actors: cfg.Actors,
		prefix: cfg.Prefix,
		logger: logging.New().WithComponent("control"),
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(limit)),
	}
	if s.prefix == "" {
		s.prefix = "taskagent"
	}
	return s
}

// Subject returns the subject an operation listens on.
func (s *Server) Subject(op string) string {
	return s.prefix + ".task." + op
}

// Listen subscribes every operation on conn. Servers sharing a prefix form
// one queue group so each request is answered once.
func (s *Server) Listen(conn *nats.Conn) error {
	for _, op := range Ops {
		op := op
		sub, err := conn.QueueSubscribe(s.Subject(op), s.prefix, func(msg *nats.Msg) {
			s.enqueue(op, msg.Data, msg.Respond)
		})
		if err != nil {
			s.drain()
			return fmt.Errorf("failed to subscribe %s: %w", s.Subject(op), err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("control listening", map[string]interface{}{"prefix": s.prefix})
	return conn.Flush()
}

// Close drains all subscriptions, cancels requests still running and waits
// for them to answer.
func (s *Server) Close() {
	s.drain()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.inflight.Wait()
}

func (s *Server) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// enqueue handles one request in its own goroutine once a slot is free.
// It returns as soon as the request is running so the subscription keeps
// delivering.
func (s *Server) enqueue(op string, data []byte, respond func([]byte) error) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.reply(op, Response{Error: "server is shutting down", Code: CodeInternal}, respond)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sem.Release(1)
		s.reply(op, Response{Error: "server is shutting down", Code: CodeInternal}, respond)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)
		s.serve(op, data, respond)
	}()
}

func (s *Server) serve(op string, data []byte, respond func([]byte) error) {
	var req Request
	var resp Response
	if err := json.Unmarshal(data, &req); err != nil {
		resp = Response{Error: "invalid JSON: " + err.Error(), Code: CodeInvalid}
	} else {
		resp = s.Handle(s.ctx, op, req)
	}
	s.reply(op, resp, respond)
}

func (s *Server) reply(op string, resp Response, respond func([]byte) error) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{Error: err.Error(), Code: CodeInternal})
	}
	if err := respond(data); err != nil {
		s.logger.Warn("failed to respond", map[string]interface{}{"op": op, "error": err.Error()})
	}
}

// Handle runs one operation.
func (s *Server) Handle(ctx context.Context, op string, req Request) Response {
	if req.TenantID == "" || req.ActorID == "" {
		return invalid("tenant_id and actor_id are required")
	}
	start := time.Now()
	resp := s.dispatch(ctx, op, req)
	fields := map[string]interface{}{
		"op":          op,
		"tenant_id":   req.TenantID,
		"actor_id":    req.ActorID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if resp.Error != "" {
		fields["error"] = resp.Error
		s.logger.Warn("control request failed", fields)
	} else {
		s.logger.Info("control request", fields)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, op string, req Request) Response {
	switch op {
	case OpStart:
		return s.start(ctx, req)
	case OpApprove, OpReject:
		return s.decide(ctx, req, op == OpApprove)
	case OpCancel:
		if _, err := s.owned(ctx, req); err != nil {
			return failure(err)
		}
		t, err := s.engine.Cancel(ctx, req.TaskID)
		if err != nil {
			return failure(err)
		}
		return Response{Task: t}
	case OpGet:
		if _, err := s.owned(ctx, req); err != nil {
			return failure(err)
		}
		t, actions, err := s.engine.Get(ctx, req.TaskID)
		if err != nil {
			return failure(err)
		}
		return Response{Task: t, Actions: actions}
	}
	return invalid("unknown operation " + op)
}

func (s *Server) start(ctx context.Context, req Request) Response {
	if req.Goal == "" {
		return invalid("goal is required")
	}
	actor, err := s.actor(ctx, req)
	if err != nil {
		return failure(err)
	}
	var t *task.Task
	if req.Specialist == coordinator.Specialist {
		if s.coord == nil {
			return invalid("coordination is not enabled")
		}
		t, err = s.coord.Run(ctx, actor, req.Goal)
	} else {
		t, err = s.engine.Start(ctx, actor, req.Goal, req.Specialist)
	}
	if err != nil {
		return failure(err)
	}
	return Response{Task: t}
}

func (s *Server) decide(ctx context.Context, req Request, approve bool) Response {
	if req.ActionID == "" {
		return invalid("action_id is required")
	}
	a, err := s.engine.GetAction(ctx, req.ActionID)
	if err != nil {
		return failure(err)
	}
	if a.TenantID != req.TenantID {
		return Response{Error: "action not found", Code: CodeNotFound}
	}

	var t *task.Task
	if approve {
		t, err = s.engine.Approve(ctx, req.ActionID, req.ActorID, req.Reason)
	} else {
		t, err = s.engine.Reject(ctx, req.ActionID, req.ActorID, req.Reason)
	}
	if err != nil {
		return failure(err)
	}
	s.refreshParent(ctx, t)
	return Response{Task: t}
}

// refreshParent lets a coordinator waiting on this child conclude.
func (s *Server) refreshParent(ctx context.Context, child *task.Task) {
	if s.coord == nil || child.ParentTaskID == "" || child.Status == task.StatusAwaitingApproval {
		return
	}
	if _, err := s.coord.Refresh(ctx, child.ParentTaskID); err != nil && !errors.Is(err, coordinator.ErrNotCoordinated) {
		s.logger.Warn("failed to refresh parent task", map[string]interface{}{
			"task_id":   child.ID,
			"parent_id": child.ParentTaskID,
			"error":     err.Error(),
		})
	}
}

// owned loads the requested task and checks it belongs to the tenant.
func (s *Server) owned(ctx context.Context, req Request) (*task.Task, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", catalog.ErrInvalidInput)
	}
	t, _, err := s.engine.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != req.TenantID {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, req.TaskID)
	}
	return t, nil
}

func (s *Server) actor(ctx context.Context, req Request) (catalog.Actor, error) {
	if s.actors == nil {
		return catalog.Actor{ID: req.ActorID, TenantID: req.TenantID, Tier: catalog.TierMember}, nil
	}
	return s.actors.Resolve(ctx, req.TenantID, req.ActorID)
}

func invalid(msg string) Response {
	return Response{Error: msg, Code: CodeInvalid}
}

// failure maps an error to a response code.
func failure(err error) Response {
	code := CodeInternal
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, task.ErrActionNotFound), errors.Is(err, executor.ErrUnknownActor):
		code = CodeNotFound
	case errors.Is(err, executor.ErrNotPending), errors.Is(err, executor.ErrTaskTerminal):
		code = CodeConflict
	case errors.Is(err, catalog.ErrInvalidInput), errors.Is(err, executor.ErrUnknownSpecialist):
		code = CodeInvalid
	}
	return Response{Error: err.Error(), Code: code}
}
