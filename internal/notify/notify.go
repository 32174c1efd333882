// Package notify delivers best-effort approval notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/catalog"
)

// ApprovalRequest tells an actor that an action is waiting for a decision.
type ApprovalRequest struct {
	TaskID      string              `json:"task_id"`
	ActionID    string              `json:"action_id"`
	TenantID    string              `json:"tenant_id"`
	ActorID     string              `json:"actor_id"`
	Goal        string              `json:"goal"`
	StepIndex   int                 `json:"step_index"`
	Tool        string              `json:"tool"`
	Input       map[string]any      `json:"input,omitempty"`
	Rationale   string              `json:"rationale,omitempty"`
	BlastRadius catalog.BlastRadius `json:"blast_radius"`
	RequestedAt time.Time           `json:"requested_at"`
}

// Notifier delivers approval notifications.
type Notifier interface {
	NotifyApproval(ctx context.Context, req ApprovalRequest) error
}

// DefaultTimeout bounds one asynchronous delivery.
const DefaultTimeout = 10 * time.Second

// Async delivers req in the background. Failures and panics are logged and
// never reach the caller.
func Async(n Notifier, req ApprovalRequest) {
	if n == nil {
		return
	}
	logger := logging.New().WithComponent("notify")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notifier panicked", map[string]interface{}{
					"task_id": req.TaskID,
					"panic":   fmt.Sprintf("%v", r),
				})
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := n.NotifyApproval(ctx, req); err != nil {
			logger.Warn("approval notification failed", map[string]interface{}{
				"task_id":   req.TaskID,
				"action_id": req.ActionID,
				"error":     err.Error(),
			})
		}
	}()
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyApproval(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.New().WithComponent("notify")}
}

func (l *LogNotifier) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	l.logger.Info("approval_requested", map[string]interface{}{
		"task_id":      req.TaskID,
		"action_id":    req.ActionID,
		"tenant_id":    req.TenantID,
		"actor_id":     req.ActorID,
		"tool":         req.Tool,
		"blast_radius": string(req.BlastRadius),
	})
	return nil
}

// NATSNotifier publishes notifications as JSON on <prefix>.approvals.<tenant>.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier creates a notifier publishing on conn.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "taskagent"
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Subject returns the subject notifications for a tenant are published on.
func (n *NATSNotifier) Subject(tenantID string) string {
	return n.prefix + ".approvals." + tenantID
}

func (n *NATSNotifier) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.conn.Publish(n.Subject(req.TenantID), data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}
