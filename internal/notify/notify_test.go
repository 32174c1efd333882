package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type chanNotifier struct {
	got chan ApprovalRequest
	err error
}

func (c *chanNotifier) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	c.got <- req
	return c.err
}

type panicNotifier struct{ done chan struct{} }

func (p *panicNotifier) NotifyApproval(ctx context.Context, req ApprovalRequest) error {
	close(p.done)
	panic("smtp exploded")
}

func TestAsync_Delivers(t *testing.T) {
	n := &chanNotifier{got: make(chan ApprovalRequest, 1)}
	Async(n, ApprovalRequest{TaskID: "t1", ActionID: "a1", Tool: "delete_goal"})

	select {
	case req := <-n.got:
		if req.ActionID != "a1" {
			t.Errorf("got %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestAsync_FailuresAreContained(t *testing.T) {
	failing := &chanNotifier{got: make(chan ApprovalRequest, 1), err: errors.New("smtp down")}
	Async(failing, ApprovalRequest{TaskID: "t1"})
	<-failing.got

	p := &panicNotifier{done: make(chan struct{})}
	Async(p, ApprovalRequest{TaskID: "t2"})
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking notifier never ran")
	}
	// Give the goroutine a moment to recover; a crash would fail the test binary.
	time.Sleep(10 * time.Millisecond)

	Async(nil, ApprovalRequest{})
}

func TestMulti(t *testing.T) {
	a := &chanNotifier{got: make(chan ApprovalRequest, 1)}
	b := &chanNotifier{got: make(chan ApprovalRequest, 1), err: errors.New("b failed")}
	err := Multi{a, b, NewLogNotifier()}.NotifyApproval(context.Background(), ApprovalRequest{TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "b failed") {
		t.Errorf("Multi error = %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Error("every notifier should be called")
	}
}

func TestNATSNotifier_Subject(t *testing.T) {
	n := NewNATSNotifier(nil, "")
	if got := n.Subject("acme"); got != "taskagent.approvals.acme" {
		t.Errorf("Subject() = %q", got)
	}
}
