// Package audit writes the forensic event stream of task execution.
//
// Each task gets one JSONL file: a header line followed by one line per event.
// Recording never blocks the caller; a full buffer drops events with a warning.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Event types
const (
	EventTaskStart         = "task_start"
	EventPlan              = "plan"
	EventStepStart         = "step_start"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventApprovalRequested = "approval_requested"
	EventApprovalDecision  = "approval_decision"
	EventRecovery          = "recovery"
	EventObservation       = "observation"
	EventReplan            = "replan"
	EventBudgetExceeded    = "budget_exceeded"
	EventDelegation        = "delegation"
	EventTaskEnd           = "task_end"

	EventDecompose    = "decompose"
	EventSubTaskStart = "subtask_start"
	EventSubTaskEnd   = "subtask_end"
	EventSynthesis    = "synthesis"
)

// Event is a single entry in a task's audit log.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	ActorID      string `json:"actor_id,omitempty"`
	Specialist   string `json:"specialist,omitempty"`

	Step     *int           `json:"step,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`

	Content    string `json:"content,omitempty"`
	Status     string `json:"status,omitempty"`
	Decision   string `json:"decision,omitempty"` // verdict, strategy, approve/reject
	Reason     string `json:"reason,omitempty"`
	Approver   string `json:"approver,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
}

// StepIndex returns a pointer for Event.Step.
func StepIndex(i int) *int {
	return &i
}

// Bool returns a pointer for Event.Success.
func Bool(b bool) *bool {
	return &b
}

// Recorder receives audit events.
type Recorder interface {
	Record(e Event)
}

// JSONL record types
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
)

// Record is one JSONL line.
type Record struct {
	RecordType string    `json:"_type"`
	TaskID     string    `json:"id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	*Event     `json:",omitempty"`
}

// Log is a Recorder that appends to per-task JSONL files in a directory.
type Log struct {
	dir    string
	events chan Event
	seq    uint64
	logger *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// DefaultBuffer is the number of events held before Record starts dropping.
const DefaultBuffer = 1024

// Open starts a log writing into dir.
func Open(dir string, buffer int) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	l := &Log{
		dir:    dir,
		events: make(chan Event, buffer),
		logger: logging.New().WithComponent("audit"),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record queues an event. It never blocks.
func (l *Log) Record(e Event) {
	if l == nil {
		return
	}
	e.Seq = atomic.AddUint64(&l.seq, 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	defer func() {
		// Record after Close is dropped.
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()
	select {
	case l.events <- e:
	default:
		if l.dropped.Add(1) == 1 {
			l.logger.Warn("audit buffer full, dropping events", map[string]interface{}{"task_id": e.TaskID})
		}
	}
}

// Dropped returns the number of events that were not written.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.events)
		<-l.done
	})
	return nil
}

// Path returns the file a task's events are written to.
func (l *Log) Path(taskID string) string {
	return filepath.Join(l.dir, taskID+".jsonl")
}

func (l *Log) run() {
	defer close(l.done)
	for e := range l.events {
		if err := l.write(e); err != nil {
			l.logger.Warn("audit write failed", map[string]interface{}{
				"task_id": e.TaskID,
				"error":   err.Error(),
			})
		}
	}
}

func (l *Log) write(e Event) error {
	path := l.Path(e.TaskID)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if fresh {
		if err := writeLine(f, Record{RecordType: RecordTypeHeader, TaskID: e.TaskID, CreatedAt: e.Timestamp}); err != nil {
			return err
		}
	}
	ev := e
	return writeLine(f, Record{RecordType: RecordTypeEvent, Event: &ev})
}

func writeLine(w io.Writer, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads the events of one audit file, in file order.
func Load(path string) (taskID string, events []Event, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	// bufio.Reader has no line length limit.
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return "", nil, fmt.Errorf("error reading audit log: %w", readErr)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var record Record
			if err := json.Unmarshal(line, &record); err != nil {
				return "", nil, fmt.Errorf("failed to parse audit line: %w", err)
			}
			switch record.RecordType {
			case RecordTypeHeader:
				taskID = record.TaskID
			case RecordTypeEvent:
				if record.Event != nil {
					events = append(events, *record.Event)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	return taskID, events, nil
}
