// Audit event recording for the executor.
package executor

import (
	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/task"
)

// record sends an event about the running task to the audit log.
func (e *Engine) record(r *run, ev audit.Event) {
	e.recordTask(r.task, ev)
}

// recordTask fills in task identity and sends the event. The audit log never
// blocks the state machine.
func (e *Engine) recordTask(t *task.Task, ev audit.Event) {
	if e.audit == nil || t == nil {
		return
	}
	ev.TaskID = t.ID
	ev.ParentTaskID = t.ParentTaskID
	ev.TenantID = t.TenantID
	ev.ActorID = t.ActorID
	ev.Specialist = t.Specialist
	e.audit.Record(ev)
}
