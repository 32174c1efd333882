package executor

import "sync"

// taskLocks serializes everything that drives one task's state machine.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

// lock blocks until the task is free and returns the unlock function.
func (l *taskLocks) lock(taskID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[taskID]
	if !ok {
		tl = &taskLock{}
		l.locks[taskID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, taskID)
		}
		l.mu.Unlock()
	}
}
