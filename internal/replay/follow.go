package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/taskagent/internal/audit"
)

// Follow prints the events of an audit file as they are appended. It
// returns once a task_end event is seen or ctx is done.
func (r *Replayer) Follow(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch file: %w", err)
	}

	printed := 0
	headerDone := false
	render := func() (bool, error) {
		taskID, events, err := audit.Load(path)
		if err != nil {
			return false, err
		}
		if !headerDone {
			r.printHeader(taskID, events)
			headerDone = true
		}
		ended := false
		for i := printed; i < len(events); i++ {
			r.formatEvent(i+1, &events[i])
			if events[i].Type == audit.EventTaskEnd {
				ended = true
			}
		}
		printed = len(events)
		if ended {
			r.printSummary(events)
		}
		return ended, nil
	}

	if ended, err := render(); err != nil || ended {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: wait a bit for writes to settle
			time.Sleep(100 * time.Millisecond)
			ended, err := render()
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if ended {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}
