// Package main implements the serve command.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/control"
	"github.com/vinayprograms/taskagent/internal/executor"
	"github.com/vinayprograms/taskagent/internal/task"
)

// catalogDebounce coalesces the burst of events an editor save produces.
const catalogDebounce = 100 * time.Millisecond

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *ServeCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	nc, err := nats.Connect(rt.cfg.Control.NATSURL, nats.Name("taskagent-control"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Drain()

	var actors executor.ActorResolver
	if len(rt.cfg.Actors) > 0 {
		actors = rt.cfg.StaticActors()
	}
	rt.engine.OnTaskEnd = printTaskEnd(os.Stderr)
	srv := control.New(control.Config{
		Engine:        rt.engine,
		Coordinator:   rt.coord,
		Actors:        actors,
		Prefix:        rt.cfg.Control.Prefix,
		MaxConcurrent: rt.cfg.Control.MaxConcurrent,
	})
	if err := srv.Listen(nc); err != nil {
		return err
	}
	defer srv.Close()

	if rt.cfg.Catalog.Watch {
		stop, err := watchCatalog(ctx, rt.cfg.Catalog.Path, rt.engine.SetCatalog)
		if err != nil {
			return err
		}
		defer stop()
	}

	fmt.Fprintf(os.Stderr, "serving %s.task.* on %s\n", rt.cfg.Control.Prefix, nc.ConnectedUrl())
	<-ctx.Done()
	return nil
}

// watchCatalog reloads the catalog file whenever it changes and hands the
// new catalog to apply. A file that fails to load keeps the previous catalog.
func watchCatalog(ctx context.Context, path string, apply func(*catalog.Catalog)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating catalog watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	logger := logging.New().WithComponent("catalog")
	done := make(chan struct{})
	go func() {
		defer close(done)
		var debounce *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(catalogDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				cat, err := catalog.LoadFile(abs)
				if err != nil {
					logger.Warn("catalog reload failed", map[string]interface{}{"path": abs, "error": err.Error()})
					continue
				}
				apply(cat)
				logger.Info("catalog reloaded", map[string]interface{}{"path": abs, "capabilities": cat.Len()})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("catalog watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	return func() {
		watcher.Close()
		<-done
	}, nil
}

// printTaskEnd reports each task that finishes or pauses.
func printTaskEnd(w io.Writer) func(t *task.Task) {
	return func(t *task.Task) {
		fmt.Fprintf(w, "%s %s %s/%s  %s\n", t.ID, t.Status, t.TenantID, t.ActorID, oneLine(t.Goal, 60))
	}
}
