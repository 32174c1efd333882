// Package main implements the task commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/config"
	"github.com/vinayprograms/taskagent/internal/coordinator"
	"github.com/vinayprograms/taskagent/internal/replay"
	"github.com/vinayprograms/taskagent/internal/task"
)

func (c *RunCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	actor, err := rt.actor(c.Identity)
	if err != nil {
		return err
	}
	if !c.JSON {
		rt.engine.OnStepComplete = func(t *task.Task, a *task.Action) {
			printProgress(os.Stderr, t, a, g.Debug)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var t *task.Task
	if c.Specialist == coordinator.Specialist {
		t, err = rt.coord.Run(ctx, actor, c.Goal)
	} else {
		t, err = rt.engine.Start(ctx, actor, c.Goal, c.Specialist)
	}
	if err != nil {
		return err
	}
	return rt.render(ctx, os.Stdout, t, c.JSON)
}

func (c *CoordinateCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	actor, err := rt.actor(c.Identity)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	t, err := rt.coord.Run(ctx, actor, c.Goal)
	if err != nil {
		return err
	}
	return rt.render(ctx, os.Stdout, t, c.JSON)
}

func (c *ApproveCmd) Run(g *Globals) error {
	return decide(g, c.Action, c.Approver, c.Reason, true)
}

func (c *RejectCmd) Run(g *Globals) error {
	return decide(g, c.Action, c.Approver, c.Reason, false)
}

// decide records an approval decision, resumes the task and lets a waiting
// coordinator parent conclude.
func decide(g *Globals, actionID, approver, reason string, approve bool) error {
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

	var t *task.Task
	if approve {
		t, err = rt.engine.Approve(ctx, actionID, approver, reason)
	} else {
		t, err = rt.engine.Reject(ctx, actionID, approver, reason)
	}
	if err != nil {
		return err
	}
	if t.ParentTaskID != "" && t.Status != task.StatusAwaitingApproval {
		parent, err := rt.coord.Refresh(ctx, t.ParentTaskID)
		switch {
		case errors.Is(err, coordinator.ErrNotCoordinated):
		case err != nil:
			fmt.Fprintf(os.Stderr, "warning: refreshing parent %s: %v\n", t.ParentTaskID, err)
		case parent != nil:
			fmt.Fprintf(os.Stderr, "parent %s is %s\n", parent.ID, parent.Status)
		}
	}
	return rt.render(ctx, os.Stdout, t, false)
}

func (c *CancelCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	t, err := rt.engine.Cancel(context.Background(), c.Task)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", t.ID, t.Status)
	return nil
}

func (c *ShowCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setupStore(); err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	t, err := rt.store.GetTask(ctx, c.Task)
	if err != nil {
		return err
	}
	return rt.render(ctx, os.Stdout, t, c.JSON)
}

func (c *ListCmd) Run(g *Globals) error {
	status := task.Status(c.Status)
	if status != "" && !validStatus(status) {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}
	if err := rt.setupStore(); err != nil {
		return err
	}
	defer rt.close()

	tasks, err := rt.store.ListTasks(context.Background(), task.Filter{
		TenantID:     c.Tenant,
		ActorID:      c.Actor,
		ParentTaskID: c.Parent,
		Status:       status,
	})
	if err != nil {
		return err
	}
	printTasks(os.Stdout, tasks)
	return nil
}

func (c *ValidateCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog %s: %w", cfg.Catalog.Path, err)
	}
	for _, s := range cfg.SpecialistList() {
		for _, tool := range s.Tools {
			if _, ok := cat.Lookup(tool); !ok {
				return fmt.Errorf("specialist %s: unknown capability %s", s.Name, tool)
			}
		}
	}
	printValidation(os.Stdout, cfg, cat)
	return nil
}

// render prints a task with its actions, or the task as JSON.
func (rt *runtime) render(ctx context.Context, w io.Writer, t *task.Task, asJSON bool) error {
	actions, err := rt.store.ListActions(ctx, t.ID)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Task    *task.Task     `json:"task"`
			Actions []*task.Action `json:"actions,omitempty"`
		}{t, actions})
	}
	replay.RenderTask(w, t, actions, replay.DefaultWidth)
	return nil
}

func printProgress(w io.Writer, t *task.Task, a *task.Action, debug bool) {
	line := fmt.Sprintf("[%d/%d] %s %s", a.StepIndex+1, t.TotalSteps, a.Tool, a.Status)
	if a.Error != "" {
		line += ": " + a.Error
	}
	fmt.Fprintln(w, line)
	if debug && len(a.Output) > 0 {
		fmt.Fprintf(w, "      %s\n", a.Output)
	}
}

func printTasks(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	for _, t := range tasks {
		fmt.Fprintf(w, "%s  %-18s %-10s %s/%s  %s\n",
			t.ID, t.Status, specialistLabel(t), t.TenantID, t.ActorID, oneLine(t.Goal, 60))
	}
}

func printValidation(w io.Writer, cfg *config.Config, cat *catalog.Catalog) {
	fmt.Fprintf(w, "✓ config valid\n")
	fmt.Fprintf(w, "✓ catalog %s: %d capabilities\n", cfg.Catalog.Path, cat.Len())
	for _, name := range cat.Names() {
		c, _ := cat.Lookup(name)
		approval := ""
		if c.RequiresApproval {
			approval = " (approval)"
		}
		fmt.Fprintf(w, "  %-28s %s min=%s%s\n", name, c.BlastRadius, c.MinTier, approval)
	}
	specialists := cfg.SpecialistList()
	if len(specialists) == 0 {
		return
	}
	fmt.Fprintf(w, "✓ %d specialists\n", len(specialists))
	for _, s := range specialists {
		tools := "all capabilities"
		if len(s.Tools) > 0 {
			tools = strings.Join(s.Tools, ", ")
		}
		fmt.Fprintf(w, "  %-16s %s\n", s.Name, tools)
	}
}

func validStatus(s task.Status) bool {
	switch s {
	case task.StatusPlanning, task.StatusExecuting, task.StatusAwaitingApproval,
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return true
	}
	return false
}

func specialistLabel(t *task.Task) string {
	if t.Specialist == "" {
		return "-"
	}
	return t.Specialist
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
