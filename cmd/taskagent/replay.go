// Package main implements the replay command.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/replay"
)

func (c *ReplayCmd) Run(g *Globals) error {
	rt, err := loadRuntime(g)
	if err != nil {
		return err
	}

	// --cost overrides the configured pricing.
	var pricing budget.Pricing
	if len(c.Cost) > 0 {
		pricing, err = budget.ParsePricing(c.Cost)
		if err != nil {
			return fmt.Errorf("invalid --cost: %w", err)
		}
	} else if pricing, err = rt.cfg.Pricing(); err != nil {
		return err
	}
	r := replay.New(os.Stdout, c.Verbose, replay.WithWidth(c.Width), replay.WithPricing(pricing))

	path := resolveAuditPath(c.Path, rt.auditDir())
	if c.Follow && isGlob(path) {
		return fmt.Errorf("--follow needs a single audit file, got pattern %s", path)
	}
	// Use the interactive pager when stdout is a TTY and it is not disabled.
	if !c.NoPager && isTerminal(os.Stdout) {
		return r.Page(path, c.Follow)
	}
	if c.Follow {
		ctx, cancel := signalContext()
		defer cancel()
		return r.Follow(ctx, path)
	}
	if isGlob(path) {
		return r.ReplayFiles(path)
	}
	return r.ReplayFile(path)
}

// resolveAuditPath accepts a file path, a glob pattern or a bare task ID
// looked up in the audit directory.
func resolveAuditPath(arg, auditDir string) string {
	if isGlob(arg) {
		return arg
	}
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	if !strings.ContainsRune(arg, filepath.Separator) && !strings.HasSuffix(arg, ".jsonl") {
		return filepath.Join(auditDir, arg+".jsonl")
	}
	return arg
}

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
