package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/config"
	"github.com/vinayprograms/taskagent/internal/task"
)

func parse(t *testing.T, args ...string) *CLI {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &cli
}

func TestRunCmd_Flags(t *testing.T) {
	cli := parse(t, "run", "--tenant", "acme", "--actor", "u-7", "-s", "payroll", "show my payslip")

	if cli.Run.Goal != "show my payslip" {
		t.Errorf("expected goal, got %q", cli.Run.Goal)
	}
	if cli.Run.Tenant != "acme" || cli.Run.Actor != "u-7" {
		t.Errorf("unexpected identity %+v", cli.Run.Identity)
	}
	if cli.Run.Specialist != "payroll" {
		t.Errorf("expected specialist payroll, got %q", cli.Run.Specialist)
	}
}

func TestRunCmd_IdentityFromEnv(t *testing.T) {
	t.Setenv("TASKAGENT_TENANT", "globex")
	t.Setenv("TASKAGENT_ACTOR", "u-9")

	cli := parse(t, "run", "list open reviews")
	if cli.Run.Tenant != "globex" || cli.Run.Actor != "u-9" {
		t.Errorf("expected identity from env, got %+v", cli.Run.Identity)
	}
}

func TestRunCmd_RequiresIdentity(t *testing.T) {
	t.Setenv("TASKAGENT_TENANT", "")
	t.Setenv("TASKAGENT_ACTOR", "")
	os.Unsetenv("TASKAGENT_TENANT")
	os.Unsetenv("TASKAGENT_ACTOR")

	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"run", "goal"}); err == nil {
		t.Error("expected error without tenant and actor")
	}
}

func TestApproveCmd_Flags(t *testing.T) {
	cli := parse(t, "approve", "--approver", "u-1", "--reason", "checked", "act-1")

	if cli.Approve.Action != "act-1" || cli.Approve.Approver != "u-1" || cli.Approve.Reason != "checked" {
		t.Errorf("unexpected approve command %+v", cli.Approve)
	}
}

func TestReplayCmd_Flags(t *testing.T) {
	cli := parse(t, "replay", "-vv", "-f", "--cost", "*:3,15", "task-1")

	if cli.Replay.Path != "task-1" {
		t.Errorf("expected path task-1, got %q", cli.Replay.Path)
	}
	if cli.Replay.Verbose != 2 {
		t.Errorf("expected verbose=2, got %d", cli.Replay.Verbose)
	}
	if !cli.Replay.Follow {
		t.Error("expected follow")
	}
	if cli.Replay.Width != 100 {
		t.Errorf("expected default width 100, got %d", cli.Replay.Width)
	}
	if len(cli.Replay.Cost) != 1 || cli.Replay.Cost[0] != "*:3,15" {
		t.Errorf("unexpected cost %v", cli.Replay.Cost)
	}
}

func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if isTerminal(f) {
		t.Error("expected temp file to not be a terminal")
	}
}

func TestGlobals_Config(t *testing.T) {
	cli := parse(t, "-c", "/etc/taskagent.toml", "validate")
	if cli.Config != "/etc/taskagent.toml" {
		t.Errorf("expected config path, got %q", cli.Config)
	}
}

func TestParseRetryConfig(t *testing.T) {
	cfg := parseRetryConfig(3, "30s")
	if cfg.MaxRetries != 3 || cfg.MaxBackoff != 30*time.Second {
		t.Errorf("unexpected retry config %+v", cfg)
	}
	cfg = parseRetryConfig(0, "soon")
	if cfg.MaxBackoff != 0 {
		t.Errorf("expected invalid backoff to be ignored, got %v", cfg.MaxBackoff)
	}
}

func TestAPIKey_EnvFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("HR_LLM_KEY", "custom")

	if got := apiKey(config.LLMConfig{}, "anthropic", nil); got != "from-env" {
		t.Errorf("expected default env key, got %q", got)
	}
	if got := apiKey(config.LLMConfig{APIKeyEnv: "HR_LLM_KEY"}, "anthropic", nil); got != "custom" {
		t.Errorf("expected api_key_env key, got %q", got)
	}
	if got := apiKey(config.LLMConfig{}, "ollama", nil); got != "" {
		t.Errorf("expected no key for local provider, got %q", got)
	}
}

func TestResolveAuditPath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "t-1.jsonl")
	if err := os.WriteFile(existing, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		arg  string
		want string
	}{
		{existing, existing},
		{"t-2", filepath.Join("/audit", "t-2.jsonl")},
		{"logs/*.jsonl", "logs/*.jsonl"},
		{"missing.jsonl", "missing.jsonl"},
	}
	for _, tt := range tests {
		if got := resolveAuditPath(tt.arg, "/audit"); got != tt.want {
			t.Errorf("resolveAuditPath(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestPrintProgress(t *testing.T) {
	var buf bytes.Buffer
	printProgress(&buf, &task.Task{TotalSteps: 3}, &task.Action{StepIndex: 1, Tool: "get_payslip", Status: task.ActionFailed, Error: "timeout"}, false)

	if got := buf.String(); got != "[2/3] get_payslip failed: timeout\n" {
		t.Errorf("unexpected progress line %q", got)
	}

	buf.Reset()
	printProgress(&buf, &task.Task{TotalSteps: 1}, &task.Action{Tool: "get_payslip", Status: task.ActionCompleted, Output: []byte(`{"net":100}`)}, true)
	if !strings.Contains(buf.String(), `{"net":100}`) {
		t.Errorf("expected output in debug progress, got %q", buf.String())
	}
}

func TestPrintTaskEnd(t *testing.T) {
	var buf bytes.Buffer
	printTaskEnd(&buf)(&task.Task{ID: "t-1", Status: task.StatusAwaitingApproval, TenantID: "acme", ActorID: "u-1", Goal: "raise\nsalary"})

	if got := buf.String(); got != "t-1 awaiting_approval acme/u-1  raise salary\n" {
		t.Errorf("unexpected task end line %q", got)
	}
}

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now()
	printTasks(&buf, []*task.Task{
		{ID: "t-2", TenantID: "acme", ActorID: "u-1", Goal: "second", Status: task.StatusCompleted, CreatedAt: now},
		{ID: "t-1", TenantID: "acme", ActorID: "u-1", Goal: "first\ngoal", Status: task.StatusAwaitingApproval, Specialist: "payroll", CreatedAt: now.Add(-time.Minute)},
	})
	out := buf.String()
	if strings.Index(out, "t-1") > strings.Index(out, "t-2") {
		t.Errorf("expected oldest task first:\n%s", out)
	}
	if !strings.Contains(out, "first goal") || !strings.Contains(out, "payroll") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	buf.Reset()
	printTasks(&buf, nil)
	if buf.String() != "no tasks\n" {
		t.Errorf("unexpected empty listing %q", buf.String())
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a  b\nc", 10); got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := oneLine(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("got %q", got)
	}
	if got := oneLine(strings.Repeat("ñ", 5), 6); got != "ñ..." {
		t.Errorf("expected cut on a rune boundary, got %q", got)
	}
}

const testCatalog = `
capabilities:
  - name: get_payslip
    description: Fetch a payslip
    blast_radius: read
  - name: update_salary
    description: Change a salary
    blast_radius: write_high
    min_tier: manager
`

func writeValidateFixture(t *testing.T, specialistTools string) string {
	t.Helper()
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte(testCatalog), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "taskagent.toml")
	cfg := `
[storage]
driver = "memory"
path = "` + dir + `"

[catalog]
path = "` + catPath + `"

[specialists.payroll]
tools = [` + specialistTools + `]
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestValidateCmd(t *testing.T) {
	path := writeValidateFixture(t, `"get_payslip", "update_salary"`)
	if err := (&ValidateCmd{}).Run(&Globals{Config: path}); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	path = writeValidateFixture(t, `"delete_employee"`)
	err := (&ValidateCmd{}).Run(&Globals{Config: path})
	if err == nil || !strings.Contains(err.Error(), "delete_employee") {
		t.Errorf("expected unknown capability error, got %v", err)
	}
}

func TestListCmd(t *testing.T) {
	path := writeValidateFixture(t, "")
	if err := (&ListCmd{Tenant: "acme"}).Run(&Globals{Config: path}); err != nil {
		t.Errorf("list failed: %v", err)
	}
	if err := (&ListCmd{Status: "paused"}).Run(&Globals{Config: path}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestShowCmd_NotFound(t *testing.T) {
	path := writeValidateFixture(t, "")
	err := (&ShowCmd{Task: "t-404"}).Run(&Globals{Config: path})
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected task not found, got %v", err)
	}
}

func TestWatchCatalog_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *catalog.Catalog, 4)
	stop, err := watchCatalog(ctx, path, func(c *catalog.Catalog) { reloaded <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// Broken content keeps the previous catalog.
	if err := os.WriteFile(path, []byte("capabilities: [{name: x, blast_radius: nuclear}]"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * catalogDebounce)
	select {
	case <-reloaded:
		t.Fatal("expected invalid catalog to be ignored")
	default:
	}

	updated := testCatalog + `
  - name: list_goals
    description: List goals
    blast_radius: read
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-reloaded:
		if c.Len() != 3 {
			t.Errorf("expected 3 capabilities after reload, got %d", c.Len())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
}
