// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" help:"Config file path (default ./taskagent.toml)" type:"path"`
	Debug  bool   `help:"Print tool output as steps complete"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Run        RunCmd        `cmd:"" help:"Plan and execute a goal"`
	Coordinate CoordinateCmd `cmd:"" help:"Split a goal across specialists and run the parts"`
	Approve    ApproveCmd    `cmd:"" help:"Approve a pending action and resume its task"`
	Reject     RejectCmd     `cmd:"" help:"Reject a pending action and re-plan"`
	Cancel     CancelCmd     `cmd:"" help:"Cancel a task and its children"`
	Show       ShowCmd       `cmd:"" help:"Show a task with its actions"`
	List       ListCmd       `cmd:"" help:"List tasks"`
	Serve      ServeCmd      `cmd:"" help:"Answer task requests over NATS"`
	Replay     ReplayCmd     `cmd:"" help:"Replay an audit log for forensic analysis"`
	Validate   ValidateCmd   `cmd:"" help:"Validate config and capability catalog"`
	Version    VersionCmd    `cmd:"" help:"Show version information"`
}

// Identity selects the actor a command acts as.
type Identity struct {
	Tenant string `required:"" env:"TASKAGENT_TENANT" help:"Tenant ID"`
	Actor  string `required:"" env:"TASKAGENT_ACTOR" help:"Actor ID"`
}

// RunCmd executes a goal with one specialist.
type RunCmd struct {
	Identity
	Goal       string `arg:"" help:"Natural-language goal"`
	Specialist string `short:"s" help:"Specialist to run as"`
	JSON       bool   `help:"Print the final task as JSON"`
}

// CoordinateCmd runs a goal through the coordinator.
type CoordinateCmd struct {
	Identity
	Goal string `arg:"" help:"Natural-language goal"`
	JSON bool   `help:"Print the final task as JSON"`
}

// ApproveCmd approves a pending action.
type ApproveCmd struct {
	Action   string `arg:"" help:"Action ID"`
	Approver string `required:"" env:"TASKAGENT_ACTOR" help:"Approver ID"`
	Reason   string `help:"Decision reason"`
}

// RejectCmd rejects a pending action.
type RejectCmd struct {
	Action   string `arg:"" help:"Action ID"`
	Approver string `required:"" env:"TASKAGENT_ACTOR" help:"Approver ID"`
	Reason   string `help:"Decision reason"`
}

// CancelCmd cancels a task.
type CancelCmd struct {
	Task string `arg:"" help:"Task ID"`
}

// ShowCmd shows a task.
type ShowCmd struct {
	Task string `arg:"" help:"Task ID"`
	JSON bool   `help:"Print as JSON"`
}

// ListCmd lists tasks.
type ListCmd struct {
	Tenant string `env:"TASKAGENT_TENANT" help:"Only tasks of this tenant"`
	Actor  string `help:"Only tasks of this actor"`
	Parent string `help:"Only children of this task"`
	Status string `help:"Only tasks in this status"`
}

// ServeCmd runs the NATS control surface.
type ServeCmd struct{}

// ReplayCmd replays audit logs.
type ReplayCmd struct {
	Path    string   `arg:"" help:"Audit file, task ID or glob pattern"`
	Verbose int      `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	Follow  bool     `short:"f" help:"Keep printing events as they are written"`
	NoPager bool     `help:"Disable the interactive pager (for piping)"`
	Width   int      `default:"100" help:"Wrap width"`
	Cost    []string `sep:"none" help:"Pricing for replayed usage: *:input,output (per 1M tokens). Repeatable." placeholder:"MODEL:IN,OUT"`
}

// ValidateCmd validates configuration.
type ValidateCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
