// Package daemon implements the local-socket command protocol and the
// long-lived process that serves it: one newline-delimited JSON command
// per connection, dispatched onto the session verb surface.
package daemon

import (
	"fmt"

	"github.com/xhd2015/agent-debugger/internal/types"
)

// Command is the CLI-to-daemon wire envelope: a discriminated union on
// Action. Every other field is optional and only meaningful for the verbs
// that use it.
type Command struct {
	Action string `json:"action"`

	// start
	Script      string   `json:"script,omitempty"`
	Language    string   `json:"language,omitempty"`
	Runtime     string   `json:"runtime,omitempty"`
	Args        []string `json:"args,omitempty"`
	Cwd         string   `json:"cwd,omitempty"`
	StopOnEntry bool     `json:"stopOnEntry,omitempty"`
	Breakpoints []string `json:"breakpoints,omitempty"`

	// attach
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	PID  int    `json:"pid,omitempty"`

	// eval
	Expression string `json:"expression,omitempty"`

	// step
	StepKind string `json:"stepKind,omitempty"`

	// break, source
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// Result is the daemon-to-CLI wire envelope. Which payload fields are
// populated depends on the verb that ran: flow verbs (start, attach, step,
// continue) fill State, Location, ExitCode and Message together, eval fills
// EvalResult and EvalType, status fills State and Location.
type Result struct {
	Error string `json:"error,omitempty"`

	Status string      `json:"status,omitempty"`
	State  types.State `json:"state,omitempty"`

	Location    *types.Location    `json:"location,omitempty"`
	Breakpoints []types.Breakpoint `json:"breakpoints,omitempty"`
	Variables   []types.Variable   `json:"variables,omitempty"`
	Frames      []types.Frame      `json:"frames,omitempty"`

	EvalResult string `json:"evalResult,omitempty"`
	EvalType   string `json:"evalType,omitempty"`

	ExitCode *int   `json:"exitCode,omitempty"`
	Source   string `json:"source,omitempty"`
	Message  string `json:"message,omitempty"`
}

func errorResult(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// validateCommand performs the schema check the daemon runs before
// dispatch: does Action name a known verb, and are that verb's required
// fields present. Unknown verbs and missing required fields are reported
// the same way — as an "Invalid command" error — without touching session
// state.
func validateCommand(cmd *Command) error {
	switch cmd.Action {
	case "start":
		if cmd.Script == "" {
			return fmt.Errorf("start requires script")
		}
	case "attach":
		if (cmd.Port == 0) == (cmd.PID == 0) {
			return fmt.Errorf("attach requires exactly one of port or pid")
		}
	case "vars", "stack", "continue", "status", "close":
		// no required fields
	case "eval":
		if cmd.Expression == "" {
			return fmt.Errorf("eval requires expression")
		}
	case "step":
		// stepKind defaults to "over" when empty
	case "break":
		if cmd.File == "" || cmd.Line <= 0 {
			return fmt.Errorf("break requires file and a positive line")
		}
	case "source":
		// file/line optional: falls back to the current paused location
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	return nil
}
