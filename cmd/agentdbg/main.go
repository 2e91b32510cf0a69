// agentdbg is a thin CLI front-end over a long-lived debug-session daemon.
// install: go install ./cmd/agentdbg
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/xhd2015/agent-debugger/internal/adapter"
	"github.com/xhd2015/agent-debugger/internal/daemon"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/session"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// daemonMarker is the hidden first argument (argv[1]) this binary re-execs
// itself with to enter daemon mode, the single-binary-multiple-modes
// convention.
const daemonMarker = "__daemon"

const help = `
agentdbg a uniform debugger CLI over DAP backends

Usage: agentdbg <verb> [OPTIONS]

Available verbs:
  start     --script <path> [--language <lang>] [--runtime <path>] [--stop-on-entry]
            [--break/-b file:line[:cond]]... [--args ...]
  attach    (--pid <pid> | --port <port>) [--language <lang>] [--runtime <path>]
            [--break/-b file:line[:cond]]...
  vars      show local variables at the current paused frame
  stack     show the current call stack
  eval      --expr <expression>
  step      [--kind over|into|out]   (default: over)
  continue  resume execution
  break     --file <path> --line <n> [--cond <expr>]
  source    [--file <path>] [--line <n>]
  status    report session state and location
  close     terminate the session and stop the daemon

Options:
  --language <lang>       python|node|go|native
  --python <path>         alias for --runtime when language is python
  --help, -h              show this help message

Exit code 0 on success, 1 on error.
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == daemonMarker {
		runDaemon()
		return
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses argv and issues exactly one command against the daemon,
// auto-spawning it first if necessary.
func run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Println(strings.TrimSpace(help))
		return nil
	}

	verb := args[0]
	cmd, err := parseCommand(verb, args[1:])
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	if err := daemon.EnsureDaemon([]string{self, daemonMarker}); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sockPath, err := daemon.SocketPath()
	if err != nil {
		return err
	}
	result, err := daemon.SendCommand(sockPath, *cmd)
	if err != nil {
		return fmt.Errorf("talk to daemon: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("%s", result.Error)
	}

	printResult(verb, result)
	return nil
}

// parseCommand walks argv by hand rather than reaching for a flag-parsing
// library, matching the teacher's own cmd/dlv-mcp convention.
func parseCommand(verb string, args []string) (*daemon.Command, error) {
	cmd := &daemon.Command{Action: verb}

	n := len(args)
	next := func(i int, flag string) (string, error) {
		if i+1 >= n {
			return "", fmt.Errorf("%s requires an argument", flag)
		}
		return args[i+1], nil
	}

	for i := 0; i < n; i++ {
		arg := args[i]
		switch arg {
		case "--script":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Script = v
			i++
		case "--language":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Language = v
			i++
		case "--runtime", "--python":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Runtime = v
			i++
		case "--cwd":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Cwd = v
			i++
		case "--stop-on-entry":
			cmd.StopOnEntry = true
		case "--break", "-b":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Breakpoints = append(cmd.Breakpoints, v)
			i++
		case "--pid":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			pid, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("--pid: %w", err)
			}
			cmd.PID = pid
			i++
		case "--port":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			port, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("--port: %w", err)
			}
			cmd.Port = port
			i++
		case "--host":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Host = v
			i++
		case "--expr", "--expression":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Expression = v
			i++
		case "--kind":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.StepKind = v
			i++
		case "--file":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.File = v
			i++
		case "--line":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			line, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("--line: %w", err)
			}
			cmd.Line = line
			i++
		case "--cond", "--condition":
			v, err := next(i, arg)
			if err != nil {
				return nil, err
			}
			cmd.Condition = v
			i++
		case "--args":
			cmd.Args = append(cmd.Args, args[i+1:]...)
			i = n
		case "-h", "--help":
			fmt.Println(strings.TrimSpace(help))
			os.Exit(0)
		default:
			return nil, fmt.Errorf("unrecognized flag %q", arg)
		}
	}
	return cmd, nil
}

// printResult formats a reply the way a human (or an agent scraping plain
// text) would expect for each verb; this is the "human-readable formatter"
// the spec treats as a peripheral, kept deliberately dumb.
func printResult(verb string, r daemon.Result) {
	switch verb {
	case "vars":
		for _, v := range r.Variables {
			if v.Type != "" {
				fmt.Printf("%s: %s = %s\n", v.Name, v.Type, v.Value)
			} else {
				fmt.Printf("%s = %s\n", v.Name, v.Value)
			}
		}
	case "stack":
		for _, f := range r.Frames {
			fmt.Printf("#%d %s at %s:%d\n", f.ID, f.Function, f.File, f.Line)
		}
	case "eval":
		if r.EvalType != "" {
			fmt.Printf("%s: %s\n", r.EvalType, r.EvalResult)
		} else {
			fmt.Println(r.EvalResult)
		}
	case "break":
		for _, bp := range r.Breakpoints {
			verified := "unverified"
			if bp.Verified {
				verified = "verified"
			}
			fmt.Printf("%s:%d %s\n", bp.File, bp.Line, verified)
		}
	case "source":
		fmt.Println(r.Source)
	case "status":
		printLocationedState(string(r.State), r.Location)
	case "close":
		fmt.Println("closed")
	default:
		printLocationedState(string(r.State), r.Location)
		if r.Message != "" {
			fmt.Println(r.Message)
		}
		if r.ExitCode != nil {
			fmt.Printf("exit code: %d\n", *r.ExitCode)
		}
	}
}

func printLocationedState(state string, loc *types.Location) {
	if loc != nil {
		fmt.Printf("%s at %s:%d (%s)\n", state, loc.File, loc.Line, loc.Function)
		return
	}
	fmt.Println(state)
}

// runDaemon is the entry point used when this binary is re-exec'd with the
// hidden daemon marker argv. It owns the real session and adapter registry
// and never returns until signaled or a close command fires.
func runDaemon() {
	logFile, logger := openDaemonLogger()
	if logFile != nil {
		defer logFile.Close()
	}

	registry := adapter.NewRegistry(logger)
	sess := session.New(registry, logger)

	sockPath, err := daemon.SocketPath()
	if err != nil {
		logger.Errorf("resolve socket path: %v", err)
		os.Exit(1)
	}
	pidPath, err := daemon.PIDPath()
	if err != nil {
		logger.Errorf("resolve pid path: %v", err)
		os.Exit(1)
	}

	d := daemon.New(sockPath, pidPath, sess, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Run already installs its own SIGTERM/SIGINT handling; this outer
	// notify exists only so an unexpected extra signal still unblocks Run
	// via ctx if the inner handler is mid-cleanup.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		logger.Errorf("daemon exited: %v", err)
		os.Exit(1)
	}
}

func openDaemonLogger() (*os.File, log.Logger) {
	dir, err := daemon.SessionDir()
	if err != nil {
		return nil, log.NewStderrLogger()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, log.NewStderrLogger()
	}
	logPath := dir + "/daemon.log"
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, log.NewStderrLogger()
	}
	return f, log.NewFileLogger(f)
}
