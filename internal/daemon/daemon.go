package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/session"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// shutdownEscapeTimer bounds how long cleanup may take on signal or
// uncaught error before the process force-exits anyway.
const shutdownEscapeTimer = 5 * time.Second

// staleDialTimeout is how long the daemon waits while probing whether a
// pre-existing socket file is actually being served, before concluding it
// is stale and safe to remove.
const staleDialTimeout = 200 * time.Millisecond

// sessionAPI is the verb surface the daemon dispatches onto — the subset
// of *session.Session's methods it actually calls, kept as an interface so
// tests can substitute a fake without spawning real adapter processes.
type sessionAPI interface {
	Start(ctx context.Context, opts types.LaunchOptions) (types.FlowResult, error)
	Attach(ctx context.Context, opts types.AttachOptions) (types.FlowResult, error)
	Vars(ctx context.Context) ([]types.Variable, error)
	Stack(ctx context.Context) ([]types.Frame, error)
	Eval(ctx context.Context, expression string) (string, string, error)
	Step(ctx context.Context, kind string) (types.FlowResult, error)
	Continue(ctx context.Context) (types.FlowResult, error)
	Break(ctx context.Context, file string, line int, condition string) ([]types.Breakpoint, error)
	Source(ctx context.Context, file string, line int) (string, error)
	Status(ctx context.Context) (types.State, *types.Location, error)
	Close(ctx context.Context) error
}

var _ sessionAPI = (*session.Session)(nil)

// Daemon owns the Unix-domain socket and dispatches one command at a time
// onto the session. Per spec, the daemon serves commands sequentially: a
// second connection arriving mid-verb simply queues behind it at accept.
type Daemon struct {
	sockPath string
	pidPath  string
	logger   log.Logger
	session  sessionAPI

	listener net.Listener

	closeOnce sync.Once
	closeReq  chan struct{} // closed once a `close` command has replied
}

func New(sockPath, pidPath string, sess sessionAPI, logger log.Logger) *Daemon {
	return &Daemon{
		sockPath: sockPath,
		pidPath:  pidPath,
		session:  sess,
		logger:   logger,
		closeReq: make(chan struct{}),
	}
}

// Run implements the daemon lifecycle from spec §4.3: ensure the session
// directory, reap a stale socket, bind, write the PID file, serve
// connections until signaled or a `close` command fires self-termination.
func (d *Daemon) Run(ctx context.Context) error {
	dir := filepath.Dir(d.sockPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("daemon: create session dir: %w", err)
	}

	if conn, err := net.DialTimeout("unix", d.sockPath, staleDialTimeout); err == nil {
		conn.Close()
		return fmt.Errorf("daemon: another daemon is already listening on %s", d.sockPath)
	}
	os.Remove(d.sockPath)

	ln, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	d.listener = ln
	defer d.cleanup()

	if err := os.Chmod(d.sockPath, 0600); err != nil {
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	if err := writePIDFile(d.pidPath, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- d.acceptLoop(ctx)
	}()

	d.logger.Infof("daemon listening on %s", d.sockPath)

	select {
	case <-ctx.Done():
		d.forceExitAfterEscapeTimer()
		_ = ln.Close()
		return nil
	case sig := <-sigCh:
		d.logger.Infof("daemon received signal %v, shutting down", sig)
		d.forceExitAfterEscapeTimer()
		_ = ln.Close()
		return nil
	case <-d.closeReq:
		_ = ln.Close()
		return nil
	case err := <-acceptErr:
		return err
	}
}

// forceExitAfterEscapeTimer guarantees the process exits within
// shutdownEscapeTimer even if session.Close hangs on an unresponsive
// adapter.
func (d *Daemon) forceExitAfterEscapeTimer() {
	go func() {
		time.Sleep(shutdownEscapeTimer)
		d.logger.Warnf("daemon cleanup exceeded %s, forcing exit", shutdownEscapeTimer)
		os.Exit(1)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownEscapeTimer)
	defer cancel()
	_ = d.session.Close(ctx)
}

func (d *Daemon) cleanup() {
	_ = os.Remove(d.sockPath)
	_ = os.Remove(d.pidPath)
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isClosedErr(err) {
				return nil
			}
			d.logger.Warnf("daemon accept error: %v", err)
			continue
		}
		if perr := d.safeHandleConn(ctx, conn); perr != nil {
			// An uncaught panic counts as the "uncaught exception" case from
			// spec §4.3: the whole daemon shuts down rather than just this
			// connection, but Run's deferred cleanup still removes the
			// socket and PID file instead of leaving them behind.
			return perr
		}
	}
}

// safeHandleConn runs handleConn and converts a panic into an error so a
// single malformed command can't crash the process without cleanup.
func (d *Daemon) safeHandleConn(ctx context.Context, conn net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("daemon: recovered panic handling connection: %v", r)
			err = fmt.Errorf("daemon: panic handling connection: %v", r)
		}
	}()
	d.handleConn(ctx, conn)
	return nil
}

func isClosedErr(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection"))
}

// handleConn serves exactly one command-reply pair, matching spec §4.3's
// "one command per connection" protocol. Commands run sequentially: the
// daemon never starts a second connection's verb before this one returns.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqID := uuid.NewString()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		return
	}

	var cmd Command
	if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
		d.logger.Warnf("[%s] invalid command json: %v", reqID, err)
		writeResult(conn, errorResult("Invalid JSON"))
		return
	}
	if err := validateCommand(&cmd); err != nil {
		d.logger.Warnf("[%s] invalid command %q: %v", reqID, cmd.Action, err)
		writeResult(conn, errorResult("Invalid command: %v", err))
		return
	}

	d.logger.Debugf("[%s] dispatching %q", reqID, cmd.Action)
	result := d.dispatch(ctx, cmd)
	if result.Error != "" {
		d.logger.Warnf("[%s] %q failed: %s", reqID, cmd.Action, result.Error)
	}
	writeResult(conn, result)

	if cmd.Action == "close" {
		d.closeOnce.Do(func() { close(d.closeReq) })
	}
}

func writeResult(conn net.Conn, result Result) {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(`{"error":"failed to marshal result"}`)
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// dispatch maps exactly one verb to a session call. Every branch returns a
// Result rather than an error, since an application-level failure (a
// rejected verb, a handshake timeout) is a normal reply, not a transport
// fault.
func (d *Daemon) dispatch(ctx context.Context, cmd Command) Result {
	switch cmd.Action {
	case "start":
		opts := types.LaunchOptions{
			Script:      cmd.Script,
			Language:    types.Language(cmd.Language),
			Runtime:     cmd.Runtime,
			Args:        cmd.Args,
			Cwd:         cmd.Cwd,
			StopOnEntry: cmd.StopOnEntry,
			Breakpoints: parseBreakpointStrings(cmd.Breakpoints),
		}
		result, err := d.session.Start(ctx, opts)
		return flowResultReply(result, err)

	case "attach":
		opts := types.AttachOptions{
			Host:        cmd.Host,
			Port:        cmd.Port,
			PID:         cmd.PID,
			Language:    types.Language(cmd.Language),
			Runtime:     cmd.Runtime,
			Breakpoints: parseBreakpointStrings(cmd.Breakpoints),
		}
		result, err := d.session.Attach(ctx, opts)
		return flowResultReply(result, err)

	case "vars":
		vars, err := d.session.Vars(ctx)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{Variables: vars}

	case "stack":
		frames, err := d.session.Stack(ctx)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{Frames: frames}

	case "eval":
		value, typ, err := d.session.Eval(ctx, cmd.Expression)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{EvalResult: value, EvalType: typ}

	case "step":
		kind := cmd.StepKind
		if kind == "" {
			kind = "over"
		}
		result, err := d.session.Step(ctx, kind)
		return flowResultReply(result, err)

	case "continue":
		result, err := d.session.Continue(ctx)
		return flowResultReply(result, err)

	case "break":
		bps, err := d.session.Break(ctx, cmd.File, cmd.Line, cmd.Condition)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{Breakpoints: bps}

	case "source":
		src, err := d.session.Source(ctx, cmd.File, cmd.Line)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{Source: src}

	case "status":
		state, loc, err := d.session.Status(ctx)
		if err != nil {
			return errorResult("%v", err)
		}
		return Result{State: state, Location: loc}

	case "close":
		if err := d.session.Close(ctx); err != nil {
			return errorResult("%v", err)
		}
		return Result{Status: "ok"}

	default:
		return errorResult("Invalid command: unknown action %q", cmd.Action)
	}
}

func flowResultReply(result types.FlowResult, err error) Result {
	if err != nil {
		return errorResult("%v", err)
	}
	return Result{State: result.State, Location: result.Location, ExitCode: result.ExitCode, Message: result.Reason}
}

func parseBreakpointStrings(specs []string) []types.Breakpoint {
	return session.ParseBreakpointSpecs(specs)
}
