// Package session implements the process-wide single-session state
// machine: it owns the DAP client and adapter strategy, maps the uniform
// verb surface onto DAP traffic, and tracks the current thread/frame.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/go-dap"
	"golang.org/x/sys/unix"

	"github.com/xhd2015/agent-debugger/internal/adapter"
	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

const (
	sourceContextLines = 5
	closeGracePeriod   = 3 * time.Second
	waitForStopTick    = 1 * time.Second
)

// Session is the process-singleton aggregate from spec §3. The daemon
// serves one command at a time, but mu still guards every field since
// waitForStop suspends mid-verb and must not race a concurrent close.
type Session struct {
	mu       sync.Mutex
	logger   log.Logger
	registry *adapter.Registry

	state        types.State
	client       *dapclient.Client
	strategy     adapter.Strategy
	cmd          *exec.Cmd
	threadID     int
	frameID      int
	script       string
	attachedMode bool
}

func New(registry *adapter.Registry, logger log.Logger) *Session {
	return &Session{
		registry: registry,
		logger:   logger,
		state:    types.StateIdle,
	}
}

func (s *Session) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start implements the `start` verb: idle -> paused|running|terminated,
// or back to idle with everything cleaned up on any failure.
func (s *Session) Start(ctx context.Context, opts types.LaunchOptions) (types.FlowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateIdle {
		return types.FlowResult{}, newError(KindStatePrecondition, "a session is already active")
	}
	s.state = types.StateStarting

	abs, err := filepath.Abs(opts.Script)
	if err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, newError(KindConfiguration, "resolve script path: %v", err)
	}
	opts.Script = abs

	lang := opts.Language
	if lang == "" {
		lang, err = adapter.LanguageForExtension(filepath.Ext(abs))
		if err != nil {
			s.state = types.StateIdle
			return types.FlowResult{}, wrapError(KindConfiguration, err)
		}
	}

	strategy, err := s.registry.Get(lang)
	if err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindConfiguration, err)
	}
	if err := strategy.CheckInstalled(opts.Runtime); err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindConfiguration, err)
	}

	client, cmd, _, err := adapter.SpawnAndConnect(ctx, s.logger, strategy, opts.Runtime, opts)
	if err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindHandshake, err)
	}

	result, err := strategy.InitFlow(ctx, client, opts)
	if err != nil {
		_ = client.Disconnect(true)
		killProcessGroup(cmd)
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindHandshake, err)
	}

	s.client = client
	s.strategy = strategy
	s.cmd = cmd
	s.script = abs
	s.attachedMode = false
	s.state = result.State
	if result.State == types.StatePaused {
		s.threadID = 1
		s.refreshTopFrameLocked(&result)
	}
	return result, nil
}

// Attach implements the `attach` verb: idle -> running (or paused, if the
// debuggee happens to already be stopped), with attachedMode=true so
// close never signals the debuggee.
func (s *Session) Attach(ctx context.Context, opts types.AttachOptions) (types.FlowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateIdle {
		return types.FlowResult{}, newError(KindStatePrecondition, "a session is already active")
	}
	s.state = types.StateStarting

	if (opts.Port == 0) == (opts.PID == 0) {
		s.state = types.StateIdle
		return types.FlowResult{}, newError(KindConfiguration, "attach requires exactly one of port or pid")
	}
	if opts.Language == "" {
		s.state = types.StateIdle
		return types.FlowResult{}, newError(KindConfiguration, "attach requires --language when attaching by pid or host:port")
	}

	strategy, err := s.registry.Get(opts.Language)
	if err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindConfiguration, err)
	}
	attachCapable, ok := strategy.(adapter.AttachCapable)
	if !ok {
		s.state = types.StateIdle
		return types.FlowResult{}, newError(KindConfiguration, "%s adapter does not support attach", opts.Language)
	}

	var cmd *exec.Cmd
	host, port := opts.Host, opts.Port
	if opts.PID != 0 {
		injector, ok := strategy.(adapter.Injector)
		if !ok {
			s.state = types.StateIdle
			return types.FlowResult{}, newError(KindConfiguration, "%s adapter does not support pid injection", opts.Language)
		}
		host, port, cmd, err = injector.Inject(ctx, opts.PID, opts.Runtime)
		if err != nil {
			s.state = types.StateIdle
			return types.FlowResult{}, wrapError(KindInjection, err)
		}
	}
	opts.Host, opts.Port = host, port

	client, err := adapter.Connect(ctx, s.logger, port, 10*time.Second)
	if err != nil {
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindHandshake, err)
	}

	result, err := attachCapable.AttachFlow(ctx, client, opts)
	if err != nil {
		_ = client.Disconnect(false)
		s.state = types.StateIdle
		return types.FlowResult{}, wrapError(KindHandshake, err)
	}

	s.client = client
	s.strategy = strategy
	s.cmd = cmd
	s.attachedMode = true
	s.state = result.State
	if result.State == types.StatePaused {
		s.threadID = 1
		s.refreshTopFrameLocked(&result)
	}
	return result, nil
}

// Vars implements the `vars` verb.
func (s *Session) Vars(ctx context.Context) ([]types.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePausedLocked(); err != nil {
		return nil, err
	}

	scopesResp, err := s.client.Request(&dap.ScopesRequest{
		Request:   newReq("scopes"),
		Arguments: dap.ScopesArguments{FrameId: s.frameID},
	}, 5*time.Second)
	if err != nil {
		return nil, wrapError(KindRuntime, err)
	}
	scopes := scopesResp.(*dap.ScopesResponse).Body.Scopes

	var localsRef int
	for _, sc := range scopes {
		if sc.Name == "Locals" || sc.Name == "Local" {
			localsRef = sc.VariablesReference
			break
		}
	}
	if localsRef == 0 && len(scopes) > 0 {
		localsRef = scopes[0].VariablesReference
	}
	if localsRef == 0 {
		return nil, nil
	}

	varsResp, err := s.client.Request(&dap.VariablesRequest{
		Request:   newReq("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: localsRef},
	}, 5*time.Second)
	if err != nil {
		return nil, wrapError(KindRuntime, err)
	}

	raw := varsResp.(*dap.VariablesResponse).Body.Variables
	if len(raw) > 100 {
		raw = raw[:100]
	}

	out := make([]types.Variable, 0, len(raw))
	for i := range raw {
		v := raw[i]
		if s.strategy.IsInternalVariable(&v) {
			continue
		}
		out = append(out, types.Variable{Name: v.Name, Value: v.Value, Type: v.Type})
	}
	return out, nil
}

// Stack implements the `stack` verb.
func (s *Session) Stack(ctx context.Context) ([]types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePausedLocked(); err != nil {
		return nil, err
	}
	return s.stackLocked()
}

func (s *Session) stackLocked() ([]types.Frame, error) {
	resp, err := s.client.Request(&dap.StackTraceRequest{
		Request: newReq("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId:   s.threadID,
			StartFrame: 0,
			Levels:     50,
		},
	}, 5*time.Second)
	if err != nil {
		return nil, wrapError(KindRuntime, err)
	}

	frames := resp.(*dap.StackTraceResponse).Body.StackFrames
	var filtered []dap.StackFrame
	for _, f := range frames {
		if !s.strategy.IsInternalFrame(&f) {
			filtered = append(filtered, f)
		}
	}
	// Never drop every frame: fall through to the unfiltered top frame.
	if len(filtered) == 0 && len(frames) > 0 {
		filtered = frames[:1]
	}

	out := make([]types.Frame, 0, len(filtered))
	for _, f := range filtered {
		frame := types.Frame{ID: f.Id, Line: f.Line, Function: f.Name}
		if f.Source != nil {
			frame.File = f.Source.Path
		}
		out = append(out, frame)
	}
	return out, nil
}

// Eval implements the `eval` verb. It never alters state or location.
func (s *Session) Eval(ctx context.Context, expression string) (value string, typ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.requirePausedLocked(); perr != nil {
		return "", "", perr
	}

	resp, reqErr := s.client.Request(&dap.EvaluateRequest{
		Request: newReq("evaluate"),
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    s.frameID,
			Context:    "repl",
		},
	}, 10*time.Second)
	if reqErr != nil {
		return "", "", wrapError(KindRuntime, reqErr)
	}
	evalResp := resp.(*dap.EvaluateResponse)
	if !evalResp.Success {
		return "", "", newError(KindRuntime, "evaluate failed: %s", evalResp.Message)
	}
	body := evalResp.Body
	return body.Result, body.Type, nil
}

// Step implements `step over|into|out`.
func (s *Session) Step(ctx context.Context, kind string) (types.FlowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePausedLocked(); err != nil {
		return types.FlowResult{}, err
	}

	var req dap.Message
	switch kind {
	case "", "over":
		req = &dap.NextRequest{Request: newReq("next"), Arguments: dap.NextArguments{ThreadId: s.threadID}}
	case "into":
		req = &dap.StepInRequest{Request: newReq("stepIn"), Arguments: dap.StepInArguments{ThreadId: s.threadID}}
	case "out":
		req = &dap.StepOutRequest{Request: newReq("stepOut"), Arguments: dap.StepOutArguments{ThreadId: s.threadID}}
	default:
		return types.FlowResult{}, newError(KindProtocol, "unknown step kind %q", kind)
	}

	if _, err := s.client.Request(req, 5*time.Second); err != nil {
		return types.FlowResult{}, wrapError(KindRuntime, err)
	}
	s.state = types.StateRunning
	return s.waitForStopLocked(ctx)
}

// Continue implements `continue`.
func (s *Session) Continue(ctx context.Context) (types.FlowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StatePaused && s.state != types.StateRunning {
		return types.FlowResult{}, newError(KindStatePrecondition, "continue requires a paused or running session")
	}

	if s.state == types.StatePaused {
		if _, err := s.client.Request(&dap.ContinueRequest{
			Request:   newReq("continue"),
			Arguments: dap.ContinueArguments{ThreadId: s.threadID},
		}, 5*time.Second); err != nil {
			return types.FlowResult{}, wrapError(KindRuntime, err)
		}
		s.state = types.StateRunning
	}
	return s.waitForStopLocked(ctx)
}

// Break implements the mid-session `break` verb. Per design notes open
// question (a), this replaces rather than merges the file's breakpoint
// set, since this verb only ever carries one line and DAP's
// setBreakpoints always takes the complete per-file list.
func (s *Session) Break(ctx context.Context, file string, line int, condition string) ([]types.Breakpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateIdle {
		return nil, newError(KindStatePrecondition, "break requires an active session")
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, newError(KindConfiguration, "resolve breakpoint path: %v", err)
	}

	resp, err := s.client.Request(&dap.SetBreakpointsRequest{
		Request: newReq("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Name: filepath.Base(abs), Path: abs},
			Breakpoints: []dap.SourceBreakpoint{{Line: line, Condition: condition}},
		},
	}, 10*time.Second)
	if err != nil {
		return nil, wrapError(KindRuntime, err)
	}

	body := resp.(*dap.SetBreakpointsResponse).Body
	out := make([]types.Breakpoint, 0, len(body.Breakpoints))
	for _, b := range body.Breakpoints {
		reportedLine := line
		if b.Line != 0 {
			reportedLine = b.Line
		}
		out = append(out, types.Breakpoint{File: abs, Line: reportedLine, Condition: condition, Verified: b.Verified})
	}
	return out, nil
}

// Source implements the `source` verb: read directly off the filesystem,
// never via the DAP source request, and window +/-5 lines around center.
func (s *Session) Source(ctx context.Context, file string, line int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if file == "" {
		if s.state != types.StatePaused {
			return "", newError(KindConfiguration, "source requires a file argument unless the session is paused")
		}
		loc, err := s.currentLocationLocked()
		if err != nil {
			return "", err
		}
		file, line = loc.File, loc.Line
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return "", newError(KindConfiguration, "read source file: %v", err)
	}
	lines := strings.Split(string(data), "\n")

	center := line
	if center < 1 {
		center = 1
	}
	start := center - sourceContextLines
	if start < 1 {
		start = 1
	}
	end := center + sourceContextLines
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "  "
		if i == center {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %4d| %s\n", marker, i, lines[i-1])
	}
	return b.String(), nil
}

// Status implements the `status` verb.
func (s *Session) Status(ctx context.Context) (types.State, *types.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StatePaused {
		return s.state, nil, nil
	}
	loc, err := s.currentLocationLocked()
	if err != nil {
		return s.state, nil, nil
	}
	return s.state, &loc, nil
}

// Close implements the `close` verb: tear everything down unconditionally
// and return to idle, even if disconnect/kill steps fail partway.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == types.StateIdle {
		return nil
	}

	if s.client != nil {
		_ = s.client.Disconnect(!s.attachedMode)
	}
	if s.cmd != nil && !s.attachedMode {
		killProcessGroup(s.cmd)
	}

	s.client = nil
	s.strategy = nil
	s.cmd = nil
	s.threadID = 0
	s.frameID = 0
	s.script = ""
	s.attachedMode = false
	s.state = types.StateIdle
	return nil
}

// waitForStopLocked implements spec §4.3's waitForStop loop. Caller must
// hold mu. Unbounded by design: it returns only on a stopped, terminated
// or exited event, a closed connection, or ctx being done.
func (s *Session) waitForStopLocked(ctx context.Context) (types.FlowResult, error) {
	for {
		select {
		case <-ctx.Done():
			return types.FlowResult{}, wrapError(KindRuntime, ctx.Err())
		default:
		}

		if msg, ok := s.client.WaitForEvent("stopped", waitForStopTick); ok {
			stopped := msg.(*dap.StoppedEvent)
			s.threadID = stopped.Body.ThreadId
			if s.threadID == 0 {
				// Some adapters omit threadId; 1 is the documented
				// adapter-behavior fallback (design notes, open question d).
				s.threadID = 1
			}
			s.state = types.StatePaused
			loc, _ := s.currentLocationLocked()
			return types.FlowResult{State: types.StatePaused, Reason: stopped.Body.Reason, Location: &loc}, nil
		}

		if terminated := s.client.DrainEvents("terminated"); len(terminated) > 0 {
			s.state = types.StateTerminated
			return types.FlowResult{State: types.StateTerminated, Reason: "terminated"}, nil
		}

		if exited := s.client.DrainEvents("exited"); len(exited) > 0 {
			s.state = types.StateTerminated
			ev := exited[len(exited)-1].(*dap.ExitedEvent)
			code := ev.Body.ExitCode
			return types.FlowResult{State: types.StateTerminated, Reason: "exited", ExitCode: &code}, nil
		}

		// output events are surfaced nowhere yet (design notes, open
		// question c); drain and discard so the queue doesn't grow.
		s.client.DrainEvents("output")

		if s.client.IsClosed() {
			s.state = types.StateTerminated
			return types.FlowResult{State: types.StateTerminated, Reason: "connection closed"}, nil
		}
	}
}

func (s *Session) requirePausedLocked() error {
	if s.state != types.StatePaused {
		return newError(KindStatePrecondition, "verb requires a paused session, got %s", s.state)
	}
	return nil
}

// refreshTopFrameLocked fills in result.Location from the current top
// frame; failures are swallowed since location is best-effort decoration
// on an otherwise-successful flow result.
func (s *Session) refreshTopFrameLocked(result *types.FlowResult) {
	loc, err := s.currentLocationLocked()
	if err != nil {
		return
	}
	result.Location = &loc
}

// currentLocationLocked derives Location from the top stack frame,
// recomputed on demand rather than cached across DAP events.
func (s *Session) currentLocationLocked() (types.Location, error) {
	frames, err := s.stackLocked()
	if err != nil {
		return types.Location{}, err
	}
	if len(frames) == 0 {
		return types.Location{}, newError(KindRuntime, "no stack frames available")
	}
	s.frameID = frames[0].ID
	return types.Location{File: frames[0].File, Line: frames[0].Line, Function: frames[0].Function}, nil
}

func newReq(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// killProcessGroup sends SIGTERM to the adapter child's whole process
// group, escalating to SIGKILL after closeGracePeriod. Adapters are
// spawned with Setpgid set, so -pid addresses the group rather than the
// single child — debugpy in particular forks its own child interpreter
// that a plain Process.Kill would orphan.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	_ = unix.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeGracePeriod):
		_ = unix.Kill(-pid, syscall.SIGKILL)
	}
}
