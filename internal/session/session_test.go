package session

import (
	"bufio"
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/agent-debugger/internal/adapter"
	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// fakeStrategy is a minimal adapter.Strategy used to exercise Session's
// verb methods without spawning a real adapter process.
type fakeStrategy struct{}

func (fakeStrategy) Language() types.Language                           { return types.LanguagePython }
func (fakeStrategy) CheckInstalled(string) error                        { return nil }
func (fakeStrategy) Spawn(context.Context, string, int, types.LaunchOptions) (*exec.Cmd, error) {
	return nil, nil
}
func (fakeStrategy) InitializeArgs() dap.InitializeRequestArguments { return dap.InitializeRequestArguments{} }
func (fakeStrategy) LaunchArgs(types.LaunchOptions) map[string]interface{} {
	return nil
}
func (fakeStrategy) InitFlow(context.Context, *dapclient.Client, types.LaunchOptions) (types.FlowResult, error) {
	return types.FlowResult{}, nil
}
func (fakeStrategy) IsInternalFrame(f *dap.StackFrame) bool {
	return f.Source != nil && f.Source.Path == "/internal/frame.py"
}
func (fakeStrategy) IsInternalVariable(v *dap.Variable) bool {
	return len(v.Name) >= 2 && v.Name[:2] == "__"
}

var _ adapter.Strategy = fakeStrategy{}

func newIdleSession() *Session {
	return New(adapter.NewRegistry(log.NewStderrLogger()), log.NewStderrLogger())
}

// newPausedSession wires a Session directly into paused state against an
// in-process fake DAP peer, bypassing Start/Attach so individual verbs can
// be exercised without spawning a real adapter process.
func newPausedSession(t *testing.T) (*Session, *bufio.Reader, net.Conn) {
	t.Helper()
	clientConn, peerConn := net.Pipe()
	client := dapclient.NewConnectedClient(log.NewStderrLogger(), clientConn)

	s := newIdleSession()
	s.client = client
	s.strategy = fakeStrategy{}
	s.state = types.StatePaused
	s.threadID = 1
	s.frameID = 0
	s.script = "/tmp/script.py"

	t.Cleanup(func() {
		_ = peerConn.Close()
		_ = clientConn.Close()
	})
	return s, bufio.NewReader(peerConn), peerConn
}

func readReq(t *testing.T, r *bufio.Reader) dap.Message {
	t.Helper()
	msg, err := dap.ReadProtocolMessage(r)
	require.NoError(t, err)
	return msg
}

func writeResp(t *testing.T, w net.Conn, msg dap.Message) {
	t.Helper()
	require.NoError(t, dap.WriteProtocolMessage(w, msg))
}

func TestVarsRequiresPaused(t *testing.T) {
	s := newIdleSession()
	_, err := s.Vars(context.Background())
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindStatePrecondition, serr.Kind)
}

func TestStackRequiresPaused(t *testing.T) {
	s := newIdleSession()
	_, err := s.Stack(context.Background())
	require.Error(t, err)
}

func TestEvalRequiresPaused(t *testing.T) {
	s := newIdleSession()
	_, _, err := s.Eval(context.Background(), "1+1")
	require.Error(t, err)
}

func TestStepRequiresPaused(t *testing.T) {
	s := newIdleSession()
	_, err := s.Step(context.Background(), "over")
	require.Error(t, err)
}

func TestContinueRequiresActiveSession(t *testing.T) {
	s := newIdleSession()
	_, err := s.Continue(context.Background())
	require.Error(t, err)
}

func TestBreakRequiresActiveSession(t *testing.T) {
	s := newIdleSession()
	_, err := s.Break(context.Background(), "a.py", 1, "")
	require.Error(t, err)
}

func TestSourceWithoutFileRequiresPaused(t *testing.T) {
	s := newIdleSession()
	_, err := s.Source(context.Background(), "", 0)
	require.Error(t, err)
}

func TestCloseOnIdleIsNoop(t *testing.T) {
	s := newIdleSession()
	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, types.StateIdle, s.State())
}

func TestStatusOnIdleReturnsIdleNoLocation(t *testing.T) {
	s := newIdleSession()
	state, loc, err := s.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, state)
	require.Nil(t, loc)
}

func TestDoubleStartRejected(t *testing.T) {
	s := newIdleSession()
	s.state = types.StateRunning // simulate an already-active session

	_, err := s.Start(context.Background(), types.LaunchOptions{Script: "a.py"})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindStatePrecondition, serr.Kind)
	// state must not have been disturbed by the rejected call
	require.Equal(t, types.StateRunning, s.State())
}

func TestVarsReturnsFilteredLocals(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scopesReq := readReq(t, peerR).(*dap.ScopesRequest)
		writeResp(t, peerW, &dap.ScopesResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: scopesReq.Seq, Success: true, Command: "scopes"},
			Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{{Name: "Locals", VariablesReference: 10}}},
		})

		varsReq := readReq(t, peerR).(*dap.VariablesRequest)
		require.Equal(t, 10, varsReq.Arguments.VariablesReference)
		writeResp(t, peerW, &dap.VariablesResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "response"}, RequestSeq: varsReq.Seq, Success: true, Command: "variables"},
			Body: dap.VariablesResponseBody{Variables: []dap.Variable{
				{Name: "x", Value: "1", Type: "int"},
				{Name: "__builtins__", Value: "...", Type: "module"},
			}},
		})
	}()

	vars, err := s.Vars(context.Background())
	require.NoError(t, err)
	require.Len(t, vars, 1)
	require.Equal(t, "x", vars[0].Name)
	<-done
}

func TestContinueReachesBreakpointStop(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		contReq := readReq(t, peerR).(*dap.ContinueRequest)
		writeResp(t, peerW, &dap.ContinueResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: contReq.Seq, Success: true, Command: "continue",
		}})
		writeResp(t, peerW, &dap.StoppedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "event"}, Event: "stopped"},
			Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 7},
		})

		stackReq := readReq(t, peerR).(*dap.StackTraceRequest)
		require.Equal(t, 7, stackReq.Arguments.ThreadId)
		writeResp(t, peerW, &dap.StackTraceResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "response"}, RequestSeq: stackReq.Seq, Success: true, Command: "stackTrace"},
			Body: dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{
				{Id: 1, Name: "main", Line: 42, Source: &dap.Source{Path: "/tmp/script.py"}},
			}},
		})
	}()

	result, err := s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StatePaused, result.State)
	require.Equal(t, "breakpoint", result.Reason)
	require.NotNil(t, result.Location)
	require.Equal(t, 42, result.Location.Line)
	require.Equal(t, types.StatePaused, s.State())
	<-done
}

func TestContinueToCleanExitReportsTerminated(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		contReq := readReq(t, peerR).(*dap.ContinueRequest)
		writeResp(t, peerW, &dap.ContinueResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: contReq.Seq, Success: true, Command: "continue",
		}})
		writeResp(t, peerW, &dap.ExitedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "event"}, Event: "exited"},
			Body:  dap.ExitedEventBody{ExitCode: 0},
		})
	}()

	result, err := s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateTerminated, result.State)
	require.NotNil(t, result.ExitCode)
	require.Equal(t, 0, *result.ExitCode)
	require.Equal(t, types.StateTerminated, s.State())
	<-done
}

func TestStepOverNeverLeavesStateRunning(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		nextReq := readReq(t, peerR).(*dap.NextRequest)
		writeResp(t, peerW, &dap.NextResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: nextReq.Seq, Success: true, Command: "next",
		}})
		writeResp(t, peerW, &dap.StoppedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "event"}, Event: "stopped"},
			Body:  dap.StoppedEventBody{Reason: "step", ThreadId: 1},
		})
		stackReq := readReq(t, peerR).(*dap.StackTraceRequest)
		writeResp(t, peerW, &dap.StackTraceResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "response"}, RequestSeq: stackReq.Seq, Success: true, Command: "stackTrace"},
			Body: dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{
				{Id: 1, Name: "main", Line: 43, Source: &dap.Source{Path: "/tmp/script.py"}},
			}},
		})
	}()

	result, err := s.Step(context.Background(), "over")
	require.NoError(t, err)
	require.NotEqual(t, types.StateRunning, result.State)
	require.Equal(t, types.StatePaused, result.State)
	<-done
}

func TestStoppedWithoutThreadIdFallsBackToOne(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		contReq := readReq(t, peerR).(*dap.ContinueRequest)
		writeResp(t, peerW, &dap.ContinueResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: contReq.Seq, Success: true, Command: "continue",
		}})
		writeResp(t, peerW, &dap.StoppedEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "event"}, Event: "stopped"},
			Body:  dap.StoppedEventBody{Reason: "breakpoint"}, // ThreadId omitted
		})
		stackReq := readReq(t, peerR).(*dap.StackTraceRequest)
		require.Equal(t, 1, stackReq.Arguments.ThreadId)
		writeResp(t, peerW, &dap.StackTraceResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "response"}, RequestSeq: stackReq.Seq, Success: true, Command: "stackTrace"},
			Body: dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{
				{Id: 1, Name: "main", Line: 1, Source: &dap.Source{Path: "/tmp/script.py"}},
			}},
		})
	}()

	_, err := s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.threadID)
	<-done
}

func TestBreakReplacesNotMergesFileBreakpoints(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readReq(t, peerR).(*dap.SetBreakpointsRequest)
		require.Len(t, req.Arguments.Breakpoints, 1, "break sends only the single new line, not a merged set")
		require.Equal(t, 99, req.Arguments.Breakpoints[0].Line)
		writeResp(t, peerW, &dap.SetBreakpointsResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: req.Seq, Success: true, Command: "setBreakpoints"},
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: []dap.Breakpoint{{Verified: true, Line: 99}}},
		})
	}()

	bps, err := s.Break(context.Background(), "/tmp/script.py", 99, "")
	require.NoError(t, err)
	require.Len(t, bps, 1)
	require.True(t, bps[0].Verified)
	<-done
}

func TestEvalSuccessReturnsResultAndType(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		evalReq := readReq(t, peerR).(*dap.EvaluateRequest)
		writeResp(t, peerW, &dap.EvaluateResponse{
			Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"}, RequestSeq: evalReq.Seq, Success: true, Command: "evaluate"},
			Body:     dap.EvaluateResponseBody{Result: "42", Type: "int"},
		})
	}()

	value, typ, err := s.Eval(context.Background(), "6*7")
	require.NoError(t, err)
	require.Equal(t, "42", value)
	require.Equal(t, "int", typ)
	<-done
}

func TestEvalFailureSurfacesAdapterMessage(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		evalReq := readReq(t, peerR).(*dap.EvaluateRequest)
		writeResp(t, peerW, &dap.EvaluateResponse{
			Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"},
				RequestSeq:      evalReq.Seq,
				Success:         false,
				Command:         "evaluate",
				Message:         "undefined: foo",
			},
		})
	}()

	value, typ, err := s.Eval(context.Background(), "foo")
	require.Error(t, err)
	require.Empty(t, value)
	require.Empty(t, typ)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindRuntime, serr.Kind)
	require.Contains(t, serr.Error(), "undefined: foo")
	<-done
}

func TestCloseTearsDownAndReturnsIdle(t *testing.T) {
	s, peerR, peerW := newPausedSession(t)
	_ = peerW

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Close sends a best-effort disconnect; answer nothing and just drain.
		_, _ = dap.ReadProtocolMessage(peerR)
	}()

	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, types.StateIdle, s.State())
	<-done
}
