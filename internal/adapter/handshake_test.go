package adapter

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

func readMsg(t *testing.T, r *bufio.Reader) dap.Message {
	t.Helper()
	msg, err := dap.ReadProtocolMessage(r)
	require.NoError(t, err)
	return msg
}

func writeMsg(t *testing.T, w net.Conn, msg dap.Message) {
	t.Helper()
	require.NoError(t, dap.WriteProtocolMessage(w, msg))
}

// runFakeAdapter spawns a TCP listener on 127.0.0.1:port and plays the
// classic debugpy-style handshake: respond to initialize immediately,
// emit initialized, defer the launch response until after
// configurationDone, then emit stopped.
func runFakeAdapter(t *testing.T, port int, terminateInstead bool) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		initReq := readMsg(t, r).(*dap.InitializeRequest)
		writeMsg(t, conn, &dap.InitializeResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1000, Type: "response"},
			RequestSeq:      initReq.Seq, Success: true, Command: "initialize",
		}})
		writeMsg(t, conn, &dap.InitializedEvent{Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1001, Type: "event"}, Event: "initialized",
		}})

		launchReq := readMsg(t, r).(*dap.LaunchRequest)

		var bpCount int
		for {
			msg := readMsg(t, r)
			switch m := msg.(type) {
			case *dap.SetBreakpointsRequest:
				bpCount++
				bps := make([]dap.Breakpoint, len(m.Arguments.Breakpoints))
				for i, b := range m.Arguments.Breakpoints {
					bps[i] = dap.Breakpoint{Verified: true, Line: b.Line}
				}
				writeMsg(t, conn, &dap.SetBreakpointsResponse{
					Response: dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 1002 + bpCount, Type: "response"}, RequestSeq: m.Seq, Success: true, Command: "setBreakpoints"},
					Body:     dap.SetBreakpointsResponseBody{Breakpoints: bps},
				})
			case *dap.SetExceptionBreakpointsRequest:
				writeMsg(t, conn, &dap.SetExceptionBreakpointsResponse{Response: dap.Response{
					ProtocolMessage: dap.ProtocolMessage{Seq: 1050, Type: "response"}, RequestSeq: m.Seq, Success: true, Command: "setExceptionBreakpoints",
				}})
			case *dap.ConfigurationDoneRequest:
				writeMsg(t, conn, &dap.ConfigurationDoneResponse{Response: dap.Response{
					ProtocolMessage: dap.ProtocolMessage{Seq: 1060, Type: "response"}, RequestSeq: m.Seq, Success: true, Command: "configurationDone",
				}})
				writeMsg(t, conn, &dap.LaunchResponse{Response: dap.Response{
					ProtocolMessage: dap.ProtocolMessage{Seq: 1070, Type: "response"}, RequestSeq: launchReq.Seq, Success: true, Command: "launch",
				}})
				if terminateInstead {
					writeMsg(t, conn, &dap.TerminatedEvent{Event: dap.Event{
						ProtocolMessage: dap.ProtocolMessage{Seq: 1080, Type: "event"}, Event: "terminated",
					}})
				} else {
					writeMsg(t, conn, &dap.StoppedEvent{
						Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: 1080, Type: "event"}, Event: "stopped"},
						Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1},
					})
				}
				return
			default:
				return
			}
		}
	}()
}

func TestRunInitFlowReachesPaused(t *testing.T) {
	port, err := FindFreePort()
	require.NoError(t, err)
	runFakeAdapter(t, port, false)

	client := dapclient.NewClient(log.NewStderrLogger())
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port, 2*time.Second))

	result, err := runInitFlow(context.Background(), client,
		dap.InitializeRequestArguments{AdapterID: "fake"},
		map[string]interface{}{"program": "x.py"},
		[]types.Breakpoint{{File: "x.py", Line: 10}})
	require.NoError(t, err)
	require.Equal(t, types.StatePaused, result.State)
	require.Equal(t, "breakpoint", result.Reason)
}

func TestRunInitFlowReachesTerminated(t *testing.T) {
	port, err := FindFreePort()
	require.NoError(t, err)
	runFakeAdapter(t, port, true)

	client := dapclient.NewClient(log.NewStderrLogger())
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port, 2*time.Second))

	result, err := runInitFlow(context.Background(), client,
		dap.InitializeRequestArguments{AdapterID: "fake"},
		map[string]interface{}{"program": "x.py"},
		nil)
	require.NoError(t, err)
	require.Equal(t, types.StateTerminated, result.State)
}
