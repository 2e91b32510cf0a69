package dapclient

import "github.com/google/go-dap"

// responseSeq extracts RequestSeq from the concrete response types this
// client issues requests for. go-dap has no generic "is a response with
// a RequestSeq" interface, so correlation falls back to an exhaustive
// type-switch, same as every other DAP client in the wild.
func responseSeq(msg dap.Message) (int, bool) {
	switch r := msg.(type) {
	case *dap.InitializeResponse:
		return r.RequestSeq, true
	case *dap.LaunchResponse:
		return r.RequestSeq, true
	case *dap.AttachResponse:
		return r.RequestSeq, true
	case *dap.DisconnectResponse:
		return r.RequestSeq, true
	case *dap.TerminateResponse:
		return r.RequestSeq, true
	case *dap.SetBreakpointsResponse:
		return r.RequestSeq, true
	case *dap.SetFunctionBreakpointsResponse:
		return r.RequestSeq, true
	case *dap.SetExceptionBreakpointsResponse:
		return r.RequestSeq, true
	case *dap.ConfigurationDoneResponse:
		return r.RequestSeq, true
	case *dap.ContinueResponse:
		return r.RequestSeq, true
	case *dap.NextResponse:
		return r.RequestSeq, true
	case *dap.StepInResponse:
		return r.RequestSeq, true
	case *dap.StepOutResponse:
		return r.RequestSeq, true
	case *dap.PauseResponse:
		return r.RequestSeq, true
	case *dap.ThreadsResponse:
		return r.RequestSeq, true
	case *dap.StackTraceResponse:
		return r.RequestSeq, true
	case *dap.ScopesResponse:
		return r.RequestSeq, true
	case *dap.VariablesResponse:
		return r.RequestSeq, true
	case *dap.SetVariableResponse:
		return r.RequestSeq, true
	case *dap.EvaluateResponse:
		return r.RequestSeq, true
	case *dap.SourceResponse:
		return r.RequestSeq, true
	case *dap.ModulesResponse:
		return r.RequestSeq, true
	case *dap.ErrorResponse:
		return r.RequestSeq, true
	default:
		return 0, false
	}
}

// setSeq assigns seq on the outgoing request's embedded ProtocolMessage.
// Same rationale as responseSeq: go-dap request types don't share a
// settable-Seq interface, so this is an exhaustive switch over the
// requests this client actually sends.
func setSeq(msg dap.Message, seq int) {
	switch r := msg.(type) {
	case *dap.InitializeRequest:
		r.Seq = seq
	case *dap.LaunchRequest:
		r.Seq = seq
	case *dap.AttachRequest:
		r.Seq = seq
	case *dap.DisconnectRequest:
		r.Seq = seq
	case *dap.TerminateRequest:
		r.Seq = seq
	case *dap.SetBreakpointsRequest:
		r.Seq = seq
	case *dap.SetFunctionBreakpointsRequest:
		r.Seq = seq
	case *dap.SetExceptionBreakpointsRequest:
		r.Seq = seq
	case *dap.ConfigurationDoneRequest:
		r.Seq = seq
	case *dap.ContinueRequest:
		r.Seq = seq
	case *dap.NextRequest:
		r.Seq = seq
	case *dap.StepInRequest:
		r.Seq = seq
	case *dap.StepOutRequest:
		r.Seq = seq
	case *dap.PauseRequest:
		r.Seq = seq
	case *dap.ThreadsRequest:
		r.Seq = seq
	case *dap.StackTraceRequest:
		r.Seq = seq
	case *dap.ScopesRequest:
		r.Seq = seq
	case *dap.VariablesRequest:
		r.Seq = seq
	case *dap.SetVariableRequest:
		r.Seq = seq
	case *dap.EvaluateRequest:
		r.Seq = seq
	case *dap.SourceRequest:
		r.Seq = seq
	case *dap.ModulesRequest:
		r.Seq = seq
	}
}
