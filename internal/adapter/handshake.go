package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/types"
)

const (
	initializedTimeout = 10 * time.Second
	launchTimeout      = 15 * time.Second
	stoppedTimeout     = 15 * time.Second
)

// runInitFlow performs the canonical launch-mode handshake (spec §4.2
// steps 1-8). Every launch-capable strategy's InitFlow delegates here,
// varying only in initArgs/launchArgs.
func runInitFlow(ctx context.Context, client *dapclient.Client, initArgs dap.InitializeRequestArguments, launchArgsMap map[string]interface{}, breakpoints []types.Breakpoint) (types.FlowResult, error) {
	// 1. initialize — synchronous, failure aborts.
	_, err := client.Request(&dap.InitializeRequest{
		Request:   newReq("initialize"),
		Arguments: initArgs,
	}, 10*time.Second)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("initialize failed: %w", err)
	}

	// 2. launch — async; debugpy defers the response until after
	// configurationDone, so this must not be awaited here.
	launchArgsJSON, err := json.Marshal(launchArgsMap)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("marshal launch arguments: %w", err)
	}
	launchSeq, err := client.RequestAsync(&dap.LaunchRequest{
		Request:   newReq("launch"),
		Arguments: launchArgsJSON,
	})
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("send launch request: %w", err)
	}

	// 3. wait for initialized.
	if _, ok := client.WaitForEvent("initialized", initializedTimeout); !ok {
		return types.FlowResult{}, fmt.Errorf("timed out waiting for initialized event")
	}

	// 4. setBreakpoints, grouped per file.
	reported, err := sendBreakpoints(client, breakpoints)
	if err != nil {
		return types.FlowResult{}, err
	}

	// 5. disable exception breakpoints for uniform behavior.
	if _, err := client.Request(&dap.SetExceptionBreakpointsRequest{
		Request:   newReq("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: []string{}},
	}, 5*time.Second); err != nil {
		return types.FlowResult{}, fmt.Errorf("setExceptionBreakpoints failed: %w", err)
	}

	// 6. configurationDone signals the adapter it may complete launch.
	if _, err := client.Request(&dap.ConfigurationDoneRequest{
		Request: newReq("configurationDone"),
	}, 5*time.Second); err != nil {
		return types.FlowResult{}, fmt.Errorf("configurationDone failed: %w", err)
	}

	// 7. resolve the deferred launch response.
	launchResp, err := client.WaitForResponse(launchSeq, launchTimeout)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("launch response failed: %w", err)
	}
	if lr, ok := launchResp.(*dap.LaunchResponse); ok && !lr.Success {
		return types.FlowResult{}, fmt.Errorf("launch rejected: %s", lr.Message)
	}

	_ = reported // FlowResult has no breakpoint field; the per-file verification results are not returned

	// 8. wait for stopped (paused) or tolerate an already-queued terminated.
	return waitForHandshakeOutcome(client)
}

// runAttachFlow mirrors runInitFlow with attach in place of launch. Unlike
// launch, completion reports running (also when a terminated event was
// queued) unless a stopped event arrived during the handshake, in which
// case it reports paused; the result never carries a location.
func runAttachFlow(ctx context.Context, client *dapclient.Client, initArgs dap.InitializeRequestArguments, attachArgsMap map[string]interface{}, breakpoints []types.Breakpoint) (types.FlowResult, error) {
	if _, err := client.Request(&dap.InitializeRequest{
		Request:   newReq("initialize"),
		Arguments: initArgs,
	}, 10*time.Second); err != nil {
		return types.FlowResult{}, fmt.Errorf("initialize failed: %w", err)
	}

	attachArgsJSON, err := json.Marshal(attachArgsMap)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("marshal attach arguments: %w", err)
	}
	attachSeq, err := client.RequestAsync(&dap.AttachRequest{
		Request:   newReq("attach"),
		Arguments: attachArgsJSON,
	})
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("send attach request: %w", err)
	}

	if _, ok := client.WaitForEvent("initialized", initializedTimeout); !ok {
		return types.FlowResult{}, fmt.Errorf("timed out waiting for initialized event")
	}

	if _, err := sendBreakpoints(client, breakpoints); err != nil {
		return types.FlowResult{}, err
	}

	if _, err := client.Request(&dap.SetExceptionBreakpointsRequest{
		Request:   newReq("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: []string{}},
	}, 5*time.Second); err != nil {
		return types.FlowResult{}, fmt.Errorf("setExceptionBreakpoints failed: %w", err)
	}

	if _, err := client.Request(&dap.ConfigurationDoneRequest{
		Request: newReq("configurationDone"),
	}, 5*time.Second); err != nil {
		return types.FlowResult{}, fmt.Errorf("configurationDone failed: %w", err)
	}

	attachResp, err := client.WaitForResponse(attachSeq, launchTimeout)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("attach response failed: %w", err)
	}
	if ar, ok := attachResp.(*dap.AttachResponse); ok && !ar.Success {
		return types.FlowResult{}, fmt.Errorf("attach rejected: %s", ar.Message)
	}

	result, err := waitForHandshakeOutcome(client)
	if err != nil {
		return types.FlowResult{}, err
	}
	if result.State == types.StatePaused {
		// attach never reports a location directly from the handshake.
		result.Location = nil
	} else {
		result.State = types.StateRunning
	}
	return result, nil
}

// waitForHandshakeOutcome implements step 8: wait for stopped; if absent,
// check for an already-queued terminated; otherwise report running. The
// event queue must not be cleared between handshake steps for this to be
// correct, since stopped can race ahead of the deferred response.
func waitForHandshakeOutcome(client *dapclient.Client) (types.FlowResult, error) {
	if msg, ok := client.WaitForEvent("stopped", stoppedTimeout); ok {
		stopped := msg.(*dap.StoppedEvent)
		return types.FlowResult{
			State:  types.StatePaused,
			Reason: stopped.Body.Reason,
		}, nil
	}

	if terminated := client.DrainEvents("terminated"); len(terminated) > 0 {
		return types.FlowResult{State: types.StateTerminated, Reason: "terminated"}, nil
	}

	return types.FlowResult{State: types.StateRunning}, nil
}

// sendBreakpoints groups specs by file and sends one setBreakpoints per
// file, since DAP requires the full per-file set in a single request.
func sendBreakpoints(client *dapclient.Client, breakpoints []types.Breakpoint) (map[string][]types.Breakpoint, error) {
	byFile := make(map[string][]types.Breakpoint)
	var order []string
	for _, bp := range breakpoints {
		if _, seen := byFile[bp.File]; !seen {
			order = append(order, bp.File)
		}
		byFile[bp.File] = append(byFile[bp.File], bp)
	}

	reported := make(map[string][]types.Breakpoint)
	for _, file := range order {
		specs := byFile[file]
		dapBreakpoints := make([]dap.SourceBreakpoint, len(specs))
		for i, bp := range specs {
			dapBreakpoints[i] = dap.SourceBreakpoint{Line: bp.Line, Condition: bp.Condition}
		}

		resp, err := client.Request(&dap.SetBreakpointsRequest{
			Request: newReq("setBreakpoints"),
			Arguments: dap.SetBreakpointsArguments{
				Source:      dap.Source{Name: filepath.Base(file), Path: file},
				Breakpoints: dapBreakpoints,
			},
		}, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("setBreakpoints for %s: %w", file, err)
		}

		sbResp, ok := resp.(*dap.SetBreakpointsResponse)
		if !ok {
			continue
		}
		var result []types.Breakpoint
		for i, b := range sbResp.Body.Breakpoints {
			line := specs[i].Line
			if b.Line != 0 {
				line = b.Line
			}
			result = append(result, types.Breakpoint{
				File:      file,
				Line:      line,
				Condition: specs[i].Condition,
				Verified:  b.Verified,
			})
		}
		reported[file] = result
	}
	return reported, nil
}

func newReq(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// checkExecutable verifies path names an existing, executable file —
// shared by the strategies that locate their adapter via an environment
// variable pointing at a binary (js-debug, CodeLLDB).
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("not found: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory, not an executable: %s", path)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("not executable: %s", path)
	}
	return nil
}
