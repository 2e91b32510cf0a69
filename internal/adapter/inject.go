package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/xhd2015/agent-debugger/internal/log"
)

// injectionGracePeriod is how long injectDebugpy waits after the native
// debugger detaches before the DAP client dials the grafted listener —
// the injected debugpy server spawns its own adapter subprocess, whose
// listening socket isn't necessarily ready the instant lldb/gdb exits.
const injectionGracePeriod = 3 * time.Second

// bootstrapProgram is run inside the target Python interpreter via the
// native debugger's "call a function with this source string" facility.
// It installs debugpy if missing and starts it listening on port.
func bootstrapProgram(port int) string {
	return fmt.Sprintf(`
import subprocess, sys
try:
    import debugpy
except ImportError:
    subprocess.check_call([sys.executable, "-m", "pip", "install", "debugpy"])
    import debugpy
debugpy.listen(("127.0.0.1", %d))
`, port)
}

// injectDebugpy grafts a debugpy DAP server into a running Python process
// by driving lldb (darwin) or gdb (linux) in batch mode to call the
// interpreter's own C-ABI entry points: acquire the GIL, run the
// bootstrap source string, verify it returned zero, release the GIL,
// detach. See spec design notes for why this mechanism is debugpy-only.
func injectDebugpy(ctx context.Context, logger log.Logger, pid int) (string, int, *exec.Cmd, error) {
	port, err := FindFreePort()
	if err != nil {
		return "", 0, nil, err
	}
	program := bootstrapProgram(port)

	var err2 error
	switch runtime.GOOS {
	case "darwin":
		err2 = runLLDBInjection(ctx, logger, pid, program)
	case "linux":
		err2 = runGDBInjection(ctx, logger, pid, program)
	default:
		return "", 0, nil, fmt.Errorf("PID injection is not supported on %s", runtime.GOOS)
	}
	if err2 != nil {
		return "", 0, nil, fmt.Errorf("injection failed: %w (remediation: ensure debugpy can be installed in the target's environment, and that the current user can ptrace pid %d)", err2, pid)
	}

	select {
	case <-time.After(injectionGracePeriod):
	case <-ctx.Done():
		return "", 0, nil, ctx.Err()
	}

	return "127.0.0.1", port, nil, nil
}

// runLLDBInjection drives lldb in batch mode on macOS. The GIL dance is:
// acquire (PyGILState_Ensure), run (PyRun_SimpleString), release
// (PyGILState_Release) — standard CPython embedding entry points.
func runLLDBInjection(ctx context.Context, logger log.Logger, pid int, program string) error {
	script := fmt.Sprintf(`
process attach --pid %d
expression (int)PyGILState_Ensure()
expression (int)PyRun_SimpleString(%q)
expression (int)PyGILState_Release($0)
process detach
quit
`, pid, program)

	cmd := exec.CommandContext(ctx, "lldb", "--batch", "--one-line-before-file", "command script import os", "-o", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lldb: %w: %s", err, out)
	}
	return checkRunSimpleStringResult(string(out))
}

// runGDBInjection drives gdb in batch mode on Linux, calling the same
// CPython C-ABI entry points via gdb's `call` command.
func runGDBInjection(ctx context.Context, logger log.Logger, pid int, program string) error {
	args := []string{
		"--batch",
		"-ex", fmt.Sprintf("attach %d", pid),
		"-ex", "call (int)PyGILState_Ensure()",
		"-ex", fmt.Sprintf("call (int)PyRun_SimpleString(%q)", program),
		"-ex", "call (int)PyGILState_Release($1)",
		"-ex", "detach",
		"-ex", "quit",
	}

	cmd := exec.CommandContext(ctx, "gdb", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gdb: %w: %s", err, out)
	}
	return checkRunSimpleStringResult(string(out))
}

// checkRunSimpleStringResult looks for PyRun_SimpleString's return value
// in the debugger transcript. CPython returns -1 on an exception and 0
// on success, so only a -1 result is treated as a failure.
func checkRunSimpleStringResult(transcript string) error {
	if containsNonZeroReturn(transcript) {
		return fmt.Errorf("PyRun_SimpleString returned non-zero; the injected bootstrap raised an exception in the target interpreter")
	}
	return nil
}

func containsNonZeroReturn(transcript string) bool {
	// The debugger transcript format varies by version; this is a best
	// effort heuristic looking for an explicit -1 expression result
	// anywhere in the transcript, which both lldb and gdb print in a
	// "$N = -1" style.
	return strings.Contains(transcript, "= -1")
}
