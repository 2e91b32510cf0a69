package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// pythonStrategy drives debugpy. It is the only strategy that supports
// PID injection, since debugpy can be imported and started from within
// an already-running Python interpreter.
type pythonStrategy struct {
	logger log.Logger
}

func NewPythonStrategy(logger log.Logger) *pythonStrategy {
	return &pythonStrategy{logger: logger}
}

var (
	_ Strategy      = (*pythonStrategy)(nil)
	_ AttachCapable = (*pythonStrategy)(nil)
	_ Injector      = (*pythonStrategy)(nil)
)

func (p *pythonStrategy) Language() types.Language { return types.LanguagePython }

func pythonBin(runtimePath string) string {
	if runtimePath != "" {
		return runtimePath
	}
	return "python3"
}

func (p *pythonStrategy) CheckInstalled(runtimePath string) error {
	cmd := exec.Command(pythonBin(runtimePath), "-m", "debugpy", "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("debugpy not available via %s: %w (%s)", pythonBin(runtimePath), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *pythonStrategy) Spawn(ctx context.Context, runtimePath string, port int, opts types.LaunchOptions) (*exec.Cmd, error) {
	args := []string{"-m", "debugpy", "--listen", fmt.Sprintf("127.0.0.1:%d", port), "--wait-for-client", opts.Script}
	args = append(args, opts.Args...)

	cmd := exec.CommandContext(ctx, pythonBin(runtimePath), args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	setNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn debugpy: %w", err)
	}
	return cmd, nil
}

func (p *pythonStrategy) InitializeArgs() dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:                     "agent-debugger",
		AdapterID:                    "debugpy",
		PathFormat:                   "path",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		SupportsVariableType:         true,
		SupportsRunInTerminalRequest: false,
	}
}

func (p *pythonStrategy) LaunchArgs(opts types.LaunchOptions) map[string]interface{} {
	return map[string]interface{}{
		"program":     opts.Script,
		"args":        opts.Args,
		"console":     "internalConsole",
		"stopOnEntry": opts.StopOnEntry,
		"cwd":         opts.Cwd,
		"justMyCode":  false,
	}
}

func (p *pythonStrategy) AttachArgs(opts types.AttachOptions) map[string]interface{} {
	return map[string]interface{}{
		"connect": map[string]interface{}{
			"host": opts.Host,
			"port": opts.Port,
		},
		"justMyCode": false,
	}
}

func (p *pythonStrategy) InitFlow(ctx context.Context, client *dapclient.Client, opts types.LaunchOptions) (types.FlowResult, error) {
	return runInitFlow(ctx, client, p.InitializeArgs(), p.LaunchArgs(opts), opts.Breakpoints)
}

func (p *pythonStrategy) AttachFlow(ctx context.Context, client *dapclient.Client, opts types.AttachOptions) (types.FlowResult, error) {
	return runAttachFlow(ctx, client, p.InitializeArgs(), p.AttachArgs(opts), opts.Breakpoints)
}

// debugpy/pydevd ship their own frames in the call stack; these are never
// useful to show a user stepping through their own code.
func (p *pythonStrategy) IsInternalFrame(frame *dap.StackFrame) bool {
	if frame == nil || frame.Source == nil {
		return false
	}
	path := frame.Source.Path
	return strings.Contains(path, "debugpy") || strings.Contains(path, "pydevd") ||
		strings.Contains(path, "_pydevd")
}

func (p *pythonStrategy) IsInternalVariable(v *dap.Variable) bool {
	if v == nil {
		return false
	}
	return strings.HasPrefix(v.Name, "__") && strings.HasSuffix(v.Name, "__")
}

func (p *pythonStrategy) Inject(ctx context.Context, pid int, runtimePath string) (string, int, *exec.Cmd, error) {
	return injectDebugpy(ctx, p.logger, pid)
}
