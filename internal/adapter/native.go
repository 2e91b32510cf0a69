package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// nativeStrategy drives CodeLLDB for C, C++, and Rust targets. It does
// not support PID injection: grafting a DAP server into a natively
// compiled process would mean driving the target's own address space
// directly rather than calling into a hosted interpreter, which is a
// different mechanism than the debugpy GIL-call trick and is out of
// scope for this specification.
type nativeStrategy struct {
	logger log.Logger
}

func NewNativeStrategy(logger log.Logger) *nativeStrategy {
	return &nativeStrategy{logger: logger}
}

var _ Strategy = (*nativeStrategy)(nil)

func codelldbPath() (string, error) {
	path := os.Getenv("CODELLDB_PATH")
	if path == "" {
		return "", fmt.Errorf("CODELLDB_PATH is not set")
	}
	return path, nil
}

func (n *nativeStrategy) Language() types.Language { return types.LanguageNative }

func (n *nativeStrategy) CheckInstalled(runtimePath string) error {
	path, err := codelldbPath()
	if err != nil {
		return err
	}
	return checkExecutable(path)
}

func (n *nativeStrategy) Spawn(ctx context.Context, runtimePath string, port int, opts types.LaunchOptions) (*exec.Cmd, error) {
	path, err := codelldbPath()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, "--port", fmt.Sprintf("%d", port))
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	setNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn codelldb: %w", err)
	}
	return cmd, nil
}

func (n *nativeStrategy) InitializeArgs() dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:             "agent-debugger",
		AdapterID:            "codelldb",
		PathFormat:           "path",
		LinesStartAt1:        true,
		ColumnsStartAt1:      true,
		SupportsVariableType: true,
	}
}

func (n *nativeStrategy) LaunchArgs(opts types.LaunchOptions) map[string]interface{} {
	return map[string]interface{}{
		"program":     opts.Script,
		"args":        opts.Args,
		"cwd":         opts.Cwd,
		"stopOnEntry": opts.StopOnEntry,
	}
}

func (n *nativeStrategy) InitFlow(ctx context.Context, client *dapclient.Client, opts types.LaunchOptions) (types.FlowResult, error) {
	return runInitFlow(ctx, client, n.InitializeArgs(), n.LaunchArgs(opts), opts.Breakpoints)
}

func (n *nativeStrategy) IsInternalFrame(frame *dap.StackFrame) bool {
	if frame == nil || frame.Source == nil {
		return false
	}
	path := frame.Source.Path
	return strings.Contains(path, "/libc") || strings.Contains(path, "libstdc++") ||
		strings.Contains(path, "/lib/x86_64-linux-gnu/")
}

func (n *nativeStrategy) IsInternalVariable(v *dap.Variable) bool {
	return false
}

// Inject always fails: native processes have no hosted interpreter to
// call a "run source string" entry point into, so the debugpy-style
// injection mechanism does not apply here (see spec design notes §9).
func (n *nativeStrategy) Inject(ctx context.Context, pid int, runtimePath string) (string, int, *exec.Cmd, error) {
	return "", 0, nil, fmt.Errorf("native adapter does not support PID injection: CodeLLDB has no hosted interpreter to graft a DAP listener into")
}

var _ Injector = (*nativeStrategy)(nil)
