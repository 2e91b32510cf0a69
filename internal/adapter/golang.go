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

// goStrategy drives delve's native DAP server (`dlv dap`), not delve's
// headless JSON-RPC mode — this specification's Go support only ever
// speaks DAP to the adapter, same as every other language here.
type goStrategy struct {
	logger log.Logger
}

func NewGoStrategy(logger log.Logger) *goStrategy {
	return &goStrategy{logger: logger}
}

var _ Strategy = (*goStrategy)(nil)

func (g *goStrategy) Language() types.Language { return types.LanguageGo }

func delveBin(runtimePath string) string {
	if runtimePath != "" {
		return runtimePath
	}
	return "dlv"
}

func (g *goStrategy) CheckInstalled(runtimePath string) error {
	cmd := exec.Command(delveBin(runtimePath), "version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dlv not available via %s: %w (%s)", delveBin(runtimePath), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *goStrategy) Spawn(ctx context.Context, runtimePath string, port int, opts types.LaunchOptions) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, delveBin(runtimePath), "dap", fmt.Sprintf("--listen=127.0.0.1:%d", port))
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	setNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn dlv dap: %w", err)
	}
	return cmd, nil
}

func (g *goStrategy) InitializeArgs() dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:             "agent-debugger",
		AdapterID:            "delve",
		PathFormat:           "path",
		LinesStartAt1:        true,
		ColumnsStartAt1:      true,
		SupportsVariableType: true,
	}
}

func (g *goStrategy) LaunchArgs(opts types.LaunchOptions) map[string]interface{} {
	return map[string]interface{}{
		"mode":        launchMode(opts.Script),
		"program":     opts.Script,
		"args":        opts.Args,
		"cwd":         opts.Cwd,
		"stopOnEntry": opts.StopOnEntry,
	}
}

// launchMode decides between delve's two DAP launch modes: "debug" builds
// and runs a .go source file/package, "exec" runs an already-compiled
// binary directly. A source path sent under "exec" fails to launch.
func launchMode(script string) string {
	if strings.HasSuffix(script, ".go") {
		return "debug"
	}
	return "exec"
}

func (g *goStrategy) InitFlow(ctx context.Context, client *dapclient.Client, opts types.LaunchOptions) (types.FlowResult, error) {
	return runInitFlow(ctx, client, g.InitializeArgs(), g.LaunchArgs(opts), opts.Breakpoints)
}

func (g *goStrategy) IsInternalFrame(frame *dap.StackFrame) bool {
	if frame == nil {
		return false
	}
	if strings.HasPrefix(frame.Name, "runtime.") {
		return true
	}
	if frame.Source == nil {
		return false
	}
	path := frame.Source.Path
	return strings.HasPrefix(path, "/usr/local/go/src/") || strings.Contains(path, "/pkg/mod/")
}

func (g *goStrategy) IsInternalVariable(v *dap.Variable) bool {
	return false
}
