package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// nodeStrategy drives vscode-js-debug's DAP server for both JavaScript
// and TypeScript targets — js-debug doesn't distinguish, so a single
// LanguageNode strategy serves both (.js and .ts extensions map to it).
type nodeStrategy struct {
	logger log.Logger
}

func NewNodeStrategy(logger log.Logger) *nodeStrategy {
	return &nodeStrategy{logger: logger}
}

var _ Strategy = (*nodeStrategy)(nil)

func (n *nodeStrategy) Language() types.Language { return types.LanguageNode }

func jsDebugServerPath() (string, error) {
	root := os.Getenv("JS_DEBUG_PATH")
	if root == "" {
		return "", fmt.Errorf("JS_DEBUG_PATH is not set")
	}
	return filepath.Join(root, "src", "dapDebugServer.js"), nil
}

func (n *nodeStrategy) CheckInstalled(runtimePath string) error {
	serverPath, err := jsDebugServerPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(serverPath); err != nil {
		return fmt.Errorf("js-debug server script not found at %s: %w", serverPath, err)
	}
	if _, err := exec.LookPath("node"); err != nil {
		return fmt.Errorf("node binary not found on PATH: %w", err)
	}
	return nil
}

func (n *nodeStrategy) Spawn(ctx context.Context, runtimePath string, port int, opts types.LaunchOptions) (*exec.Cmd, error) {
	serverPath, err := jsDebugServerPath()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "node", serverPath, fmt.Sprintf("%d", port))
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	setNewProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn js-debug: %w", err)
	}
	return cmd, nil
}

func (n *nodeStrategy) InitializeArgs() dap.InitializeRequestArguments {
	return dap.InitializeRequestArguments{
		ClientID:             "agent-debugger",
		AdapterID:            "pwa-node",
		PathFormat:           "path",
		LinesStartAt1:        true,
		ColumnsStartAt1:      true,
		SupportsVariableType: true,
	}
}

func (n *nodeStrategy) LaunchArgs(opts types.LaunchOptions) map[string]interface{} {
	return map[string]interface{}{
		"type":        "pwa-node",
		"program":     opts.Script,
		"args":        opts.Args,
		"cwd":         opts.Cwd,
		"stopOnEntry": opts.StopOnEntry,
		"console":     "internalConsole",
	}
}

func (n *nodeStrategy) InitFlow(ctx context.Context, client *dapclient.Client, opts types.LaunchOptions) (types.FlowResult, error) {
	return runInitFlow(ctx, client, n.InitializeArgs(), n.LaunchArgs(opts), opts.Breakpoints)
}

// js-debug's own bootstrap and any bundled runtime module make up the
// overwhelming majority of noise frames; node:internal covers builtins.
func (n *nodeStrategy) IsInternalFrame(frame *dap.StackFrame) bool {
	if frame == nil || frame.Source == nil {
		return false
	}
	path := frame.Source.Path
	return strings.Contains(path, "node_modules") || strings.HasPrefix(path, "node:internal") ||
		strings.Contains(path, "node:internal")
}

func (n *nodeStrategy) IsInternalVariable(v *dap.Variable) bool {
	return false
}
