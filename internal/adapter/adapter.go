// Package adapter implements the per-language debug adapter strategies:
// how to find and spawn each adapter, the DAP arguments it expects, and
// the classic handshake that turns a freshly spawned adapter into a
// paused or running session.
package adapter

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/dapclient"
	"github.com/xhd2015/agent-debugger/internal/log"
	"github.com/xhd2015/agent-debugger/internal/types"
)

// Strategy is the capability set every supported language implements. The
// shared handshake in handshake.go is a free function parameterized by
// InitializeArgs/LaunchArgs so the four implementations differ only in
// these few methods, not in duplicated flow logic.
type Strategy interface {
	Language() types.Language

	// CheckInstalled verifies the adapter tooling is present, returning a
	// Configuration-kind error naming what's missing.
	CheckInstalled(runtimePath string) error

	// Spawn launches the adapter process listening on port, returning the
	// running command so the session can own its lifecycle.
	Spawn(ctx context.Context, runtimePath string, port int, opts types.LaunchOptions) (*exec.Cmd, error)

	InitializeArgs() dap.InitializeRequestArguments
	LaunchArgs(opts types.LaunchOptions) map[string]interface{}

	InitFlow(ctx context.Context, client *dapclient.Client, opts types.LaunchOptions) (types.FlowResult, error)

	IsInternalFrame(frame *dap.StackFrame) bool
	IsInternalVariable(v *dap.Variable) bool
}

// AttachCapable is implemented by strategies that support attach mode.
type AttachCapable interface {
	Strategy
	AttachArgs(opts types.AttachOptions) map[string]interface{}
	AttachFlow(ctx context.Context, client *dapclient.Client, opts types.AttachOptions) (types.FlowResult, error)
}

// Injector is implemented by strategies that can graft a DAP server into
// an already-running process by PID (debugpy only, per the design notes).
type Injector interface {
	Strategy
	Inject(ctx context.Context, pid int, runtimePath string) (host string, port int, cmd *exec.Cmd, err error)
}

// Registry looks up a Strategy by language, mirroring the ground-truth
// Registry/Adapter split: languages register themselves once at startup
// and the session never constructs a strategy directly.
type Registry struct {
	strategies map[types.Language]Strategy
}

// NewRegistry wires up all four supported language strategies.
func NewRegistry(logger log.Logger) *Registry {
	r := &Registry{strategies: make(map[types.Language]Strategy)}
	r.Register(NewPythonStrategy(logger))
	r.Register(NewNodeStrategy(logger))
	r.Register(NewGoStrategy(logger))
	r.Register(NewNativeStrategy(logger))
	return r
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.Language()] = s
}

func (r *Registry) Get(lang types.Language) (Strategy, error) {
	s, ok := r.strategies[lang]
	if !ok {
		return nil, fmt.Errorf("adapter: no strategy registered for language %q", lang)
	}
	return s, nil
}

// LanguageForExtension maps a script's file extension to a language, the
// fallback the `start` verb uses when --language wasn't given.
func LanguageForExtension(ext string) (types.Language, error) {
	switch ext {
	case ".py":
		return types.LanguagePython, nil
	case ".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx":
		return types.LanguageNode, nil
	case ".go":
		return types.LanguageGo, nil
	case ".c", ".cc", ".cpp", ".cxx", ".rs":
		return types.LanguageNative, nil
	default:
		return "", fmt.Errorf("adapter: unsupported file extension %q", ext)
	}
}

// FindFreePort allocates an available loopback TCP port for an adapter to
// listen on, by opening and immediately closing a listener on port 0.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("adapter: find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Connect dials an adapter's loopback DAP port with retries, since the
// process may still be starting its listener.
func Connect(ctx context.Context, logger log.Logger, port int, dialTimeout time.Duration) (*dapclient.Client, error) {
	c := dapclient.NewClient(logger)
	if err := c.Connect(ctx, "127.0.0.1", port, dialTimeout); err != nil {
		return nil, fmt.Errorf("adapter: connect to 127.0.0.1:%d: %w", port, err)
	}
	return c, nil
}

// SpawnAndConnect starts the adapter via strategy.Spawn, connects to it,
// and kills the spawned process if the connection never comes up.
func SpawnAndConnect(ctx context.Context, logger log.Logger, strategy Strategy, runtimePath string, opts types.LaunchOptions) (*dapclient.Client, *exec.Cmd, int, error) {
	port, err := FindFreePort()
	if err != nil {
		return nil, nil, 0, err
	}

	cmd, err := strategy.Spawn(ctx, runtimePath, port, opts)
	if err != nil {
		return nil, nil, 0, err
	}

	client, err := Connect(ctx, logger, port, 10*time.Second)
	if err != nil {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, nil, 0, err
	}
	return client, cmd, port, nil
}
