package session

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xhd2015/agent-debugger/internal/types"
)

// ParseBreakpointSpec parses the `file:line[:condition]` grammar used by
// the CLI's --break flag. Condition may itself contain ':' — everything
// after the second colon joins back on ':'. Malformed specs are silently
// skipped (acknowledged lenient behavior, see design notes open question
// (b)) by returning ok=false rather than an error.
func ParseBreakpointSpec(spec string) (types.Breakpoint, bool) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return types.Breakpoint{}, false
	}

	file := parts[0]
	if file == "" {
		return types.Breakpoint{}, false
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return types.Breakpoint{}, false
	}

	line, err := strconv.Atoi(parts[1])
	if err != nil || line < 1 {
		return types.Breakpoint{}, false
	}

	bp := types.Breakpoint{File: abs, Line: line}
	if len(parts) == 3 {
		bp.Condition = parts[2]
	}
	return bp, true
}

// ParseBreakpointSpecs parses a batch of specs, skipping malformed ones.
func ParseBreakpointSpecs(specs []string) []types.Breakpoint {
	var out []types.Breakpoint
	for _, spec := range specs {
		if bp, ok := ParseBreakpointSpec(spec); ok {
			out = append(out, bp)
		}
	}
	return out
}
