package adapter

import (
	"os/exec"
	"syscall"
)

// setNewProcessGroup puts cmd in its own process group so the session can
// signal the whole group at close time. Some adapters — debugpy in
// particular — fork a child interpreter that a plain Process.Kill would
// leave orphaned.
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
