//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the daemon in a new process group so that
// termination reaches any helpers it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
