//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts llama-server in its own process group so a Ctrl-C
// delivered to the terminal does not reach it before Close runs.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
