//go:build windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window and detaches llama-server from
// the console's Ctrl-C group.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
