//go:build windows

package bootstrap

import (
	"os/exec"
	"syscall"
)

const detachedProcess = 0x00000008

func detachProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
	}
}
