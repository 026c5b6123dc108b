//go:build unix

package services

import (
	"os/exec"
	"syscall"
)

// killProcessGroupOnCancel 让 acme.sh 在独立进程组中运行，取消时连同 sleep、curl 等子进程一起杀死
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
