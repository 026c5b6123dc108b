//go:build !unix

package services

import "os/exec"

// 非 unix 平台只杀死 acme.sh 本身，子进程由 WaitDelay 兜底
func killProcessGroupOnCancel(*exec.Cmd) {}
