//go:build unix

package process

import "syscall"

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func shellCommand(line string) (string, []string) {
	return "/bin/sh", []string{"-c", line}
}
