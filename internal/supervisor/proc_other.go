//go:build !unix

package supervisor

import "syscall"

var (
	sigTerm = syscall.Signal(0xf)
	sigKill = syscall.Signal(0x9)
)

func platformSupported() bool { return false }

func sysProcAttr() *syscall.SysProcAttr { return nil }

func signalGroup(pid int, sig syscall.Signal) error { return nil }
