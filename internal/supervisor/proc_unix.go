//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Workers get their own session so the whole group can be signalled.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

func killPIDs(pids []int) {
	for _, p := range pids {
		_ = unix.Kill(p, unix.SIGKILL)
	}
}

func classify(ps *os.ProcessState, waitErr error) exitInfo {
	if ps == nil {
		return exitInfo{code: -1}
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		code := ps.ExitCode()
		return exitInfo{code: code, clean: code == 0 && waitErr == nil}
	}
	if ws.Signaled() {
		sig := ws.Signal()
		return exitInfo{
			code:   128 + int(sig),
			signal: unix.SignalName(sig),
			clean:  sig == syscall.SIGTERM || sig == syscall.SIGKILL,
		}
	}
	code := ws.ExitStatus()
	return exitInfo{code: code, clean: code == 0}
}
