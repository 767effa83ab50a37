//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func killPIDs(pids []int) {
	for _, pid := range pids {
		_ = kill(pid)
	}
}

func classify(ps *os.ProcessState, _ error) exitInfo {
	if ps == nil {
		return exitInfo{code: -1}
	}
	code := ps.ExitCode()
	return exitInfo{code: code, clean: code == 0}
}
