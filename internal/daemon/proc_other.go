//go:build !unix

package daemon

import (
	"errors"
	"os"
	"os/exec"
)

var errUnsupported = errors.New("daemon: background mode is only supported on unix; use michi serve")

func detach(*exec.Cmd) {}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	return err == nil && p != nil
}

func terminate(int) error { return errUnsupported }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
