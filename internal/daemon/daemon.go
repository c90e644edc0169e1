// Package daemon controls the background michi process through a pid file:
// start detaches `michi serve`, stop signals it, status reads the file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is the process state reported to the CLI.
type State string

const (
	Running State = "Running"
	Stopped State = "Stopped"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when a live process owns the file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// Status describes the daemon process.
type Status struct {
	State   State  `json:"state"`
	PID     int    `json:"pid,omitempty"`
	PIDFile string `json:"pid_file"`
	Message string `json:"message,omitempty"`
}

func (s Status) String() string {
	out := string(s.State)
	if s.PID > 0 {
		out += fmt.Sprintf(" (pid %d)", s.PID)
	}
	if s.Message != "" {
		out += ": " + s.Message
	}
	return out
}

// Controller starts and stops the daemon.
type Controller struct {
	// PIDFile is written by the serving process and read by everyone else.
	PIDFile string
	// LogFile receives the detached process's stdout and stderr.
	LogFile string
	// Executable defaults to the running binary.
	Executable string
	// Args default to ["serve"].
	Args []string
	// Env is appended to the current environment of the child.
	Env []string
	// StartTimeout bounds the wait for the child to write its pid file.
	StartTimeout time.Duration
	// StopTimeout bounds the wait after SIGTERM before SIGKILL is sent.
	StopTimeout time.Duration

	Logger *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Status reads the pid file. A file naming a dead process reports Stopped.
func (c *Controller) Status() (Status, error) {
	pid, err := ReadPID(c.PIDFile)
	if errors.Is(err, os.ErrNotExist) {
		return Status{State: Stopped, PIDFile: c.PIDFile}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if !processAlive(pid) {
		return Status{State: Stopped, PIDFile: c.PIDFile, Message: fmt.Sprintf("stale pid file (pid %d)", pid)}, nil
	}
	return Status{State: Running, PID: pid, PIDFile: c.PIDFile}, nil
}

// Start launches the daemon in the background and waits for it to write its
// pid file. Starting a running daemon succeeds without doing anything.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	st, err := c.Status()
	if err != nil {
		return Status{}, err
	}
	if st.State == Running {
		st.Message = "already running"
		return st, nil
	}
	if st.Message != "" {
		_ = os.Remove(c.PIDFile)
	}

	exe := c.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return Status{}, fmt.Errorf("daemon: locate executable: %w", err)
		}
	}
	args := c.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}

	if err := os.MkdirAll(filepath.Dir(c.PIDFile), 0o750); err != nil {
		return Status{}, fmt.Errorf("daemon: create pid dir: %w", err)
	}
	logPath := c.LogFile
	if logPath == "" {
		logPath = os.DevNull
	} else if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return Status{}, fmt.Errorf("daemon: create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // operator-configured path
	if err != nil {
		return Status{}, fmt.Errorf("daemon: open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(exe, args...) //nolint:gosec // re-exec of our own binary
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return Status{}, fmt.Errorf("daemon: start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	c.logger().Info("daemon starting", "pid", pid, "log_file", logPath)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timeout := c.StartTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case err := <-exited:
			return Status{State: Stopped, PIDFile: c.PIDFile}, fmt.Errorf("daemon: process exited during startup (see %s): %v", logPath, err)
		case <-deadline.C:
			return Status{State: Running, PID: pid, PIDFile: c.PIDFile, Message: "started but did not report ready"},
				fmt.Errorf("daemon: pid file not written within %s", timeout)
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-tick.C:
			if got, err := ReadPID(c.PIDFile); err == nil && got == pid {
				return Status{State: Running, PID: pid, PIDFile: c.PIDFile, Message: "started"}, nil
			}
		}
	}
}

// Stop sends SIGTERM and waits for the process to exit, escalating to
// SIGKILL after StopTimeout. Stopping a stopped daemon succeeds.
func (c *Controller) Stop(ctx context.Context) (Status, error) {
	st, err := c.Status()
	if err != nil {
		return Status{}, err
	}
	if st.State == Stopped {
		if st.Message != "" {
			_ = os.Remove(c.PIDFile)
		}
		st.Message = "not running"
		return st, nil
	}

	pid := st.PID
	if err := terminate(pid); err != nil {
		return Status{}, fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}
	c.logger().Info("daemon stopping", "pid", pid)

	timeout := c.StopTimeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	if err := waitExit(ctx, pid, timeout); err != nil {
		c.logger().Warn("daemon did not stop in time, killing", "pid", pid, "timeout", timeout)
		if kerr := kill(pid); kerr != nil {
			return Status{}, fmt.Errorf("daemon: kill pid %d: %w", pid, kerr)
		}
		if err := waitExit(ctx, pid, 5*time.Second); err != nil {
			return Status{}, fmt.Errorf("daemon: pid %d still alive after kill", pid)
		}
	}
	if cur, err := ReadPID(c.PIDFile); err == nil && cur == pid {
		_ = os.Remove(c.PIDFile)
	}
	return Status{State: Stopped, PID: pid, PIDFile: c.PIDFile, Message: "stopped"}, nil
}

// Restart stops the daemon if it is running and starts it again.
func (c *Controller) Restart(ctx context.Context) (Status, error) {
	if _, err := c.Stop(ctx); err != nil {
		return Status{}, err
	}
	return c.Start(ctx)
}

func waitExit(ctx context.Context, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon: pid %d still alive", pid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// ReadPID parses the pid file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: malformed pid file %s", path)
	}
	return pid, nil
}

// AcquirePIDFile records the current process in path. It fails with
// ErrAlreadyRunning when another live process owns the file; stale files are
// replaced. The returned func removes the file if it still names us.
func AcquirePIDFile(path string) (func(), error) {
	if pid, err := ReadPID(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("daemon: create pid dir: %w", err)
	}
	self := os.Getpid()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(self)+"\n"), 0o640); err != nil { //nolint:gosec // pid files are not secret
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	return func() {
		if pid, err := ReadPID(path); err == nil && pid == self {
			_ = os.Remove(path)
		}
	}, nil
}
