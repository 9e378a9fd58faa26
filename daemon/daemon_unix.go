//go:build !windows
// +build !windows

package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// IsProcessRunning checks for a live process via signal 0, which probes
// existence without delivering anything.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// sysProcAttr detaches the child from the parent's process group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// livenessCheck uses a pipe to detect child exit. The write end is inherited
// by the child; when the child exits the kernel closes its FDs and the
// parent's read end sees EOF. Works regardless of zombie state.
type livenessCheck struct {
	pr, pw *os.File
}

func newLivenessCheck() (*livenessCheck, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness pipe: %w", err)
	}
	return &livenessCheck{pr: pr, pw: pw}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{l.pw}
}

// start closes the write end in the parent and begins monitoring. The
// returned channel closes when the child exits.
func (l *livenessCheck) start(_ int) <-chan struct{} {
	l.pw.Close()
	ch := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		if _, err := l.pr.Read(buf); err != nil && err != io.EOF {
			// Any unblock means the child is gone.
			_ = err
		}
		l.pr.Close()
		close(ch)
	}()
	return ch
}

func (l *livenessCheck) cleanup() {
	l.pr.Close()
	l.pw.Close()
}

// StopProcess sends SIGINT to request a graceful shutdown. It returns as soon
// as the signal is sent; callers poll IsProcessRunning to confirm exit.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// StopChannel never fires on Unix; shutdown arrives through os/signal.
func StopChannel() <-chan struct{} {
	return make(chan struct{})
}
