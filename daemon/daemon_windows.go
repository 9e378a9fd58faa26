//go:build windows
// +build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

var (
	kernel32                = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess         = kernel32.NewProc("OpenProcess")
	procCloseHandle         = kernel32.NewProc("CloseHandle")
	processQueryLimitedInfo = uint32(0x1000)
)

// IsProcessRunning probes process existence with a minimal-access handle.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	handle, _, _ := procOpenProcess.Call(
		uintptr(processQueryLimitedInfo),
		uintptr(0),
		uintptr(pid),
	)
	if handle == 0 {
		return false
	}
	procCloseHandle.Call(handle)
	return true
}

// sysProcAttr returns nil: no special attributes are needed on Windows.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// livenessCheck polls on Windows since ExtraFiles is not supported. Windows
// has no zombie processes, so IsProcessRunning is reliable.
type livenessCheck struct{}

func newLivenessCheck() (*livenessCheck, error) {
	return &livenessCheck{}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {}

func (l *livenessCheck) start(pid int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			time.Sleep(250 * time.Millisecond)
			if !IsProcessRunning(pid) {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (l *livenessCheck) cleanup() {}

const (
	stopFilePrefix   = "sembridge-stop-"
	stopPollInterval = 500 * time.Millisecond
)

func stopFilePath(pid int) (string, error) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, fmt.Sprintf("%s%d", stopFilePrefix, pid)), nil
}

// StopProcess writes a sentinel stop file that the daemon polls for.
// os.Interrupt cannot be delivered cross-console on Windows.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}

	path, err := stopFilePath(pid)
	if err != nil {
		return fmt.Errorf("failed to determine stop file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0600); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// StopChannel closes when a stop file appears for the current process. A
// stale stop file from a previous run that reused this PID is removed first.
func StopChannel() <-chan struct{} {
	ch := make(chan struct{})
	pid := os.Getpid()

	path, err := stopFilePath(pid)
	if err != nil {
		return ch
	}
	_ = os.Remove(path)

	go func() {
		for {
			time.Sleep(stopPollInterval)
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				close(ch)
				return
			}
		}
	}()
	return ch
}
