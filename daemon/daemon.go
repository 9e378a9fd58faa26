// Package daemon manages the background watch process: PID file handling,
// process spawning, and shutdown signalling.
//
// The PID file contains a single line with the process ID as a decimal
// integer. PID file writes are serialized with a file lock so two watchers
// cannot start for the same log directory at once. Platform-specific behavior
// lives in daemon_unix.go and daemon_windows.go.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sembridge/sembridge/internal/fileutil"
)

const (
	pidFileName   = "sembridge-watch.pid"
	logFileName   = "sembridge-watch.log"
	readyFileName = "sembridge-watch.ready"

	// BackgroundEnv marks a process as the spawned background child.
	BackgroundEnv = "SEMBRIDGE_BACKGROUND"
)

// GetDefaultLogDir returns the OS-specific directory for PID and log files:
// $XDG_STATE_HOME/sembridge/logs (Linux), ~/Library/Logs/sembridge (macOS),
// %LOCALAPPDATA%\sembridge\logs (Windows). The directory may not exist yet.
func GetDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "sembridge"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "sembridge", "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "sembridge", "logs"), nil
	default:
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "sembridge", "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "sembridge", "logs"), nil
	}
}

// WritePIDFile records the current process ID. The startup lock is held for
// the lifetime of the process and released by the OS on exit.
func WritePIDFile(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := filepath.Join(logDir, pidFileName)
	lockPath := pidPath + ".lock"

	lockFh, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := fileutil.FlockExclusive(lockFh, true); err != nil {
		lockFh.Close()
		return fmt.Errorf("another sembridge watch process is starting (lock held)")
	}

	tmpPath := pidPath + ".tmp"
	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		lockFh.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := fileutil.ReplaceFileAtomically(tmpPath, pidPath); err != nil {
		os.Remove(tmpPath)
		lockFh.Close()
		return fmt.Errorf("failed to replace PID file: %w", err)
	}

	// lockFh intentionally stays open; the OS drops the lock on exit.
	return nil
}

// ReadPIDFile returns the recorded PID, or 0 when no PID file exists. It does
// not check whether the process is alive; use GetRunningPID for that.
func ReadPIDFile(logDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(logDir, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file and its lock file.
func RemovePIDFile(logDir string) error {
	pidPath := filepath.Join(logDir, pidFileName)
	_ = os.Remove(pidPath + ".lock")

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the live background watcher, or 0. Stale
// PID files left by a dead process are cleaned up along the way.
func GetRunningPID(logDir string) (int, error) {
	pid, err := ReadPIDFile(logDir)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}

	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(logDir)
		return 0, nil
	}
	return pid, nil
}

// WriteReadyFile marks the daemon as fully initialized. Called after the
// initial reconcile completes.
func WriteReadyFile(logDir string) error {
	readyPath := filepath.Join(logDir, readyFileName)
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(readyPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the ready marker.
func RemoveReadyFile(logDir string) error {
	readyPath := filepath.Join(logDir, readyFileName)
	if err := os.Remove(readyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady reports whether the ready marker exists.
func IsReady(logDir string) bool {
	_, err := os.Stat(filepath.Join(logDir, readyFileName))
	return err == nil
}

// LogFilePath returns where the background watcher writes its output.
func LogFilePath(logDir string) string {
	return filepath.Join(logDir, logFileName)
}

// SpawnBackground re-executes the current binary detached, with stdout and
// stderr redirected to the watch log and BackgroundEnv set. Returns the child
// PID and a channel that closes when the child exits, so callers can detect
// early startup failures.
func SpawnBackground(logDir string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(LogFilePath(logDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), BackgroundEnv+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	return cmd.Process.Pid, liveness.start(cmd.Process.Pid), nil
}
