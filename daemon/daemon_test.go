package daemon

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func skipIfWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("file locking semantics differ on Windows")
	}
}

func TestGetDefaultLogDir(t *testing.T) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		t.Fatalf("GetDefaultLogDir() failed: %v", err)
	}
	if !filepath.IsAbs(logDir) {
		t.Errorf("expected absolute path, got: %s", logDir)
	}
	if !strings.Contains(logDir, "sembridge") {
		t.Errorf("expected path to contain 'sembridge', got: %s", logDir)
	}
}

func TestWriteAndReadPIDFile(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	pid, err := ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}
}

func TestReadPIDFileNotExists(t *testing.T) {
	pid, err := ReadPIDFile(t.TempDir())
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("ReadPIDFile() = %d, want 0 for missing file", pid)
	}
}

func TestReadPIDFileCorrupt(t *testing.T) {
	logDir := t.TempDir()
	pidPath := filepath.Join(logDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte("not-a-number\n"), 0600); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	if _, err := ReadPIDFile(logDir); err == nil {
		t.Error("expected error for corrupt PID file")
	}
}

func TestRemovePIDFile(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(logDir, pidFileName)); !os.IsNotExist(err) {
		t.Error("PID file still exists after removal")
	}

	// Removing again is not an error.
	if err := RemovePIDFile(logDir); err != nil {
		t.Errorf("second RemovePIDFile() failed: %v", err)
	}
}

func TestGetRunningPIDCleansStaleFile(t *testing.T) {
	logDir := t.TempDir()

	// A PID that cannot be running: the max value most systems reserve far
	// below.
	pidPath := filepath.Join(logDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte("999999999\n"), 0600); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	pid, err := GetRunningPID(logDir)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("GetRunningPID() = %d, want 0 for dead process", pid)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("stale PID file was not cleaned up")
	}
}

func TestGetRunningPIDCurrentProcess(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	pid, err := GetRunningPID(logDir)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("GetRunningPID() = %d, want %d", pid, os.Getpid())
	}
}

func TestReadyFileLifecycle(t *testing.T) {
	logDir := t.TempDir()

	if IsReady(logDir) {
		t.Error("IsReady() true before WriteReadyFile")
	}
	if err := WriteReadyFile(logDir); err != nil {
		t.Fatalf("WriteReadyFile() failed: %v", err)
	}
	if !IsReady(logDir) {
		t.Error("IsReady() false after WriteReadyFile")
	}
	if err := RemoveReadyFile(logDir); err != nil {
		t.Fatalf("RemoveReadyFile() failed: %v", err)
	}
	if IsReady(logDir) {
		t.Error("IsReady() true after RemoveReadyFile")
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning() false for current process")
	}
	if IsProcessRunning(0) {
		t.Error("IsProcessRunning() true for PID 0")
	}
	if IsProcessRunning(-1) {
		t.Error("IsProcessRunning() true for negative PID")
	}
}
