package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sembridge/sembridge/daemon"
	"github.com/sembridge/sembridge/localindex"
	"github.com/sembridge/sembridge/remote"
	"github.com/sembridge/sembridge/watcher"
)

var (
	watchBackground bool
	watchStatus     bool
	watchStop       bool
	watchLogDir     string
)

// publishRunner lets tests substitute the publisher.
type publishRunner interface {
	Publish(ctx context.Context) (*remote.PublishStats, error)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the workspace and publish changes after quiet periods",
	Long: `Monitor filesystem events, keep per-file eligibility state current, and
publish to the remote fileset once the workspace has been quiet for the
configured interval. Runs in the foreground by default; stop with Ctrl-C.

Background mode:
  sembridge watch --background    Run detached, logging to the state directory
  sembridge watch --status        Check whether a background watcher is running
  sembridge watch --stop          Stop the background watcher`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Run in background mode")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "Show background watcher status")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the background watcher")
	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "Directory for PID and log files (default: OS-specific)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	active := 0
	for _, flag := range []bool{watchBackground, watchStatus, watchStop} {
		if flag {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("flags --background, --status, and --stop are mutually exclusive")
	}

	logDir := watchLogDir
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to get default log directory: %w", err)
		}
	}

	switch {
	case watchStatus:
		return showWatchStatus(logDir)
	case watchStop:
		return stopWatchDaemon(logDir)
	case watchBackground:
		return spawnWatchDaemon(logDir)
	}
	return runWatchForeground(cmd.Context(), logDir)
}

func showWatchStatus(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Println("No background watcher is running")
		return nil
	}
	state := "starting"
	if daemon.IsReady(logDir) {
		state = "ready"
	}
	fmt.Printf("Background watcher is running (PID %d, %s)\n", pid, state)
	fmt.Printf("Log file: %s\n", daemon.LogFilePath(logDir))
	return nil
}

func stopWatchDaemon(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Println("No background watcher is running")
		return nil
	}

	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop watcher: %w", err)
	}

	// Give the process a moment to exit gracefully before reporting.
	for i := 0; i < 20; i++ {
		if !daemon.IsProcessRunning(pid) {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	_ = daemon.RemovePIDFile(logDir)
	_ = daemon.RemoveReadyFile(logDir)
	fmt.Printf("Stopped background watcher (PID %d)\n", pid)
	return nil
}

func spawnWatchDaemon(logDir string) error {
	if pid, err := daemon.GetRunningPID(logDir); err != nil {
		return err
	} else if pid > 0 {
		fmt.Printf("Background watcher is already running (PID %d)\n", pid)
		return nil
	}

	childArgs := []string{"watch"}
	if watchLogDir != "" {
		childArgs = append(childArgs, "--log-dir", watchLogDir)
	}
	pid, exitCh, err := daemon.SpawnBackground(logDir, childArgs)
	if err != nil {
		return err
	}

	// An immediate exit means startup failed; surface it here instead of
	// leaving the user to find the log later.
	select {
	case <-exitCh:
		return fmt.Errorf("background watcher exited during startup, see %s", daemon.LogFilePath(logDir))
	case <-time.After(2 * time.Second):
	}

	fmt.Printf("Started background watcher (PID %d)\n", pid)
	fmt.Printf("Log file: %s\n", daemon.LogFilePath(logDir))
	return nil
}

func runWatchForeground(parent context.Context, logDir string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	background := os.Getenv(daemon.BackgroundEnv) == "1"
	if background {
		if err := daemon.WritePIDFile(logDir); err != nil {
			return err
		}
		defer func() {
			_ = daemon.RemoveReadyFile(logDir)
			_ = daemon.RemovePIDFile(logDir)
		}()
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	matcher, err := localindex.NewIgnoreMatcher(ws.root, ws.cfg.Ignore)
	if err != nil {
		return fmt.Errorf("failed to build ignore matcher: %w", err)
	}

	debounce := time.Duration(ws.cfg.Watch.DebounceMs) * time.Millisecond
	w, err := watcher.NewWatcher(ws.root, matcher, debounce)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	fmt.Printf("Watching %s (fileset %s)\n", ws.root, ws.fileset)

	// Initial pass so the first publish covers files changed while the
	// watcher was not running.
	if _, err := ws.index.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile failed: %w", err)
	}
	publisher := ws.publisher()
	publish(ctx, publisher)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if background {
		if err := daemon.WriteReadyFile(logDir); err != nil {
			log.Printf("Failed to write ready file: %v", err)
		}
	}

	quiet := time.Duration(ws.cfg.Watch.SyncQuietSec) * time.Second
	quietTimer := time.NewTimer(quiet)
	quietTimer.Stop()
	dirty := false
	stopCh := daemon.StopChannel()

	for {
		select {
		case <-ctx.Done():
			return shutdownWatch(publisher, dirty)
		case <-stopCh:
			return shutdownWatch(publisher, dirty)

		case event := <-w.Events():
			switch event.Type {
			case watcher.EventCreate:
				ws.index.OnCreate(ctx, event.Path)
			case watcher.EventChange:
				ws.index.OnChange(ctx, event.Path)
			case watcher.EventDelete:
				ws.index.OnDelete(ctx, event.Path)
			}
			dirty = true
			quietTimer.Reset(quiet)

		case <-quietTimer.C:
			if dirty {
				dirty = false
				publish(ctx, publisher)
			}
		}
	}
}

// shutdownWatch flushes pending changes with a fresh context; the watch
// context is already cancelled by the time we get here.
func shutdownWatch(publisher publishRunner, dirty bool) error {
	fmt.Println("\nShutting down...")
	if dirty {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		publish(flushCtx, publisher)
		cancel()
	}
	return nil
}

// publish runs one publish round, logging instead of failing: transient remote
// errors are retried at the next quiet period.
func publish(ctx context.Context, p publishRunner) {
	stats, err := p.Publish(ctx)
	if err != nil {
		log.Printf("Publish failed (will retry after next change): %v", err)
		return
	}
	if stats.UpToDate {
		log.Printf("Remote fileset up to date (%d candidates)", stats.Candidates)
		return
	}
	log.Printf("Published %d of %d candidates (%d skipped) in %v",
		stats.Uploaded, stats.Candidates, stats.Skipped, stats.Duration.Round(timeRound))
}
