// Package watcher turns fsnotify events into debounced create/change/delete
// notifications for the local ingest index.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sembridge/sembridge/localindex"
)

type EventType int

const (
	EventCreate EventType = iota
	EventChange
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventChange:
		return "CHANGE"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one debounced filesystem notification. Path is absolute.
type FileEvent struct {
	Type EventType
	Path string
}

// Watcher monitors a workspace root recursively and emits debounced events
// for paths the ignore matcher does not exclude.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	ignore   *localindex.IgnoreMatcher
	debounce time.Duration
	events   chan FileEvent
	done     chan struct{}

	pending   map[string]FileEvent
	pendingMu sync.Mutex
	timer     *time.Timer
}

func NewWatcher(root string, ignore *localindex.IgnoreMatcher, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     root,
		watcher:  fsw,
		ignore:   ignore,
		debounce: debounce,
		events:   make(chan FileEvent, 100),
		done:     make(chan struct{}),
		pending:  make(map[string]FileEvent),
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if !info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if relPath != "." && w.ignore.ShouldIgnore(relPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			log.Printf("Failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	if w.ignore.ShouldIgnore(relPath) {
		return
	}

	var evType EventType
	switch {
	case event.Has(fsnotify.Create):
		evType = EventCreate
		// New directories need watches of their own; events for files
		// created inside them before the watch lands are caught by the
		// next reconcile.
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	case event.Has(fsnotify.Write):
		evType = EventChange
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		evType = EventDelete
	default:
		return
	}

	w.debounceEvent(FileEvent{Type: evType, Path: event.Name})
}

func (w *Watcher) debounceEvent(event FileEvent) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	// A delete followed by a quick recreate must stay a delete+create pair,
	// so a pending delete is never overwritten.
	existing, exists := w.pending[event.Path]
	if !exists || existing.Type != EventDelete || event.Type == EventDelete {
		w.pending[event.Path] = event
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	events := make([]FileEvent, 0, len(w.pending))
	for _, event := range w.pending {
		events = append(events, event)
	}
	w.pending = make(map[string]FileEvent)
	w.pendingMu.Unlock()

	for _, event := range events {
		select {
		case w.events <- event:
		default:
			log.Printf("Event channel full, dropping event for %s", event.Path)
		}
	}
}
