// Package statestore persists the per-file ingest state table for one
// workspace. The table is single-writer per process; writes are
// last-write-wins per path.
package statestore

import (
	"context"
	"time"
)

// EligibilityState classifies a tracked file for local ingestion.
type EligibilityState int

const (
	// StateUndetermined means the file has been observed but not yet
	// evaluated, or its content changed since the last evaluation.
	StateUndetermined EligibilityState = iota
	StateEligible
	StateIneligible
)

func (s EligibilityState) String() string {
	switch s {
	case StateUndetermined:
		return "undetermined"
	case StateEligible:
		return "eligible"
	case StateIneligible:
		return "ineligible"
	default:
		return "unknown"
	}
}

// FileRecord is the persisted state of one tracked file. Path is the
// normalized absolute path and the unique key. Revision increases on every
// mutation so readers can detect stale cache entries.
type FileRecord struct {
	Path     string           `json:"path"`
	Size     int64            `json:"size"`
	ModTime  time.Time        `json:"mod_time"`
	Digest   string           `json:"digest"`
	State    EligibilityState `json:"state"`
	Revision uint64           `json:"revision"`
}

// Store is the persistence backend for the file-state table.
type Store interface {
	// Get retrieves a record by path. Returns nil if absent.
	Get(ctx context.Context, path string) (*FileRecord, error)

	// Put stores a record, replacing any previous one for the same path.
	Put(ctx context.Context, rec FileRecord) error

	// Delete removes the record for a path. Missing paths are not an error.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every record whose path has the given prefix.
	// Returns the number of records removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// All returns every record in the table.
	All(ctx context.Context) ([]FileRecord, error)

	// Load reads the table from persistent storage.
	Load(ctx context.Context) error

	// Persist writes the table to persistent storage.
	Persist(ctx context.Context) error

	// Close cleanly shuts down the store.
	Close() error
}
