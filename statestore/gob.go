package statestore

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sembridge/sembridge/internal/fileutil"
)

// GOBStore keeps the file-state table in memory and snapshots it to a gob
// file. An advisory file lock guards the snapshot against a concurrent
// process reading a half-written file.
type GOBStore struct {
	tablePath string
	lockPath  string
	records   map[string]FileRecord // path -> record
	mu        sync.RWMutex
}

type gobData struct {
	Records map[string]FileRecord
}

func NewGOBStore(tablePath string) *GOBStore {
	return &GOBStore{
		tablePath: tablePath,
		lockPath:  tablePath + ".lock",
		records:   make(map[string]FileRecord),
	}
}

func (s *GOBStore) Get(ctx context.Context, path string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[path]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *GOBStore) Put(ctx context.Context, rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Path] = rec
	return nil
}

func (s *GOBStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, path)
	return nil
}

func (s *GOBStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for path := range s.records {
		if strings.HasPrefix(path, prefix) {
			delete(s.records, path)
			removed++
		}
	}
	return removed, nil
}

func (s *GOBStore) All(ctx context.Context) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *GOBStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Shared (read) file lock for cross-process safety; proceed unlocked if
	// the lock file cannot be used.
	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.loadUnlocked()
	}
	defer lockFile.Close()

	if err := fileutil.FlockShared(lockFile, false); err != nil {
		return s.loadUnlocked()
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	return s.loadUnlocked()
}

func (s *GOBStore) loadUnlocked() error {
	file, err := os.Open(s.tablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open state table: %w", err)
	}
	defer file.Close()

	var data gobData
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("failed to decode state table: %w", err)
	}

	s.records = data.Records
	if s.records == nil {
		s.records = make(map[string]FileRecord)
	}
	return nil
}

func (s *GOBStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Exclusive (write) file lock; proceed unlocked on failure.
	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.persistUnlocked()
	}
	defer lockFile.Close()

	if err := fileutil.FlockExclusive(lockFile, false); err != nil {
		return s.persistUnlocked()
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	return s.persistUnlocked()
}

// persistUnlocked writes a full snapshot to a temp file and swaps it in, so a
// crash mid-write never leaves a truncated table behind.
func (s *GOBStore) persistUnlocked() error {
	if err := fileutil.EnsureParentDir(s.tablePath); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := s.tablePath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(gobData{Records: s.records}); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode state table: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state table: %w", err)
	}

	if err := fileutil.ReplaceFileAtomically(tmpPath, s.tablePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state table: %w", err)
	}
	return nil
}

func (s *GOBStore) Close() error {
	return s.Persist(context.Background())
}
