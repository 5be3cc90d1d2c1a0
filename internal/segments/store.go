// Package segments persists the segment lists of in-progress recordings so
// they survive process restarts. Each logical recording is keyed by the base
// name of its original file; the value is the ordered list of segment paths
// captured since that file was last finalized.
package segments

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// keyPrefix namespaces store keys. It matches the prefix used by earlier
// releases so pending segments from an old process are still found.
const keyPrefix = "voice_recorder_segments_"

const storeFileName = "segments.yaml"

// Store is a durable mapping from recording keys to ordered segment paths.
// All methods are safe for concurrent use.
type Store struct {
	path string

	mu       sync.Mutex
	keyLocks map[string]chan struct{}
}

// NewStore opens (creating if needed) the segment store under stateDir.
func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Store{
		path:     filepath.Join(stateDir, storeFileName),
		keyLocks: make(map[string]chan struct{}),
	}, nil
}

// KeyFor derives the store key for a recording from its original file path.
// The key depends only on the file's base name, so any process told the same
// path finds the same pending segments.
func KeyFor(originalPath string) string {
	return keyPrefix + filepath.Base(originalPath)
}

// Append records a new segment path under key, preserving insertion order.
// Appending a path that is already present is a no-op.
func (s *Store) Append(key, segmentPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range entries[key] {
		if existing == segmentPath {
			return nil
		}
	}
	entries[key] = append(entries[key], segmentPath)
	return s.save(entries)
}

// Load returns the ordered segment paths stored under key. Paths whose files
// no longer exist or are empty are pruned from the store before returning.
func (s *Store) Load(key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	stored := entries[key]
	kept := make([]string, 0, len(stored))
	for _, path := range stored {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			slog.Debug("Pruning stale segment", "key", key, "path", path)
			continue
		}
		kept = append(kept, path)
	}

	if len(kept) != len(stored) {
		if len(kept) == 0 {
			delete(entries, key)
		} else {
			entries[key] = kept
		}
		if err := s.save(entries); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// Has reports whether any segments are pending under key, after pruning.
func (s *Store) Has(key string) (bool, error) {
	paths, err := s.Load(key)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// Clear removes the entry for key.
func (s *Store) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return s.save(entries)
}

// LockKey acquires the per-key lock that serializes load → merge → clear
// sequences against other callers targeting the same recording. It blocks
// until the lock is free or ctx expires, and returns the release function.
func (s *Store) LockKey(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.keyLocks[key] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for segment lock on %s: %w", key, ctx.Err())
	}
}

// load reads the backing file. A missing file is an empty store.
func (s *Store) load() (map[string][]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]string), nil
		}
		return nil, fmt.Errorf("reading segment store: %w", err)
	}

	entries := make(map[string][]string)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing segment store: %w", err)
	}
	return entries, nil
}

// save writes the store atomically: a temp file in the same directory is
// renamed over the old one, so a crash never leaves a half-written store.
func (s *Store) save(entries map[string][]string) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding segment store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing segment store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing segment store: %w", err)
	}
	return nil
}
