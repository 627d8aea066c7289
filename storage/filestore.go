package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ruteri/wallet-kms/interfaces"
)

// FileStoreVersion is the document version written by FileStore.
const FileStoreVersion = 1

var (
	// ErrStoreIO is returned when the store file cannot be read or written.
	ErrStoreIO = errors.New("store I/O failure")

	// ErrStoreFormat is returned when the store file cannot be parsed or a
	// value cannot be serialized.
	ErrStoreFormat = errors.New("store format error")
)

// Wiper is implemented by values that hold sensitive bytes. FileStore calls
// Wipe on values that were overwritten, deleted or cleared, so a replacement
// value must not share memory with the value it replaces.
type Wiper interface {
	Wipe()
}

// Cloner is implemented by values that share memory with their copies. Get
// returns a clone of such values so a later overwrite, which wipes the stored
// value, cannot touch what a reader holds.
type Cloner[V any] interface {
	Clone() V
}

type fileDocument[K interfaces.StoreKey[K], V any] struct {
	Version int     `json:"version"`
	Entries map[K]V `json:"entries"`
}

// FileStore is a KVStore persisted as a single JSON document. Every mutation
// rewrites the whole document to a temp file, fsyncs it and renames it over
// the store file while holding the write lock.
type FileStore[K interfaces.StoreKey[K], V any] struct {
	mu      sync.RWMutex
	path    string
	entries map[K]V
	log     *slog.Logger
}

var _ interfaces.KVStore[interfaces.KeyHandle, struct{}] = (*FileStore[interfaces.KeyHandle, struct{}])(nil)

// NewFileStore opens the store at path. An existing file must parse; a missing
// file is created immediately so unwritable paths fail here rather than on the
// first write.
func NewFileStore[K interfaces.StoreKey[K], V any](path string, log *slog.Logger) (*FileStore[K, V], error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &FileStore[K, V]{
		path:    path,
		entries: make(map[K]V),
		log:     log,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: create directory: %w", ErrStoreIO, err)
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		log.Debug("Created store file", slog.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %w", ErrStoreIO, path, err)
	}

	var doc fileDocument[K, V]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrStoreFormat, path, err)
	}
	if doc.Version != FileStoreVersion {
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrStoreFormat, doc.Version, path)
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}

	log.Debug("Loaded store file",
		slog.String("path", path),
		slog.Int("entries", len(s.entries)))
	return s, nil
}

// Path returns the store file path.
func (s *FileStore[K, V]) Path() string {
	return s.path
}

// Get returns the value stored under key.
func (s *FileStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if c, isCloner := any(value).(Cloner[V]); ok && isCloner {
		return c.Clone(), true
	}
	return value, ok
}

// Set inserts or overwrites key. If persisting fails the in-memory map is
// rolled back and the previous file is left untouched.
func (s *FileStore[K, V]) Set(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setLocked(key, value)
}

// SetIf is Set guarded by check. check runs under the write lock against the
// current entries and must not modify them; a non-nil result is returned as
// is and nothing is written.
func (s *FileStore[K, V]) SetIf(key K, value V, check func(entries map[K]V) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := check(s.entries); err != nil {
		return err
	}
	return s.setLocked(key, value)
}

func (s *FileStore[K, V]) setLocked(key K, value V) error {
	previous, existed := s.entries[key]
	s.entries[key] = value

	if err := s.persistLocked(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}

	if existed {
		wipe(previous)
	}
	return nil
}

// Delete removes key and reports whether it was present.
func (s *FileStore[K, V]) Delete(key K) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(key)
}

// DeleteIf is Delete guarded by check, with the same contract as SetIf.
func (s *FileStore[K, V]) DeleteIf(key K, check func(entries map[K]V) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := check(s.entries); err != nil {
		return false, err
	}
	return s.deleteLocked(key)
}

func (s *FileStore[K, V]) deleteLocked(key K) (bool, error) {
	previous, existed := s.entries[key]
	if !existed {
		return false, nil
	}

	delete(s.entries, key)
	if err := s.persistLocked(); err != nil {
		s.entries[key] = previous
		return false, err
	}

	wipe(previous)
	return true, nil
}

// Keys returns all keys ordered by K.Compare.
func (s *FileStore[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.SortedFunc(maps.Keys(s.entries), func(a, b K) int { return a.Compare(b) })
}

// ContainsKey reports whether key is present.
func (s *FileStore[K, V]) ContainsKey(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[key]
	return ok
}

// Len returns the number of entries.
func (s *FileStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Clear removes every entry.
func (s *FileStore[K, V]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.entries
	s.entries = make(map[K]V)
	if err := s.persistLocked(); err != nil {
		s.entries = previous
		return err
	}

	for _, value := range previous {
		wipe(value)
	}
	return nil
}

// persistLocked writes the document atomically using the temp file + rename
// pattern. Must be called with the write lock held.
func (s *FileStore[K, V]) persistLocked() error {
	data, err := json.MarshalIndent(fileDocument[K, V]{
		Version: FileStoreVersion,
		Entries: s.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrStoreFormat, err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrStoreIO, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write: %w", ErrStoreIO, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %w", ErrStoreIO, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %w", ErrStoreIO, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %w", ErrStoreIO, err)
	}

	s.log.Debug("Persisted store file",
		slog.String("path", s.path),
		slog.Int("entries", len(s.entries)),
		slog.Int("size", len(data)))
	return nil
}

func wipe[V any](value V) {
	if w, ok := any(value).(Wiper); ok {
		w.Wipe()
	}
}
