package applyfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStore          = errors.New("record store failure")
)

type StoreErrorKind string

const (
	StoreReadFailure  StoreErrorKind = "read_failure"
	StoreWriteFailure StoreErrorKind = "write_failure"
)

type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("record store %s: %v", strings.ReplaceAll(string(e.Kind), "_", " "), e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// RecordStore persists the full set of application records. LoadAll returns
// an empty slice, not an error, when nothing has been saved yet. SaveAll
// replaces the stored set atomically.
type RecordStore interface {
	LoadAll(ctx context.Context) ([]ApplicationRecord, error)
	SaveAll(ctx context.Context, records []ApplicationRecord) error
}

// recordStoreLocker is implemented by backends that can hold an exclusive
// lock across a load-modify-save cycle shared with other processes.
type recordStoreLocker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

type recordStoreCloser interface {
	Close() error
}

// CloseRecordStore releases backend resources when the backend holds any.
func CloseRecordStore(store RecordStore) error {
	if closer, ok := store.(recordStoreCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemoryRecordStore struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{}
}

func (s *InMemoryRecordStore) LoadAll(_ context.Context) ([]ApplicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeRecords(s.snapshot)
}

func (s *InMemoryRecordStore) SaveAll(_ context.Context, records []ApplicationRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = data
	return nil
}

type JSONFileRecordStore struct {
	Path string
}

func NewJSONFileRecordStore(path string) *JSONFileRecordStore {
	return &JSONFileRecordStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileRecordStore) LoadAll(_ context.Context) ([]ApplicationRecord, error) {
	if s == nil || s.Path == "" {
		return []ApplicationRecord{}, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ApplicationRecord{}, nil
		}
		return nil, err
	}
	return decodeRecords(data)
}

func (s *JSONFileRecordStore) SaveAll(_ context.Context, records []ApplicationRecord) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(nonNilRecords(records), "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.Path, data, 0o644)
}

// Lock takes an flock on a sibling lock file so separate processes sharing
// the same data file do not interleave their read-modify-write cycles.
func (s *JSONFileRecordStore) Lock(ctx context.Context) (func(), error) {
	if s == nil || s.Path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			}
			_ = f.Close()
		}()
		return nil, ctx.Err()
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func decodeRecords(data []byte) ([]ApplicationRecord, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []ApplicationRecord{}, nil
	}
	var records []ApplicationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return nonNilRecords(records), nil
}

func encodeRecords(records []ApplicationRecord) ([]byte, error) {
	return json.Marshal(nonNilRecords(records))
}

func nonNilRecords(records []ApplicationRecord) []ApplicationRecord {
	if records == nil {
		return []ApplicationRecord{}
	}
	return records
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
