package raven

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/moby/sys/atomicwriter"
)

const (
	// StorageFileName is the well-known name of the pending request record
	StorageFileName = "unsent_requests"

	storageVersion = 1
)

// Store persists the full list of pending requests. Save always replaces
// the previous record.
type Store interface {
	Load() ([]QueuedRequest, error)
	Save(requests []QueuedRequest) error
	Close() error
}

// storageRecord is the versioned on-disk layout
type storageRecord struct {
	Version  int             `cbor:"version"`
	Requests []QueuedRequest `cbor:"requests"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("raven: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("raven: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileStore keeps the record in a single CBOR file that is replaced
// atomically on every save
type FileStore struct {
	path string
}

// NewFileStore creates dir if needed and stores the record in
// dir/unsent_requests
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, StorageFileName)}, nil
}

// Path returns the record location
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored requests. A missing record is an empty queue.
func (s *FileStore) Load() ([]QueuedRequest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var record storageRecord
	if err := decMode.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if record.Version != storageVersion {
		return nil, fmt.Errorf("decode %s: unsupported record version %d", s.path, record.Version)
	}

	return record.Requests, nil
}

// Save replaces the record with requests
func (s *FileStore) Save(requests []QueuedRequest) error {
	if requests == nil {
		requests = []QueuedRequest{}
	}

	data, err := encMode.Marshal(storageRecord{Version: storageVersion, Requests: requests})
	if err != nil {
		return fmt.Errorf("encode pending requests: %w", err)
	}

	if err := atomicwriter.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// MemoryStore keeps the record in memory only
type MemoryStore struct {
	mu       sync.Mutex
	requests []QueuedRequest
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() ([]QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]QueuedRequest(nil), s.requests...), nil
}

func (s *MemoryStore) Save(requests []QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append([]QueuedRequest(nil), requests...)
	s.saves++
	return nil
}

// Saves returns how many times the record was written
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}

func (s *MemoryStore) Close() error {
	return nil
}

// OpenStore opens the backend selected by cfg
func OpenStore(cfg *QueueConfig) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}
