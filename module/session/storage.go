package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"WProject/tools/errs"

	"github.com/google/uuid"
)

// Storage is the durable key-value area a store persists snapshots to.
// Implementations are last-writer-wins; concurrent widget instances sharing
// an area are intentionally not synchronized.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, val []byte) error
	Delete(key string) error
}

// MemoryStorage backs tests and the degraded mode entered when the file
// area is unusable.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStorage) Put(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	s.m[key] = cp
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// FileStorage keeps one JSON document per key, written with a temp-file
// rename so readers never observe a torn write.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.ErrStorage.WithDetail(err.Error())
	}
	return &FileStorage{dir: dir}, nil
}

// NewInstanceStorage creates a fresh per-instance ("tab") area under base.
func NewInstanceStorage(base string) (*FileStorage, error) {
	return NewFileStorage(filepath.Join(base, "tabs", uuid.NewString()))
}

// NewSharedStorage opens the cross-instance area under base.
func NewSharedStorage(base string) (*FileStorage, error) {
	return NewFileStorage(filepath.Join(base, "shared"))
}

func (s *FileStorage) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStorage) Get(key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.ErrStorage.WithDetail(err.Error())
	}
	return b, true, nil
}

func (s *FileStorage) Put(key string, val []byte) error {
	p := s.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, val, 0o644); err != nil {
		return errs.ErrStorage.WithDetail(err.Error())
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return errs.ErrStorage.WithDetail(err.Error())
	}
	return nil
}

func (s *FileStorage) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errs.ErrStorage.WithDetail(err.Error())
	}
	return nil
}
