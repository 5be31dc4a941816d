package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

const (
	PoolFile   = "stored_proxies.json"
	LedgerFile = "sent_proxies.json"
)

// FileStore keeps the pool and ledger as JSON files in a directory.
type FileStore struct {
	dir string

	// mu serialises file operations within this process. Read-modify-write
	// sequences spanning several calls are not protected.
	mu sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// EnsureDir creates the store directory if it does not exist.
func (s *FileStore) EnsureDir() error {
	return os.MkdirAll(s.dir, 0o755)
}

func (s *FileStore) PoolPath() string   { return filepath.Join(s.dir, PoolFile) }
func (s *FileStore) LedgerPath() string { return filepath.Join(s.dir, LedgerFile) }

func (s *FileStore) LoadPool(_ context.Context) (proxy.Pool, error) {
	b, err := s.read(s.PoolPath())
	if err != nil || b == nil {
		return proxy.Pool{}, err
	}
	return decodePool("decode "+PoolFile, b)
}

func (s *FileStore) SavePool(_ context.Context, pool proxy.Pool) error {
	b, err := encodePool(pool)
	if err != nil {
		return fault.NewMalformed("encode "+PoolFile, err)
	}
	return s.write(s.PoolPath(), b)
}

func (s *FileStore) LoadLedger(_ context.Context) (*proxy.Ledger, error) {
	b, err := s.read(s.LedgerPath())
	if err != nil || b == nil {
		return proxy.NewLedger(), err
	}
	return decodeLedger("decode "+LedgerFile, b)
}

func (s *FileStore) SaveLedger(_ context.Context, l *proxy.Ledger) error {
	b, err := encodeLedger(l)
	if err != nil {
		return fault.NewMalformed("encode "+LedgerFile, err)
	}
	return s.write(s.LedgerPath(), b)
}

func (s *FileStore) Close() error {
	return nil
}

// read returns nil, nil when path does not exist.
func (s *FileStore) read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.NewTransient("read "+filepath.Base(path), err)
	}
	return b, nil
}

// write replaces path via a temporary file and rename, so readers see either
// the old or the new snapshot.
func (s *FileStore) write(path string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := "write " + filepath.Base(path)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fault.NewTransient(op, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fault.NewTransient(op, err)
	}
	if err := tmp.Close(); err != nil {
		return fault.NewTransient(op, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fault.NewTransient(op, err)
	}
	return nil
}
