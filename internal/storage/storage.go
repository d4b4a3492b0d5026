package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"landrop/internal/models"
)

var ErrNotFound = errors.New("file not found")

const defaultChunkSize = 64 << 10

// Store writes received files to a directory and keeps the in-memory index
// of them. The index lives only as long as the process.
type Store struct {
	dir       string
	chunkSize int

	mu    sync.RWMutex
	files []models.ReceivedFile
	index map[string]int
	now   func() time.Time
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}
	return &Store{
		dir:       abs,
		chunkSize: defaultChunkSize,
		index:     make(map[string]int),
		now:       time.Now,
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// SetChunkSize sets the copy buffer used by Write.
func (s *Store) SetChunkSize(n int64) {
	if n > 0 {
		s.chunkSize = int(n)
	}
}

// NewFileID returns a short opaque token, unrelated to any filename.
func NewFileID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Written describes bytes persisted by Write.
type Written struct {
	Path     string
	Size     int64
	Checksum string
}

// Write streams r to <id>_<name> in the store directory. Data goes to a
// temporary file first and is renamed only after a full copy and sync, so a
// failed write leaves nothing behind. name must already be sanitized.
func (s *Store) Write(id, name string, r io.Reader) (Written, error) {
	final := filepath.Join(s.dir, id+"_"+name)
	if filepath.Dir(final) != s.dir {
		return Written{}, fmt.Errorf("refusing to write outside store: %q", name)
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.part")
	if err != nil {
		return Written{}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		cleanup()
		return Written{}, err
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(tmp, h), r, buf)
	if err != nil {
		cleanup()
		return Written{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Written{}, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Written{}, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return Written{}, fmt.Errorf("commit %s: %w", name, err)
	}

	return Written{Path: final, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

// Commit appends a record to the index, stamping its receipt time. Append
// order is completion order.
func (s *Store) Commit(id, name string, w Written) (models.ReceivedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[id]; dup {
		return models.ReceivedFile{}, fmt.Errorf("duplicate file id %s", id)
	}
	rec := models.ReceivedFile{
		ID:       id,
		Name:     name,
		Size:     w.Size,
		Time:     s.now(),
		Checksum: w.Checksum,
		Path:     w.Path,
	}
	s.index[id] = len(s.files)
	s.files = append(s.files, rec)
	return rec, nil
}

// Receive writes r under a fresh id and registers it once the write is
// complete.
func (s *Store) Receive(name string, r io.Reader) (models.ReceivedFile, error) {
	id := NewFileID()
	w, err := s.Write(id, name, r)
	if err != nil {
		return models.ReceivedFile{}, err
	}
	rec, err := s.Commit(id, name, w)
	if err != nil {
		os.Remove(w.Path)
		return models.ReceivedFile{}, err
	}
	return rec, nil
}

func (s *Store) Get(id string) (models.ReceivedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return models.ReceivedFile{}, false
	}
	return s.files[i], true
}

// List returns the index in receipt order.
func (s *Store) List() []models.ReceivedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReceivedFile, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Open returns the backing file of a record. ErrNotFound covers both an
// unknown id and a storage entry that has gone missing.
func (s *Store) Open(id string) (*os.File, models.ReceivedFile, error) {
	rec, ok := s.Get(id)
	if !ok {
		return nil, models.ReceivedFile{}, ErrNotFound
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rec, ErrNotFound
		}
		return nil, rec, err
	}
	return f, rec, nil
}
