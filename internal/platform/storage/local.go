package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// lockStripes sizes the in-process lock table. Two ids hashing to the same
// stripe serialize against each other, which costs a little parallelism but
// keeps the table a fixed size no matter how many SHLs the store has seen.
const lockStripes = 64

// LocalStore is a ServerStore backed by a directory on the local
// filesystem. Each SHL id maps to a subdirectory; writes go through a
// temp-file rename so readers never observe partial blobs. Metadata updates
// take a striped in-process mutex plus a per-id advisory file lock, so
// multiple server processes can share one directory.
type LocalStore struct {
	dir     string
	baseURL string

	locks [lockStripes]sync.Mutex
}

// NewLocalStore creates the root directory if needed and returns a
// LocalStore serving URLs under baseURL.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create root: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *LocalStore) BaseURL() string { return s.baseURL }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &OpError{Op: "put", Key: key, Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return &OpError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, &OpError{Op: "get", Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &OpError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) error {
	// An SHL prefix ("{shlId}/") maps to a whole subdirectory.
	if trimmed := strings.TrimSuffix(prefix, "/"); trimmed != prefix {
		if err := os.RemoveAll(s.path(trimmed)); err != nil {
			return &OpError{Op: "delete", Key: prefix, Err: err}
		}
		return nil
	}

	dir := filepath.Dir(s.path(prefix))
	base := filepath.Base(filepath.FromSlash(prefix))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &OpError{Op: "delete", Key: prefix, Err: err}
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return &OpError{Op: "delete", Key: prefix, Err: err}
		}
	}
	return nil
}

// UpdateMetadata locks the id (a striped in-process mutex plus a flock on a
// sidecar lock file), reads the current metadata, applies fn once, and
// commits via atomic rename.
func (s *LocalStore) UpdateMetadata(_ context.Context, shlID string, fn MetadataUpdater) (Decision, error) {
	key := MetadataKey(shlID)
	path := s.path(key)

	unlock := s.lockID(shlID)
	defer unlock()

	fileLock := flock.New(path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return Decision{}, &OpError{Op: "update", Key: key, Err: err}
	}
	defer fileLock.Unlock()

	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Decision{}, &OpError{Op: "update", Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return Decision{}, &OpError{Op: "update", Key: key, Err: err}
	}

	decision := fn(current)
	if decision.Commit == nil {
		return decision, nil
	}
	if err := writeAtomic(path, decision.Commit); err != nil {
		return Decision{}, &OpError{Op: "update", Key: key, Err: err}
	}
	return decision, nil
}

func (s *LocalStore) lockID(shlID string) func() {
	h := fnv.New32a()
	h.Write([]byte(shlID))
	lock := &s.locks[h.Sum32()%lockStripes]
	lock.Lock()
	return lock.Unlock
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
