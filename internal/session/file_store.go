package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/metrics"
)

// lockTimeout is the maximum time to wait for a per-session file lock
const lockTimeout = 2 * time.Second

// maxRecordSize bounds how much of a session file is read.
const maxRecordSize = 64 << 10

// fileRecord is the on-disk representation of one session.
type fileRecord struct {
	Data      Data      `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileStore keeps one JSON file per session id in a directory.
//
// It is the reference store: simple to inspect, not meant for production load.
// Writes go through a temp file and rename so readers never see a partial blob.
// Writers to one id are serialized by an in-process keyed mutex and by a flock
// lock file, so several processes can share the directory.
type FileStore struct {
	dir     string
	lockDir string
	locks   keyedMutex
	now     func() time.Time
}

// NewFileStore creates the directory if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	lockDir := filepath.Join(dir, ".locks")
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		lockDir: lockDir,
		now:     time.Now,
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, id string) Data {
	if !ValidID(id) {
		return Data{}
	}
	rec, err := s.readRecord(id)
	if err != nil {
		reportStoreError("read", err)
		return Data{}
	}
	if rec == nil {
		return Data{}
	}
	return rec.Data
}

// Write implements Store.
func (s *FileStore) Write(ctx context.Context, id string, data Data, ttl time.Duration) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := s.writeRecord(id, data, ttl); err != nil {
		return "", err
	}
	return id, nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, id string, ttl time.Duration, fn func(Data) Data) (bool, error) {
	if !ValidID(id) {
		return false, ErrInvalidID
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := s.readRecord(id)
	if err != nil {
		reportStoreError("read", err)
		return false, nil
	}
	if rec == nil {
		return false, nil
	}

	if err := s.writeRecord(id, fn(rec.Data), ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "remove", Err: err}
	}
	return nil
}

// Exists implements Store.
func (s *FileStore) Exists(ctx context.Context, id string) bool {
	if !ValidID(id) {
		return false
	}
	rec, err := s.readRecord(id)
	return err == nil && rec != nil
}

// Prune removes expired session files. Reads already treat expired records as
// absent; Prune only reclaims disk space. Lock files are left in place: a process
// may already hold an open descriptor on one, and unlinking it would let another
// process lock a fresh inode for the same id.
func (s *FileStore) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, &StoreError{Op: "prune", Err: err}
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !ValidID(id) {
			continue
		}
		if s.Exists(ctx, id) {
			continue
		}
		if err := s.Remove(ctx, id); err != nil {
			slog.Warn("failed to prune session", "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// readRecord returns nil, nil when the session is absent or expired.
func (s *FileStore) readRecord(id string) (*fileRecord, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StoreError{Op: "read", Err: err}
	}
	defer func() { _ = f.Close() }()

	var rec fileRecord
	dec := json.NewDecoder(&limitedReader{r: f, n: maxRecordSize})
	if err := dec.Decode(&rec); err != nil {
		return nil, &StoreError{Op: "decode", Err: err}
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	if rec.Data == nil {
		rec.Data = Data{}
	}
	return &rec, nil
}

func (s *FileStore) writeRecord(id string, data Data, ttl time.Duration) error {
	rec := fileRecord{Data: data}
	if rec.Data == nil {
		rec.Data = Data{}
	}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl).UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return &StoreError{Op: "encode", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return &StoreError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &StoreError{Op: "write", Err: err}
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		cleanup()
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

// lock takes the in-process lock for id, then the cross-process file lock.
func (s *FileStore) lock(ctx context.Context, id string) (func(), error) {
	release := s.locks.lock(id)

	fileLock := flock.New(filepath.Join(s.lockDir, id+".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		release()
		return nil, &StoreError{Op: "lock", Err: err}
	}
	if !locked {
		release()
		return nil, &StoreError{Op: "lock", Err: fmt.Errorf("timeout after %v", lockTimeout)}
	}

	return func() {
		_ = fileLock.Unlock()
		release()
	}, nil
}

func reportStoreError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	slog.Warn("session store failure, treating session as empty", "op", op, "error", err)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// limitedReader fails instead of truncating when the limit is exceeded.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errors.New("session record too large")
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
