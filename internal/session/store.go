package session

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrInvalidID is returned by writes when the id is unsafe as a storage key.
var ErrInvalidID = errors.New("invalid session id")

// validID limits ids to url-safe characters of a sane length so they can be
// used directly as file names and redis keys.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidID reports whether id can be used as a storage key.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Store persists session blobs by id.
//
// Read and Exists never fail: an absent, expired, corrupt or unreadable record and
// an unsafe id all read as an empty, non-existent session. Expiry is enforced
// lazily when a record is read.
type Store interface {
	// Read returns the blob stored under id, or an empty Data.
	Read(ctx context.Context, id string) Data
	// Write replaces the blob stored under id and returns the id.
	Write(ctx context.Context, id string, data Data, ttl time.Duration) (string, error)
	// Update applies fn to the stored blob and writes the result while holding the
	// per-id lock, so concurrent updates to one id are serialized. When no live
	// record exists under id, fn is not called, nothing is written and Update
	// reports false.
	Update(ctx context.Context, id string, ttl time.Duration, fn func(Data) Data) (bool, error)
	// Remove deletes the blob. Removing an absent session is not an error.
	Remove(ctx context.Context, id string) error
	// Exists reports whether a live blob is stored under id.
	Exists(ctx context.Context, id string) bool
}

// StoreError reports an I/O failure in a session store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "session store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
