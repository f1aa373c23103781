// Package session provides server-side session persistence for the web application.
//
// A session is an opaque blob of string fields keyed by an unguessable id. The id
// travels in a signed cookie; the blob lives in a Store. Handlers work on a
// *Session handle: reads see the blob loaded at the start of the request plus any
// local changes, and Manager.Save applies the changes to the stored blob as a delta
// under the store's per-id lock. Concurrent requests that touch different fields do
// not overwrite each other, and a change made from a stale view of a field does not
// replace a newer value.
package session

import "maps"

// Well-known session fields.
const (
	KeyCodeVerifier = "code_verifier"
	KeyOAuthState   = "oauth_state"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUserID       = "user_id"
)

// Data is the stored session blob.
type Data map[string]string

// Clone returns a copy of d that never aliases it. A nil Data clones to an empty one.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	maps.Copy(out, d)
	return out
}

// Session is the per-request handle on a stored session.
type Session struct {
	id    string
	oldID string // persisted id to remove on save after Regenerate

	data    Data
	changes map[string]*string // nil value marks a deletion
	cleared bool

	isNew bool
}

func newSession(id string, data Data, isNew bool) *Session {
	if data == nil {
		data = Data{}
	}
	return &Session{id: id, data: data, isNew: isNew}
}

// ID returns the current session id.
func (s *Session) ID() string { return s.id }

// IsNew reports whether the session has not been persisted yet.
func (s *Session) IsNew() bool { return s.isNew }

// Get returns the value of key, or "" if unset.
func (s *Session) Get(key string) string {
	if v, ok := s.changes[key]; ok {
		if v == nil {
			return ""
		}
		return *v
	}
	if s.cleared {
		return ""
	}
	return s.data[key]
}

// Set stores value under key. Setting an empty value deletes the key.
func (s *Session) Set(key, value string) {
	if value == "" {
		s.Delete(key)
		return
	}
	if s.changes == nil {
		s.changes = make(map[string]*string)
	}
	s.changes[key] = &value
}

// Delete removes key.
func (s *Session) Delete(key string) {
	if s.changes == nil {
		s.changes = make(map[string]*string)
	}
	s.changes[key] = nil
}

// Clear removes every field. Fields set afterwards are kept.
func (s *Session) Clear() {
	s.cleared = true
	s.changes = nil
}

// Modified reports whether the handle carries changes that need saving.
func (s *Session) Modified() bool {
	return s.cleared || len(s.changes) > 0 || s.oldID != ""
}

// Values returns the current view of the session blob.
func (s *Session) Values() Data {
	return s.apply(s.data)
}

// apply replays the local changes on top of stored and returns the result. A
// change is skipped when the stored field no longer holds the value this handle
// loaded: another request wrote it since, and that write is kept.
func (s *Session) apply(stored Data) Data {
	out := stored.Clone()
	if s.cleared {
		for k, v := range stored {
			if s.data[k] == v {
				delete(out, k)
			}
		}
	}
	for k, v := range s.changes {
		if stored[k] != s.data[k] {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = *v
	}
	return out
}

// committed resets the handle after a successful save.
func (s *Session) committed(stored Data) {
	s.data = stored
	s.changes = nil
	s.cleared = false
	s.oldID = ""
	s.isNew = false
}
