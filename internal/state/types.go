package state

import (
	"errors"
	"time"
)

// Visibility controls who may read an entry and how long it lives.
type Visibility string

const (
	// Shared entries are readable by every agent in the session.
	Shared Visibility = "shared"
	// Private entries are readable and writable only by their writer.
	Private Visibility = "private"
	// Temporary entries are shared until their TTL passes.
	Temporary Visibility = "temporary"
)

func (v Visibility) valid() bool {
	return v == Shared || v == Private || v == Temporary
}

// Entry is one key in a session's state.
type Entry struct {
	Key        string     `json:"key"`
	Value      any        `json:"value"`
	Visibility Visibility `json:"visibility"`
	WriterID   string     `json:"writer_id,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
	Version    uint64     `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// readableBy reports whether readerID may see the entry.
func (e *Entry) readableBy(readerID string) bool {
	return e.Visibility != Private || e.WriterID == readerID
}

// Visible filters entries down to the live ones readerID may see.
func Visible(entries []Entry, readerID string, now time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.expired(now) || !e.readableBy(readerID) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Write is a requested change to one key.
type Write struct {
	Key        string        `json:"key"`
	Value      any           `json:"value"`
	Visibility Visibility    `json:"visibility"`
	WriterID   string        `json:"writer_id,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
}

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrAccessDenied        = errors.New("access denied")
	ErrVisibilityChange    = errors.New("entry visibility cannot change")
	ErrInvalidWrite        = errors.New("invalid state write")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrTransactionNotFound = errors.New("transaction not found")
)
