package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL applies to temporary writes that do not carry their own TTL.
const DefaultTTL = 5 * time.Minute

// PersistTimeout bounds each write-through so a stalled store cannot hold up
// a session loop.
const PersistTimeout = 5 * time.Second

// Persister mirrors applied writes to durable storage. Entries carry their
// version so out-of-order saves can be discarded by the store.
type Persister interface {
	SaveEntries(ctx context.Context, sessionID string, entries []Entry) error
}

type session struct {
	id         string
	mu         sync.RWMutex
	entries    map[string]*Entry
	version    uint64
	lastAccess atomic.Int64 // unix nanos
	expired    bool
}

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

type transaction struct {
	id        string
	sessionID string
	base      uint64
	writes    []Write
	state     txState
	mu        sync.Mutex
}

// Manager owns all session state and arbitrates concurrent access to it.
// Writes within one session are serialized by that session's lock; readers
// only wait for writers.
type Manager struct {
	sessions    map[string]*session
	txs         map[string]*transaction
	persister   Persister
	idleTimeout time.Duration
	saveTimeout time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewManager creates a state manager. An idleTimeout of zero disables idle
// expiry.
func NewManager(idleTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*session),
		txs:         make(map[string]*transaction),
		idleTimeout: idleTimeout,
		saveTimeout: PersistTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// SetPersister enables write-through of committed entries.
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persister = p
}

// CreateSession starts a session seeded with shared entries.
func (m *Manager) CreateSession(id string, seed map[string]any) error {
	if id == "" {
		return fmt.Errorf("create session: empty id: %w", ErrInvalidWrite)
	}
	now := m.now()
	s := &session{id: id, entries: make(map[string]*Entry)}
	s.touch(now)
	var seeded []Entry
	for k, v := range seed {
		s.version++
		e := &Entry{Key: k, Value: v, Visibility: Shared, Version: s.version, UpdatedAt: now}
		s.entries[k] = e
		seeded = append(seeded, *e)
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("create session %s: %w", id, ErrSessionExists)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Debug("state session created", zap.String("session", id), zap.Int("seed", len(seed)))
	m.persist(id, seeded)
	return nil
}

// HasSession reports whether a live session exists.
func (m *Manager) HasSession(id string) bool {
	_, err := m.session(id)
	return err == nil
}

// Set applies a single write under the session lock.
func (m *Manager) Set(sessionID string, w Write) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	now := m.now()

	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", sessionID, ErrSessionNotFound)
	}
	w, err = normalize(w)
	if err == nil {
		err = checkWrite(s.entries[w.Key], w, now)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set %s/%s: %w", sessionID, w.Key, err)
	}
	e := s.apply(w, now)
	s.touch(now)
	s.mu.Unlock()

	m.persist(sessionID, []Entry{e})
	return nil
}

// Get reads one key. Missing and expired entries report found=false with no
// error; a private entry read by anyone but its writer yields ErrAccessDenied.
func (m *Manager) Get(sessionID, key, readerID string) (*Entry, bool, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, false, err
	}
	now := m.now()
	s.touch(now)

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return nil, false, nil
	}
	if !e.readableBy(readerID) {
		return nil, false, fmt.Errorf("get %s/%s: %w", sessionID, key, ErrAccessDenied)
	}
	cp := *e
	return &cp, true, nil
}

// Snapshot returns every live value readerID is allowed to see.
func (m *Manager) Snapshot(sessionID, readerID string) (map[string]any, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s.touch(now)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) || !e.readableBy(readerID) {
			continue
		}
		out[k] = e.Value
	}
	return out, nil
}

// Entries lists the live entries readerID may see, for inspection surfaces.
func (m *Manager) Entries(sessionID, readerID string) ([]Entry, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	s.mu.RLock()
	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, *e)
	}
	s.mu.RUnlock()
	return Visible(all, readerID, now), nil
}

// Begin opens a transaction against a session.
func (m *Manager) Begin(sessionID string) (string, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	base := s.version
	s.mu.RUnlock()

	tx := &transaction{id: uuid.New().String(), sessionID: sessionID, base: base}
	m.mu.Lock()
	m.txs[tx.id] = tx
	m.mu.Unlock()
	return tx.id, nil
}

// Stage buffers a write in an open transaction. Nothing is visible until
// Commit.
func (m *Manager) Stage(txID string, w Write) error {
	tx, err := m.tx(txID)
	if err != nil {
		return err
	}
	w, err = normalize(w)
	if err != nil {
		return fmt.Errorf("stage %s: %w", txID, err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != txOpen {
		return fmt.Errorf("stage %s: transaction closed: %w", txID, ErrTransactionConflict)
	}
	tx.writes = append(tx.writes, w)
	return nil
}

// Commit applies every staged write atomically or none of them. It fails
// with ErrTransactionConflict when the transaction is closed, its session is
// gone, or a staged key changed after Begin. A failed commit closes the
// transaction; the caller re-stages into a new one.
func (m *Manager) Commit(txID string) error {
	tx, err := m.tx(txID)
	if err != nil {
		return err
	}
	// m.mu is never taken while tx.mu is held.
	s, serr := m.session(tx.sessionID)

	applied, err := m.commit(tx, s, serr)
	if err != nil {
		return err
	}
	m.persist(tx.sessionID, applied)
	return nil
}

func (m *Manager) commit(tx *transaction, s *session, serr error) ([]Entry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != txOpen {
		return nil, fmt.Errorf("commit %s: transaction closed: %w", tx.id, ErrTransactionConflict)
	}
	tx.state = txRolledBack
	if serr != nil {
		return nil, fmt.Errorf("commit %s: %w", tx.id, ErrTransactionConflict)
	}
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return nil, fmt.Errorf("commit %s: session expired: %w", tx.id, ErrTransactionConflict)
	}

	// Validate against an overlay so later writes in the batch see earlier ones.
	overlay := make(map[string]*Entry, len(tx.writes))
	for _, w := range tx.writes {
		cur, staged := overlay[w.Key]
		if !staged {
			cur = s.entries[w.Key]
			if cur != nil && cur.Version > tx.base && !cur.expired(now) {
				return nil, fmt.Errorf("commit %s: key %q changed since begin: %w", tx.id, w.Key, ErrTransactionConflict)
			}
		}
		if err := checkWrite(cur, w, now); err != nil {
			return nil, fmt.Errorf("commit %s/%s: %w", tx.id, w.Key, err)
		}
		overlay[w.Key] = &Entry{Key: w.Key, Visibility: w.Visibility, WriterID: w.WriterID}
	}

	applied := make([]Entry, 0, len(tx.writes))
	for _, w := range tx.writes {
		applied = append(applied, s.apply(w, now))
	}
	s.touch(now)

	tx.state = txCommitted
	tx.writes = nil
	return applied, nil
}

// Rollback discards staged writes. Rolling back twice is a no-op; rolling
// back a committed transaction is a conflict.
func (m *Manager) Rollback(txID string) error {
	tx, err := m.tx(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.state {
	case txCommitted:
		return fmt.Errorf("rollback %s: already committed: %w", txID, ErrTransactionConflict)
	case txRolledBack:
		return nil
	}
	tx.state = txRolledBack
	tx.writes = nil
	return nil
}

// ExpireSession drops a session and closes its open transactions. Closed
// transactions stay addressable until the next Sweep so late commits report
// a conflict.
func (m *Manager) ExpireSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("expire %s: %w", sessionID, ErrSessionNotFound)
	}
	delete(m.sessions, sessionID)
	var closing []*transaction
	for _, tx := range m.txs {
		if tx.sessionID == sessionID {
			closing = append(closing, tx)
		}
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.expired = true
	s.entries = nil
	s.mu.Unlock()

	for _, tx := range closing {
		tx.mu.Lock()
		if tx.state == txOpen {
			tx.state = txRolledBack
		}
		tx.mu.Unlock()
	}
	m.logger.Debug("state session expired", zap.String("session", sessionID))
	return nil
}

// Sweep removes expired temporary entries, idle sessions and closed
// transactions. It returns the number of entries and sessions removed.
func (m *Manager) Sweep() (entries, sessions int) {
	now := m.now()

	// Transactions closed before this sweep are dropped first, so ones closed
	// by an idle expiry below stay addressable until the next sweep. tx.mu is
	// never taken while holding m.mu.
	m.mu.RLock()
	txs := make([]*transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		txs = append(txs, tx)
	}
	m.mu.RUnlock()

	var closed []string
	for _, tx := range txs {
		tx.mu.Lock()
		if tx.state != txOpen {
			closed = append(closed, tx.id)
		}
		tx.mu.Unlock()
	}
	if len(closed) > 0 {
		m.mu.Lock()
		for _, id := range closed {
			delete(m.txs, id)
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var idle []string
	for _, s := range all {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
				entries++
			}
		}
		if m.idleTimeout > 0 && now.Sub(time.Unix(0, s.lastAccess.Load())) > m.idleTimeout {
			idle = append(idle, s.id)
		}
		s.mu.Unlock()
	}
	for _, id := range idle {
		if m.ExpireSession(id) == nil {
			sessions++
		}
	}

	if entries > 0 || sessions > 0 {
		m.logger.Debug("state sweep",
			zap.Int("expired_entries", entries),
			zap.Int("idle_sessions", sessions))
	}
	return entries, sessions
}

// Run sweeps on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) session(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

func (m *Manager) tx(id string) (*transaction, error) {
	m.mu.RLock()
	tx, ok := m.txs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}
	return tx, nil
}

func (m *Manager) persist(sessionID string, entries []Entry) {
	m.mu.RLock()
	p := m.persister
	m.mu.RUnlock()
	if p == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()
	if err := p.SaveEntries(ctx, sessionID, entries); err != nil {
		m.logger.Warn("persist state failed",
			zap.String("session", sessionID),
			zap.Int("entries", len(entries)),
			zap.Error(err))
	}
}

func (s *session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// apply must be called with s.mu held for writing.
func (s *session) apply(w Write, now time.Time) Entry {
	s.version++
	e := &Entry{
		Key:        w.Key,
		Value:      w.Value,
		Visibility: w.Visibility,
		WriterID:   w.WriterID,
		Version:    s.version,
		UpdatedAt:  now,
	}
	if w.Visibility == Temporary {
		e.ExpiresAt = now.Add(w.TTL)
	}
	s.entries[w.Key] = e
	return *e
}

func normalize(w Write) (Write, error) {
	if w.Key == "" {
		return w, fmt.Errorf("empty key: %w", ErrInvalidWrite)
	}
	if w.Visibility == "" {
		w.Visibility = Shared
	}
	if !w.Visibility.valid() {
		return w, fmt.Errorf("unknown visibility %q: %w", w.Visibility, ErrInvalidWrite)
	}
	if w.Visibility == Private && w.WriterID == "" {
		return w, fmt.Errorf("private write without writer: %w", ErrInvalidWrite)
	}
	if w.Visibility == Temporary && w.TTL <= 0 {
		w.TTL = DefaultTTL
	}
	return w, nil
}

// checkWrite enforces that visibility never changes and that private entries
// are only overwritten by their writer. Expired entries no longer exist.
func checkWrite(cur *Entry, w Write, now time.Time) error {
	if cur == nil || cur.expired(now) {
		return nil
	}
	if cur.Visibility != w.Visibility {
		return fmt.Errorf("%s -> %s: %w", cur.Visibility, w.Visibility, ErrVisibilityChange)
	}
	if cur.Visibility == Private && cur.WriterID != w.WriterID {
		return ErrAccessDenied
	}
	return nil
}
