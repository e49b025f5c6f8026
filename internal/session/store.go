package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageKey is the versioned, namespaced key the session record is persisted
// under. Bump the version when the serialized shape changes; old records are
// then simply ignored (the user re-authenticates).
const StorageKey = "studygate.session.v1"

// Store is the single source of truth for the current session. It hands out
// value snapshots only; the live record is mutated exclusively through
// Replace and Clear, both atomic with respect to concurrent reads.
//
// When constructed with a path the record survives restarts as one JSON file,
// and Read picks up replacements written by other processes sharing the same
// file (the moral equivalent of a browser storage-change event).
type Store struct {
	mu      sync.Mutex
	cur     *Session
	path    string
	lastMod time.Time
	subs    map[int]func(*Session)
	nextSub int
	logger  *slog.Logger
}

type StoreOption func(*Store)

// WithPath persists the session record as a JSON file in dir, keyed by
// StorageKey. An empty dir keeps the store memory-only.
func WithPath(dir string) StoreOption {
	return func(st *Store) {
		if dir != "" {
			st.path = filepath.Join(dir, StorageKey+".json")
		}
	}
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(st *Store) {
		st.logger = logger
	}
}

// NewStore builds a session store and loads any previously persisted record.
// A missing or unreadable record means "logged out", never an error.
func NewStore(opts ...StoreOption) *Store {
	st := &Store{
		subs:   make(map[int]func(*Session)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(st)
	}
	st.mu.Lock()
	st.reload()
	st.mu.Unlock()
	return st
}

// Read returns a snapshot of the current session. The second return is false
// when no session is live. Read never fails.
func (st *Store) Read() (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.maybeReload()
	if st.cur == nil {
		return Session{}, false
	}
	return *st.cur, true
}

// Replace atomically swaps the stored session, persists it, and notifies
// subscribers. It triggers no network activity.
func (st *Store) Replace(s Session) {
	st.mu.Lock()
	st.cur = &s
	st.persist()
	subs, snapshot := st.subscribers(), s
	st.mu.Unlock()

	for _, fn := range subs {
		fn(&snapshot)
	}
}

// Clear removes the session and its persisted copy. Idempotent: clearing an
// absent session is a no-op apart from subscriber notification.
func (st *Store) Clear() {
	st.mu.Lock()
	wasLive := st.cur != nil
	st.cur = nil
	if st.path != "" {
		if err := os.Remove(st.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			st.logger.Warn("failed to remove persisted session", "path", st.path, "error", err)
		}
		st.lastMod = time.Time{}
	}
	subs := st.subscribers()
	st.mu.Unlock()

	if !wasLive {
		return
	}
	for _, fn := range subs {
		fn(nil)
	}
}

// Subscribe registers fn to run after every Replace (with a snapshot) and
// after every effective Clear (with nil). The returned function removes the
// subscription.
func (st *Store) Subscribe(fn func(*Session)) func() {
	st.mu.Lock()
	id := st.nextSub
	st.nextSub++
	st.subs[id] = fn
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.subs, id)
		st.mu.Unlock()
	}
}

func (st *Store) subscribers() []func(*Session) {
	out := make([]func(*Session), 0, len(st.subs))
	for _, fn := range st.subs {
		out = append(out, fn)
	}
	return out
}

// persist writes the record via a temp file and rename so readers in other
// processes never observe a partial write. Caller holds st.mu.
func (st *Store) persist() {
	if st.path == "" {
		return
	}
	data, err := json.Marshal(st.cur)
	if err != nil {
		st.logger.Warn("failed to serialize session", "error", err)
		return
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		st.logger.Warn("failed to persist session", "path", st.path, "error", err)
		return
	}
	if err := os.Rename(tmp, st.path); err != nil {
		st.logger.Warn("failed to persist session", "path", st.path, "error", err)
		return
	}
	if info, err := os.Stat(st.path); err == nil {
		st.lastMod = info.ModTime()
	}
}

// maybeReload refreshes the in-memory record when the persisted file changed
// underneath us. Caller holds st.mu.
func (st *Store) maybeReload() {
	if st.path == "" {
		return
	}
	info, err := os.Stat(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Another process logged out.
		if !st.lastMod.IsZero() {
			st.cur = nil
			st.lastMod = time.Time{}
		}
		return
	}
	if err != nil {
		st.logger.Warn("failed to stat persisted session", "path", st.path, "error", err)
		return
	}
	if info.ModTime().Equal(st.lastMod) {
		return
	}
	st.reload()
}

// reload reads the persisted record from disk, treating any failure as
// "logged out". Caller holds st.mu.
func (st *Store) reload() {
	if st.path == "" {
		return
	}
	info, err := os.Stat(st.path)
	if err != nil {
		return
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		st.logger.Warn("failed to read persisted session", "path", st.path, "error", err)
		return
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Warn("discarding corrupt persisted session", "path", st.path, "error", err)
		return
	}
	st.cur = &s
	st.lastMod = info.ModTime()
}
