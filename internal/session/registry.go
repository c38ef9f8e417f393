package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/logger"
)

const mintExpiry = 30 * time.Minute

// mintedRecord tracks a session created by POST /session that hasn't yet
// received a WS attachment, so the reaper can sweep it if it never does.
type mintedRecord struct {
	mintedAt time.Time
}

// Registry is the process-wide mapping from session id to Session record,
// protected so concurrent HTTP mint, WS attach, WS close, and interrupt
// calls observe a consistent view: a map guarded by one mutex, with a
// background ticker sweeping stale entries.
type Registry struct {
	opCfg   *config.Config
	journal *journal.Journal

	mu       sync.RWMutex
	sessions map[string]*Session
	minted   map[string]mintedRecord
}

// New creates an empty Registry.
func New(opCfg *config.Config, j *journal.Journal) *Registry {
	return &Registry{
		opCfg:    opCfg,
		journal:  j,
		sessions: make(map[string]*Session),
		minted:   make(map[string]mintedRecord),
	}
}

// Mint records that an id was created by POST /session with no socket
// attached yet, so the WS handshake can later attach to it by id alone.
func (r *Registry) Mint(id string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return
	}

	r.minted[id] = mintedRecord{mintedAt: time.Now()}

	s := newSession(id, r, r.opCfg, r.journal, cfg)
	r.sessions[id] = s

	go s.run()
}

// getOrCreate returns the existing record for id, or creates one with
// defaultConfig if none exists — tolerating ids minted out-of-band or
// simply unknown to this registry.
func (r *Registry) getOrCreate(id string, defaultConfig Config) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		delete(r.minted, id)
		return s
	}

	s := newSession(id, r, r.opCfg, r.journal, defaultConfig)
	r.sessions[id] = s

	go s.run()

	delete(r.minted, id)

	return s
}

// Get returns the session for id, used by the HTTP interrupt endpoint.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes id from the registry. Called exactly once from the
// session's own serialized close path; a second call is a no-op.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	delete(r.minted, id)
}

// Count returns the number of live session records, used by tests to
// verify the single-owner invariants under concurrent attach.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Attach binds a browser WebSocket connection to the session for id,
// creating the record first if it doesn't already exist (a WS connection
// can arrive before or without a corresponding POST /session call).
func (r *Registry) Attach(ctx context.Context, id string, conn *websocket.Conn, defaultConfig Config) error {
	s := r.getOrCreate(id, defaultConfig)
	return s.Attach(ctx, conn)
}

// StartReaper launches the background sweep of minted-but-never-attached
// sessions: a ticker checks the minted set against an expiry threshold and
// stops any session that outlived it without ever getting a WS attachment.
func (r *Registry) StartReaper(ctx context.Context, checkInterval time.Duration) {
	logger.Info("starting stale session reaper", "check_interval", checkInterval, "expiry", mintExpiry)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stale session reaper stopped")
			return
		case <-ticker.C:
			r.sweepStaleMints()
		}
	}
}

func (r *Registry) sweepStaleMints() {
	threshold := time.Now().Add(-mintExpiry)

	r.mu.Lock()
	var stale []string

	for id, record := range r.minted {
		if record.mintedAt.Before(threshold) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()

		if !ok {
			continue
		}

		logger.Info("reaping session minted but never attached", "session_id", id)
		s.Stop()
	}
}
