package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Session is one conversation's cached vector index plus the lock that
// serializes mutations to it. Searches run concurrently with each other
// but never with an insert; distinct conversations never contend.
//
// A session handed out by Get stays valid for reads after the store drops
// it, but inserts on a dropped session fail with ErrSessionEvicted so a
// write can never land in an instance the store no longer persists.
type Session struct {
	conversationID string

	// gen is the conversation's generation at creation time. The store
	// bumps the generation on Delete; a stale gen marks work that began
	// before the deletion.
	gen uint64

	mu      sync.RWMutex
	index   Index
	evicted bool

	// lastAccess is guarded by the owning SessionStore's mutex.
	lastAccess time.Time
}

// ConversationID returns the conversation this session belongs to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Count returns the number of archived vectors.
func (s *Session) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Count()
}

// Contains reports whether the message ID has been archived.
func (s *Session) Contains(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Contains(id)
}

// Insert adds a vector under exclusive access. It reports whether the
// vector was actually inserted; false means the ID was already present.
// Inserting into a session the store has evicted or deleted fails with
// ErrSessionEvicted; the caller re-fetches the session via Get and retries.
func (s *Session) Insert(ctx context.Context, id int64, vector []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false, fmt.Errorf("%w: conversation %s", ErrSessionEvicted, s.conversationID)
	}
	if s.index.Contains(id) {
		return false, nil
	}
	if err := s.index.Insert(ctx, id, vector); err != nil {
		return false, err
	}
	return true, nil
}

// Search queries the index under shared access.
func (s *Session) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Search(ctx, query, k)
}

func (s *Session) snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Serialize()
}

// SessionStore owns one Session per conversation. It lazily loads
// persisted indexes, caches them in memory behind an explicit registry
// with a size bound, and writes them back through the blob store.
type SessionStore struct {
	cfg      *Config
	blobs    BlobStore
	newIndex func(dimension int) (Index, error)

	mu       sync.RWMutex
	sessions map[string]*Session

	// gens counts deletions per conversation. Sessions and queued archive
	// jobs carry the generation they were created under; a mismatch means
	// the conversation was deleted in the meantime.
	gens map[string]uint64
}

// NewSessionStore creates a session store. newIndex constructs an empty
// Index of the given dimension (chromem.New in production wiring).
func NewSessionStore(cfg *Config, blobs BlobStore, newIndex func(dimension int) (Index, error)) *SessionStore {
	return &SessionStore{
		cfg:      cfg.withDefaults(),
		blobs:    blobs,
		newIndex: newIndex,
		sessions: make(map[string]*Session),
		gens:     make(map[string]uint64),
	}
}

// Get returns the conversation's session, loading the persisted index on
// first access or building an empty one when no blob exists. A blob that
// exists but cannot be decoded surfaces ErrLoadCorrupt; the caller decides
// whether discarding archived memory is acceptable.
func (st *SessionStore) Get(ctx context.Context, conversationID string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[conversationID]
	st.mu.RUnlock()
	if ok {
		st.mu.Lock()
		sess.lastAccess = time.Now()
		st.mu.Unlock()
		return sess, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Another goroutine may have loaded it while we waited for the lock.
	if sess, ok := st.sessions[conversationID]; ok {
		sess.lastAccess = time.Now()
		return sess, nil
	}

	idx, err := st.newIndex(st.cfg.Dimension)
	if err != nil {
		return nil, fmt.Errorf("new index for %s: %w", conversationID, err)
	}

	data, err := st.blobs.Load(ctx, conversationID)
	switch {
	case err == nil:
		if err := idx.Deserialize(data); err != nil {
			return nil, fmt.Errorf("load index for %s: %w", conversationID, err)
		}
		log.Printf("[SESSION] Loaded index for %s (%d vectors)", conversationID, idx.Count())
	case errors.Is(err, ErrNotFound):
		log.Printf("[SESSION] New conversation %s", conversationID)
	default:
		return nil, fmt.Errorf("load blob for %s: %w", conversationID, err)
	}

	sess = &Session{
		conversationID: conversationID,
		gen:            st.gens[conversationID],
		index:          idx,
		lastAccess:     time.Now(),
	}
	st.sessions[conversationID] = sess
	st.evictLocked(conversationID)
	return sess, nil
}

// generation returns the conversation's current deletion generation.
func (st *SessionStore) generation(conversationID string) uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.gens[conversationID]
}

// Persist atomically writes the conversation's current index to its blob.
func (st *SessionStore) Persist(ctx context.Context, conversationID string) error {
	st.mu.RLock()
	sess, ok := st.sessions[conversationID]
	st.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: conversation %s not loaded", ErrNotFound, conversationID)
	}
	return st.persistSession(ctx, sess)
}

func (st *SessionStore) persistSession(ctx context.Context, s *Session) error {
	data, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("%w: serialize %s: %v", ErrPersistFailed, s.conversationID, err)
	}

	// A session from before a deletion must not write its blob back.
	st.mu.RLock()
	current := st.gens[s.conversationID]
	st.mu.RUnlock()
	if current != s.gen {
		return fmt.Errorf("%w: conversation %s deleted", ErrNotFound, s.conversationID)
	}

	if err := st.blobs.Save(ctx, s.conversationID, data); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistFailed, s.conversationID, err)
	}
	return nil
}

// Delete drops the cached session and its persisted blob, and bumps the
// conversation's generation so in-flight archives for it abort instead of
// resurrecting the blob.
func (st *SessionStore) Delete(ctx context.Context, conversationID string) error {
	st.mu.Lock()
	if sess, ok := st.sessions[conversationID]; ok {
		sess.mu.Lock()
		sess.evicted = true
		sess.mu.Unlock()
		delete(st.sessions, conversationID)
	}
	st.gens[conversationID]++
	st.mu.Unlock()
	return st.blobs.Delete(ctx, conversationID)
}

// Close persists every cached session. Called on shutdown.
func (st *SessionStore) Close() error {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	var firstErr error
	for _, s := range sessions {
		if err := st.persistSession(context.Background(), s); err != nil {
			log.Printf("[SESSION] Persist on close failed for %s: %v", s.conversationID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// evictLocked enforces MaxSessions by persisting and dropping the least
// recently used session. Caller holds st.mu. The session just touched
// (keep) is never the victim.
//
// The snapshot and the evicted flag are taken under one critical section
// on the victim's lock, so no insert can land between the snapshot and the
// drop: an insert either made the snapshot or fails with ErrSessionEvicted
// and is retried against the reloaded session. A session whose persist
// fails stays cached, writable again; memory remains authoritative over a
// failed write.
func (st *SessionStore) evictLocked(keep string) {
	if st.cfg.MaxSessions <= 0 || len(st.sessions) <= st.cfg.MaxSessions {
		return
	}
	var victim *Session
	for id, s := range st.sessions {
		if id == keep {
			continue
		}
		if victim == nil || s.lastAccess.Before(victim.lastAccess) {
			victim = s
		}
	}
	if victim == nil {
		return
	}

	victim.mu.Lock()
	data, err := victim.index.Serialize()
	if err == nil {
		victim.evicted = true
	}
	victim.mu.Unlock()
	if err != nil {
		log.Printf("[SESSION] Eviction serialize failed for %s, keeping in memory: %v", victim.conversationID, err)
		return
	}

	// Eviction is housekeeping for the caller's request; it is not bounded
	// by that request's context.
	if err := st.blobs.Save(context.Background(), victim.conversationID, data); err != nil {
		victim.mu.Lock()
		victim.evicted = false
		victim.mu.Unlock()
		log.Printf("[SESSION] Eviction persist failed for %s, keeping in memory: %v", victim.conversationID, err)
		return
	}
	delete(st.sessions, victim.conversationID)
	log.Printf("[SESSION] Evicted %s (%d cached)", victim.conversationID, len(st.sessions))
}
