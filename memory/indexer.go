package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/marrowlabs/mnemo/core"
)

// Indexer archives messages into long-term memory off the request path:
// a fixed pool of workers drains a bounded queue, embeds each message and
// inserts it into the owning conversation's index under that conversation's
// lock, then triggers persistence.
//
// Archiving is idempotent per message ID and best-effort: a full
// queue or a failed embedding drops the message, observably, and it stays
// reachable through the recency window.
//
// Two races with the session store are handled explicitly. An eviction
// mid-archive invalidates the held session; the insert fails with
// ErrSessionEvicted and is retried against the reloaded session, so an
// acknowledged archive is never lost. A deletion mid-archive bumps the
// conversation's generation; the job carries the generation from enqueue
// time and aborts on a mismatch, so a deleted conversation's blob is never
// written back.
type Indexer struct {
	store    *SessionStore
	embedder Embedder
	msglog   Log
	cfg      *Config

	jobs chan archiveJob
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	archived atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

type archiveJob struct {
	conversationID string
	message        core.Message

	// gen is the conversation's deletion generation at enqueue time.
	gen uint64
}

// IndexerStats are cumulative counters since the indexer started.
type IndexerStats struct {
	// Archived counts messages inserted into an index.
	Archived uint64

	// Dropped counts archive requests rejected by the full queue.
	Dropped uint64

	// Failed counts archive attempts that errored (embedding, session
	// load, insert).
	Failed uint64
}

// NewIndexer starts the archive worker pool.
func NewIndexer(store *SessionStore, embedder Embedder, msglog Log, cfg *Config) *Indexer {
	ix := &Indexer{
		store:    store,
		embedder: embedder,
		msglog:   msglog,
		cfg:      cfg.withDefaults(),
	}
	ix.jobs = make(chan archiveJob, ix.cfg.ArchiveQueueDepth)
	for i := 0; i < ix.cfg.ArchiveWorkers; i++ {
		ix.wg.Add(1)
		go ix.worker()
	}
	return ix
}

// Archive queues the message for background archival. It never blocks: a
// full queue drops the request and bumps the Dropped counter. The message
// is either in the queue or observably dropped when Archive returns.
func (ix *Indexer) Archive(conversationID string, msg core.Message) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		ix.dropped.Add(1)
		log.Printf("[INDEXER] Archive after close, dropping message %d in %s", msg.ID, conversationID)
		return
	}
	job := archiveJob{
		conversationID: conversationID,
		message:        msg,
		gen:            ix.store.generation(conversationID),
	}
	select {
	case ix.jobs <- job:
	default:
		ix.dropped.Add(1)
		log.Printf("[INDEXER] Queue full, dropping message %d in %s", msg.ID, conversationID)
	}
}

// Stats returns the cumulative archive counters.
func (ix *Indexer) Stats() IndexerStats {
	return IndexerStats{
		Archived: ix.archived.Load(),
		Dropped:  ix.dropped.Load(),
		Failed:   ix.failed.Load(),
	}
}

// Close stops accepting work, drains the queue and waits for the workers.
func (ix *Indexer) Close() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	close(ix.jobs)
	ix.mu.Unlock()
	ix.wg.Wait()
}

func (ix *Indexer) worker() {
	defer ix.wg.Done()
	for job := range ix.jobs {
		if err := ix.archive(job); err != nil {
			ix.failed.Add(1)
			log.Printf("[INDEXER] Archive failed for message %d in %s: %v", job.message.ID, job.conversationID, err)
		}
	}
}

func (ix *Indexer) archive(job archiveJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), ix.cfg.ArchiveTimeout)
	defer cancel()

	sess, err := ix.store.Get(ctx, job.conversationID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess.gen != job.gen {
		log.Printf("[INDEXER] Conversation %s deleted, skipping message %d", job.conversationID, job.message.ID)
		return nil
	}

	// Cheap pre-check saves the embedding call on a retried message; the
	// authoritative check happens again under the session lock in Insert.
	if sess.Contains(job.message.ID) {
		return nil
	}

	vector, err := ix.embedder.Embed(ctx, job.message.Content)
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}

	for {
		inserted, err := sess.Insert(ctx, job.message.ID, vector)
		if errors.Is(err, ErrSessionEvicted) {
			// The store dropped this session instance while we held it.
			// Re-fetch: an eviction hands back a freshly loaded session, a
			// deletion shows up as a generation bump and aborts the job.
			if err := ctx.Err(); err != nil {
				return err
			}
			sess, err = ix.store.Get(ctx, job.conversationID)
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			if sess.gen != job.gen {
				log.Printf("[INDEXER] Conversation %s deleted, skipping message %d", job.conversationID, job.message.ID)
				return nil
			}
			if sess.Contains(job.message.ID) {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("insert vector: %w", err)
		}
		if !inserted {
			return nil
		}
		break
	}
	ix.archived.Add(1)

	if err := ix.msglog.MarkArchived(ctx, job.conversationID, job.message.ID); err != nil {
		// The index's own ID check is the source of truth for idempotence;
		// the log stamp is informational.
		log.Printf("[INDEXER] Mark archived failed for message %d in %s: %v", job.message.ID, job.conversationID, err)
	}

	if err := ix.store.Persist(ctx, job.conversationID); err != nil {
		// The in-memory insert stands; the next archive for this
		// conversation persists it along with its own.
		log.Printf("[INDEXER] Persist failed for %s: %v", job.conversationID, err)
	}
	return nil
}
