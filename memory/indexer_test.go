package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/marrowlabs/mnemo/core"
	"github.com/marrowlabs/mnemo/memory"
	"github.com/marrowlabs/mnemo/memory/embedder/mock"
	"github.com/marrowlabs/mnemo/msglog"
)

// blockingEmbedder holds every Embed call until released. Tests use it to
// fill the archive queue deterministically.
type blockingEmbedder struct {
	inner   memory.Embedder
	release chan struct{}
}

func (e *blockingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	<-e.release
	return e.inner.Embed(ctx, text)
}

func (e *blockingEmbedder) Dimensions() int { return e.inner.Dimensions() }

// gatedEmbedder signals on entered when an Embed call begins, then holds
// it until released. Tests use it to interleave store operations with an
// archive that is provably mid-flight.
type gatedEmbedder struct {
	inner   memory.Embedder
	entered chan struct{}
	release chan struct{}
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		inner:   mock.New(testDimension),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.entered <- struct{}{}
	<-e.release
	return e.inner.Embed(ctx, text)
}

func (e *gatedEmbedder) Dimensions() int { return e.inner.Dimensions() }

type failingEmbedder struct {
	dimensions int
}

func (e *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding service unavailable")
}

func (e *failingEmbedder) Dimensions() int { return e.dimensions }

func appendMsg(t *testing.T, mlog memory.Log, conv string, role core.Role, content string) core.Message {
	t.Helper()
	msg, err := mlog.Append(context.Background(), conv, role, content)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return msg
}

func TestIndexer_ArchiveMakesMessageSearchable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	emb := mock.New(testDimension)
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "my cat is named Jones")

	indexer := memory.NewIndexer(store, emb, mlog, cfg)
	indexer.Archive("conv1", msg)
	indexer.Close()

	stats := indexer.Stats()
	if stats.Archived != 1 || stats.Failed != 0 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v, want 1 archived", stats)
	}

	// Searching for the message's own embedding finds it at distance ~0.
	sess, err := store.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	query, err := emb.Embed(ctx, msg.Content)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	matches, err := sess.Search(ctx, query, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != msg.ID {
		t.Fatalf("matches = %+v, want message %d", matches, msg.ID)
	}
	if matches[0].Distance > 1e-3 {
		t.Errorf("self-match distance = %f, want ~0", matches[0].Distance)
	}

	// The log copy carries the archive stamp.
	stored, err := mlog.ByID(ctx, "conv1", []int64{msg.ID})
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if len(stored) != 1 || !stored[0].Archived() {
		t.Errorf("message not stamped archived: %+v", stored)
	}
}

func TestIndexer_ArchiveIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "remember this once")

	indexer := memory.NewIndexer(store, mock.New(testDimension), mlog, cfg)
	indexer.Archive("conv1", msg)
	indexer.Archive("conv1", msg)
	indexer.Archive("conv1", msg)
	indexer.Close()

	sess, err := store.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Count() != 1 {
		t.Errorf("count = %d after repeated archives, want 1", sess.Count())
	}
	if stats := indexer.Stats(); stats.Archived != 1 {
		t.Errorf("archived = %d, want 1", stats.Archived)
	}
}

func TestIndexer_ConcurrentArchives(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	const n = 10
	messages := make([]core.Message, n)
	for i := range messages {
		messages[i] = appendMsg(t, mlog, "conv1", core.RoleUser, "message number "+string(rune('a'+i)))
	}

	indexer := memory.NewIndexer(store, mock.New(testDimension), mlog, cfg)
	var wg sync.WaitGroup
	for _, msg := range messages {
		wg.Add(1)
		go func(m core.Message) {
			defer wg.Done()
			indexer.Archive("conv1", m)
		}(msg)
	}
	wg.Wait()
	indexer.Close()

	sess, err := store.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Count() != n {
		t.Errorf("count = %d, want %d", sess.Count(), n)
	}
	if stats := indexer.Stats(); stats.Archived != n || stats.Failed != 0 {
		t.Errorf("stats = %+v, want %d archived", stats, n)
	}
}

func TestIndexer_FullQueueDrops(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveWorkers = 1
	cfg.ArchiveQueueDepth = 1
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	emb := &blockingEmbedder{inner: mock.New(testDimension), release: make(chan struct{})}
	indexer := memory.NewIndexer(store, emb, mlog, cfg)

	for i := 0; i < 3; i++ {
		msg := appendMsg(t, mlog, "conv1", core.RoleUser, "backlog item")
		indexer.Archive("conv1", msg)
	}
	close(emb.release)
	indexer.Close()

	// One worker, one queue slot: at least one of three must drop, and
	// every request is accounted for either way.
	stats := indexer.Stats()
	if stats.Dropped == 0 {
		t.Error("expected at least one drop from the full queue")
	}
	if stats.Archived+stats.Dropped != 3 {
		t.Errorf("archived %d + dropped %d != 3", stats.Archived, stats.Dropped)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d, want 0", stats.Failed)
	}
}

func TestIndexer_EmbeddingFailureCounted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "will not embed")

	indexer := memory.NewIndexer(store, &failingEmbedder{dimensions: testDimension}, mlog, cfg)
	indexer.Archive("conv1", msg)
	indexer.Close()

	stats := indexer.Stats()
	if stats.Failed != 1 || stats.Archived != 0 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}

	sess, err := store.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Count() != 0 {
		t.Errorf("count = %d after failed archive, want 0", sess.Count())
	}
}

func TestIndexer_ArchiveAfterClose(t *testing.T) {
	cfg := testConfig()
	mlog := msglog.NewMemoryLog()
	store := newTestStore(cfg, newTestBlobs(t))

	indexer := memory.NewIndexer(store, mock.New(testDimension), mlog, cfg)
	indexer.Close()
	indexer.Close() // idempotent

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "too late")
	indexer.Archive("conv1", msg)

	if stats := indexer.Stats(); stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
}

func TestIndexer_PersistsAfterArchive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mlog := msglog.NewMemoryLog()
	blobs := newTestBlobs(t)
	store := newTestStore(cfg, blobs)

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "survive a restart")

	indexer := memory.NewIndexer(store, mock.New(testDimension), mlog, cfg)
	indexer.Archive("conv1", msg)
	indexer.Close()

	// A fresh store over the same blobs sees the archived vector.
	reloaded, err := newTestStore(cfg, blobs).Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if !reloaded.Contains(msg.ID) {
		t.Errorf("archived vector missing after reload")
	}
}

func TestIndexer_EvictionDuringArchiveKeepsVector(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.ArchiveWorkers = 1
	mlog := msglog.NewMemoryLog()
	blobs := newTestBlobs(t)
	store := newTestStore(cfg, blobs)
	emb := newGatedEmbedder()

	msg := appendMsg(t, mlog, "a", core.RoleUser, "fact worth keeping")

	indexer := memory.NewIndexer(store, emb, mlog, cfg)
	indexer.Archive("a", msg)
	<-emb.entered

	// The worker holds a's session while it waits on the embedder; loading
	// b evicts a out from under it.
	if _, err := store.Get(ctx, "b"); err != nil {
		t.Fatalf("Get b failed: %v", err)
	}

	close(emb.release)
	indexer.Close()

	stats := indexer.Stats()
	if stats.Archived != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 archived", stats)
	}

	// The acknowledged archive survives in the live store and across a
	// full reload from disk.
	sess, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get a failed: %v", err)
	}
	if !sess.Contains(msg.ID) {
		t.Fatal("archived vector missing from the live store")
	}
	reloaded, err := newTestStore(cfg, blobs).Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if !reloaded.Contains(msg.ID) {
		t.Fatal("archived vector lost across eviction")
	}
}

func TestIndexer_DeleteDuringArchiveStaysDeleted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ArchiveWorkers = 1
	mlog := msglog.NewMemoryLog()
	blobs := newTestBlobs(t)
	store := newTestStore(cfg, blobs)
	emb := newGatedEmbedder()

	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "to be forgotten")

	indexer := memory.NewIndexer(store, emb, mlog, cfg)
	indexer.Archive("conv1", msg)
	<-emb.entered

	// Deletion lands while the archive is mid-flight.
	if err := store.Delete(ctx, "conv1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mlog.DeleteConversation(ctx, "conv1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	close(emb.release)
	indexer.Close()

	// The deleted conversation's blob must not come back.
	if _, err := blobs.Load(ctx, "conv1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("deleted conversation's blob resurrected: err = %v", err)
	}
	if stats := indexer.Stats(); stats.Archived != 0 {
		t.Errorf("archived = %d for a deleted conversation, want 0", stats.Archived)
	}
}

func TestIndexer_QueuedArchiveSkippedAfterDelete(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ArchiveWorkers = 1
	mlog := msglog.NewMemoryLog()
	blobs := newTestBlobs(t)
	store := newTestStore(cfg, blobs)
	emb := newGatedEmbedder()

	blocker := appendMsg(t, mlog, "other", core.RoleUser, "keeps the worker busy")
	msg := appendMsg(t, mlog, "conv1", core.RoleUser, "queued then deleted")

	indexer := memory.NewIndexer(store, emb, mlog, cfg)
	indexer.Archive("other", blocker)
	<-emb.entered

	// conv1's job queues behind the gated one; the deletion wins the race.
	indexer.Archive("conv1", msg)
	if err := store.Delete(ctx, "conv1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mlog.DeleteConversation(ctx, "conv1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	close(emb.release)
	indexer.Close()

	if _, err := blobs.Load(ctx, "conv1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("deleted conversation's blob resurrected: err = %v", err)
	}
	stats := indexer.Stats()
	if stats.Archived != 1 {
		t.Errorf("archived = %d, want 1 (the unrelated conversation)", stats.Archived)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d, want 0", stats.Failed)
	}
}
