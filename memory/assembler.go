package memory

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/marrowlabs/mnemo/core"
)

// Assembler builds the ordered model input for a new user message by
// merging both memory tiers: up to RetrieveLimit archived messages fetched
// by similarity, and the last ShortTermWindow messages used verbatim.
type Assembler struct {
	store    *SessionStore
	embedder Embedder
	msglog   Log
	cfg      *Config
}

// NewAssembler creates an assembler over the given session store, embedder
// and message log.
func NewAssembler(store *SessionStore, embedder Embedder, msglog Log, cfg *Config) *Assembler {
	return &Assembler{
		store:    store,
		embedder: embedder,
		msglog:   msglog,
		cfg:      cfg.withDefaults(),
	}
}

// BuildContext returns the ordered message sequence to hand to the
// completion provider: the system directive (when non-empty), the merged
// and deduplicated memory tiers in chronological order, and the new user
// message last.
//
// Long-term retrieval is best-effort: an embedding or search failure
// degrades to recency-only context and never fails the request. A corrupt
// persisted index does surface, since silently answering without archived
// memory would hide data loss.
func (a *Assembler) BuildContext(ctx context.Context, conversationID, systemPrompt, userMessage string) ([]core.Message, error) {
	sess, err := a.store.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	merged := make(map[int64]core.Message)

	// Long-term tier. An empty index skips the embedding call outright.
	if sess.Count() > 0 {
		a.retrieve(ctx, sess, conversationID, userMessage, merged)
	}

	// Short-term tier. Recency wins ties on identity: the logged copy is
	// authoritative and more complete than a retrieved one.
	recent, err := a.msglog.Recent(ctx, conversationID, a.cfg.ShortTermWindow)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for _, m := range recent {
		merged[m.ID] = m
	}

	ordered := make([]core.Message, 0, len(merged))
	for _, m := range merged {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]core.Message, 0, len(ordered)+2)
	if systemPrompt != "" {
		out = append(out, core.Message{Role: core.RoleSystem, Content: systemPrompt})
	}
	out = append(out, ordered...)
	out = append(out, core.Message{Role: core.RoleUser, Content: userMessage})
	return out, nil
}

// retrieve fills merged with the archived messages most similar to the
// query. Every failure mode here is non-fatal for the request.
func (a *Assembler) retrieve(ctx context.Context, sess *Session, conversationID, userMessage string, merged map[int64]core.Message) {
	query, err := a.embedder.Embed(ctx, userMessage)
	if err != nil {
		log.Printf("[MEMORY] Query embedding failed for %s, long-term tier skipped: %v", conversationID, err)
		return
	}

	matches, err := sess.Search(ctx, query, a.cfg.RetrieveLimit)
	if err != nil {
		log.Printf("[MEMORY] Search failed for %s, long-term tier skipped: %v", conversationID, err)
		return
	}
	if len(matches) == 0 {
		return
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}

	// ByID drops IDs the log no longer resolves; a stale index entry must
	// not fail the request.
	msgs, err := a.msglog.ByID(ctx, conversationID, ids)
	if err != nil {
		log.Printf("[MEMORY] Resolving retrieved messages failed for %s, long-term tier skipped: %v", conversationID, err)
		return
	}
	for _, m := range msgs {
		merged[m.ID] = m
	}
}
