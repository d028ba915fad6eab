// Package msglog provides message log implementations satisfying
// memory.Log. The in-memory log here backs tests and throwaway runs; the
// badgerlog subpackage is the durable one.
package msglog

import (
	"context"
	"sync"
	"time"

	"github.com/marrowlabs/mnemo/core"
)

// MemoryLog is an in-memory message log. Safe for concurrent use.
type MemoryLog struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

// conversation holds messages append-ordered; IDs start at 1 and the
// message with ID n sits at index n-1.
type conversation struct {
	messages []core.Message
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{conversations: make(map[string]*conversation)}
}

// Append records a message and assigns the next ID for the conversation.
func (l *MemoryLog) Append(ctx context.Context, conversationID string, role core.Role, content string) (core.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		l.conversations[conversationID] = conv
	}
	msg := core.Message{
		ID:        int64(len(conv.messages)) + 1,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	conv.messages = append(conv.messages, msg)
	return msg, nil
}

// Recent returns the last limit messages in chronological order.
func (l *MemoryLog) Recent(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	conv, ok := l.conversations[conversationID]
	if !ok || limit <= 0 {
		return nil, nil
	}
	start := len(conv.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]core.Message, len(conv.messages)-start)
	copy(out, conv.messages[start:])
	return out, nil
}

// ByID resolves message IDs, dropping any that do not exist.
func (l *MemoryLog) ByID(ctx context.Context, conversationID string, ids []int64) ([]core.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	conv, ok := l.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	out := make([]core.Message, 0, len(ids))
	for _, id := range ids {
		if id < 1 || id > int64(len(conv.messages)) {
			continue
		}
		out = append(out, conv.messages[id-1])
	}
	return out, nil
}

// MarkArchived stamps the message as indexed. Already-stamped messages
// keep their original stamp.
func (l *MemoryLog) MarkArchived(ctx context.Context, conversationID string, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[conversationID]
	if !ok || id < 1 || id > int64(len(conv.messages)) {
		return memoryNotFound(conversationID, id)
	}
	if conv.messages[id-1].ArchivedAt.IsZero() {
		conv.messages[id-1].ArchivedAt = time.Now().UTC()
	}
	return nil
}

// DeleteConversation removes every message of the conversation.
func (l *MemoryLog) DeleteConversation(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conversations, conversationID)
	return nil
}
