// Package engine orchestrates a chat turn: assemble two-tier memory
// context, call the completion provider, log the exchange and hand both
// messages to the background indexer for archival.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/marrowlabs/mnemo/core"
	"github.com/marrowlabs/mnemo/memory"
)

// Completer is the completion provider boundary. The ordered messages may
// include a leading system directive; implementations map it onto their
// API's system channel. The engine neither retries nor caches completions.
type Completer interface {
	Complete(ctx context.Context, messages []core.Message) (string, error)
}

// Engine runs conversations over the memory system.
type Engine struct {
	completer    Completer
	assembler    *memory.Assembler
	indexer      *memory.Indexer
	store        *memory.SessionStore
	msglog       memory.Log
	systemPrompt string
}

// Option configures the engine.
type Option func(*Engine)

// WithSystemPrompt overrides the default system directive.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		e.systemPrompt = prompt
	}
}

// New creates an engine over the given collaborators.
func New(completer Completer, assembler *memory.Assembler, indexer *memory.Indexer, store *memory.SessionStore, msglog memory.Log, opts ...Option) *Engine {
	e := &Engine{
		completer:    completer,
		assembler:    assembler,
		indexer:      indexer,
		store:        store,
		msglog:       msglog,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Chat processes one user message: build context from both memory tiers,
// complete, log the exchange, then queue both sides for archival. The
// reply never waits on archival of previous messages.
func (e *Engine) Chat(ctx context.Context, conversationID, userMessage string) (string, error) {
	messages, err := e.assembler.BuildContext(ctx, conversationID, e.systemPrompt, userMessage)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}

	reply, err := e.completer.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}

	userMsg, err := e.msglog.Append(ctx, conversationID, core.RoleUser, userMessage)
	if err != nil {
		return "", fmt.Errorf("log user message: %w", err)
	}
	replyMsg, err := e.msglog.Append(ctx, conversationID, core.RoleAssistant, reply)
	if err != nil {
		return "", fmt.Errorf("log assistant message: %w", err)
	}

	e.indexer.Archive(conversationID, userMsg)
	e.indexer.Archive(conversationID, replyMsg)

	log.Printf("[ENGINE] Turn complete for %s: message %d, reply %d", conversationID, userMsg.ID, replyMsg.ID)
	return reply, nil
}

// DeleteConversation removes the conversation everywhere: cached session,
// persisted index blob and message log.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := e.store.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := e.msglog.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// DefaultSystemPrompt frames the two memory tiers for the model. Retrieved
// archived messages and the recency window both arrive in the conversation
// itself, chronologically ordered.
const DefaultSystemPrompt = `You are a helpful assistant with two kinds of memory.

Some earlier messages in this conversation were recalled from long-term
memory because they are relevant to the user's latest message; the rest are
the most recent exchanges. Older recalled messages may be separated from
the present by gaps.

Use both when answering: prefer recent messages for the current topic and
recalled ones for facts the user established earlier.`
