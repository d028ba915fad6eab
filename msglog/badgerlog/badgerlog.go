// Package badgerlog implements the message log on BadgerDB. Messages are
// stored as JSON under a per-conversation key prefix; a per-conversation
// sequence key assigns monotonically increasing IDs inside a serializable
// transaction.
package badgerlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marrowlabs/mnemo/core"
	"github.com/marrowlabs/mnemo/memory"
)

// Key layout. The 0x00 separator keeps conversation IDs from colliding
// with the fixed-width message ID suffix.
//
//	'm' 0x00 <conversation> 0x00 <8-byte big-endian id>  -> JSON message
//	's' 0x00 <conversation>                              -> 8-byte last id
const (
	msgTag = 'm'
	seqTag = 's'
)

// Log is a Badger-backed message log. Safe for concurrent use.
type Log struct {
	db *badger.DB
}

// Open opens (creating if necessary) a log at the given directory.
func Open(path string) (*Log, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Log{db: db}, nil
}

// OpenInMemory opens a log with no backing files. Used by tests.
func OpenInMemory() (*Log, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records a message and assigns the next ID for the conversation.
// Concurrent appends to the same conversation conflict at the sequence
// key; the losing transaction retries.
func (l *Log) Append(ctx context.Context, conversationID string, role core.Role, content string) (core.Message, error) {
	var msg core.Message
	for {
		if err := ctx.Err(); err != nil {
			return core.Message{}, err
		}
		err := l.db.Update(func(txn *badger.Txn) error {
			var last uint64
			item, err := txn.Get(seqKey(conversationID))
			switch {
			case err == nil:
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(val) == 8 {
					last = binary.BigEndian.Uint64(val)
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// first message of the conversation
			default:
				return err
			}

			id := last + 1
			msg = core.Message{
				ID:        int64(id),
				Role:      role,
				Content:   content,
				CreatedAt: time.Now().UTC(),
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}

			var seq [8]byte
			binary.BigEndian.PutUint64(seq[:], id)
			if err := txn.Set(seqKey(conversationID), seq[:]); err != nil {
				return err
			}
			return txn.Set(msgKey(conversationID, int64(id)), data)
		})
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return core.Message{}, fmt.Errorf("append message: %w", err)
		}
	}
}

// Recent returns the last limit messages in chronological order.
func (l *Log) Recent(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []core.Message
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the largest possible message key.
		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var msg core.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ByID resolves message IDs, dropping any that do not exist.
func (l *Log) ByID(ctx context.Context, conversationID string, ids []int64) ([]core.Message, error) {
	out := make([]core.Message, 0, len(ids))
	err := l.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(msgKey(conversationID, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var msg core.Message
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("messages by id: %w", err)
	}
	return out, nil
}

// MarkArchived stamps the message as indexed. Already-stamped messages
// keep their original stamp.
func (l *Log) MarkArchived(ctx context.Context, conversationID string, id int64) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		key := msgKey(conversationID, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: message %d in conversation %s", memory.ErrNotFound, id, conversationID)
		}
		if err != nil {
			return err
		}
		var msg core.Message
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
		if err != nil {
			return err
		}
		if !msg.ArchivedAt.IsZero() {
			return nil
		}
		msg.ArchivedAt = time.Now().UTC()
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return fmt.Errorf("mark archived: %w", err)
	}
	return err
}

// DeleteConversation removes every message of the conversation along with
// its sequence key.
func (l *Log) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := l.db.DropPrefix(msgPrefix(conversationID), seqKey(conversationID)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func msgPrefix(conversationID string) []byte {
	key := make([]byte, 0, len(conversationID)+3)
	key = append(key, msgTag, 0x00)
	key = append(key, conversationID...)
	return append(key, 0x00)
}

func msgKey(conversationID string, id int64) []byte {
	key := msgPrefix(conversationID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return append(key, buf[:]...)
}

func seqKey(conversationID string) []byte {
	key := make([]byte, 0, len(conversationID)+2)
	key = append(key, seqTag, 0x00)
	return append(key, conversationID...)
}
