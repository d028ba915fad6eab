package msglog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marrowlabs/mnemo/core"
	"github.com/marrowlabs/mnemo/memory"
	"github.com/marrowlabs/mnemo/msglog"
)

func TestMemoryLog_AppendAssignsIDs(t *testing.T) {
	ctx := context.Background()
	l := msglog.NewMemoryLog()

	for want := int64(1); want <= 3; want++ {
		msg, err := l.Append(ctx, "conv1", core.RoleUser, "hello")
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if msg.ID != want {
			t.Errorf("ID = %d, want %d", msg.ID, want)
		}
		if msg.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
		if msg.Archived() {
			t.Error("fresh message already stamped archived")
		}
	}

	// Conversations number independently.
	msg, err := l.Append(ctx, "conv2", core.RoleUser, "hi")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("first ID in conv2 = %d, want 1", msg.ID)
	}
}

func TestMemoryLog_Recent(t *testing.T) {
	ctx := context.Background()
	l := msglog.NewMemoryLog()
	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "conv1", core.RoleUser, "m"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := l.Recent(ctx, "conv1", 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d messages, want 3", len(recent))
	}
	for i, want := range []int64{3, 4, 5} {
		if recent[i].ID != want {
			t.Errorf("recent[%d].ID = %d, want %d", i, recent[i].ID, want)
		}
	}

	// A window larger than the history returns everything.
	all, err := l.Recent(ctx, "conv1", 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("got %d messages, want 5", len(all))
	}

	// Unknown conversation and non-positive limit are empty, not errors.
	if msgs, err := l.Recent(ctx, "nope", 3); err != nil || len(msgs) != 0 {
		t.Errorf("unknown conversation: msgs = %v, err = %v", msgs, err)
	}
	if msgs, err := l.Recent(ctx, "conv1", 0); err != nil || len(msgs) != 0 {
		t.Errorf("zero limit: msgs = %v, err = %v", msgs, err)
	}
}

func TestMemoryLog_ByID(t *testing.T) {
	ctx := context.Background()
	l := msglog.NewMemoryLog()
	for _, content := range []string{"a", "b", "c"} {
		if _, err := l.Append(ctx, "conv1", core.RoleUser, content); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	msgs, err := l.ByID(ctx, "conv1", []int64{3, 1, 99, 0})
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[1].Content != "a" {
		t.Errorf("contents = %q, %q; want c, a", msgs[0].Content, msgs[1].Content)
	}
}

func TestMemoryLog_MarkArchived(t *testing.T) {
	ctx := context.Background()
	l := msglog.NewMemoryLog()
	msg, err := l.Append(ctx, "conv1", core.RoleUser, "hello")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := l.MarkArchived(ctx, "conv1", msg.ID); err != nil {
		t.Fatalf("MarkArchived failed: %v", err)
	}
	got, err := l.ByID(ctx, "conv1", []int64{msg.ID})
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	first := got[0].ArchivedAt
	if first.IsZero() {
		t.Fatal("ArchivedAt not set")
	}

	// The stamp is write-once.
	time.Sleep(5 * time.Millisecond)
	if err := l.MarkArchived(ctx, "conv1", msg.ID); err != nil {
		t.Fatalf("second MarkArchived failed: %v", err)
	}
	got, err = l.ByID(ctx, "conv1", []int64{msg.ID})
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if !got[0].ArchivedAt.Equal(first) {
		t.Errorf("stamp moved from %v to %v", first, got[0].ArchivedAt)
	}

	if err := l.MarkArchived(ctx, "conv1", 99); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
	if err := l.MarkArchived(ctx, "nope", 1); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing conversation: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLog_DeleteConversation(t *testing.T) {
	ctx := context.Background()
	l := msglog.NewMemoryLog()
	if _, err := l.Append(ctx, "conv1", core.RoleUser, "hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := l.DeleteConversation(ctx, "conv1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	msgs, err := l.Recent(ctx, "conv1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived deletion: %v", msgs)
	}

	// Deleting again is a no-op.
	if err := l.DeleteConversation(ctx, "conv1"); err != nil {
		t.Errorf("second DeleteConversation failed: %v", err)
	}
}
