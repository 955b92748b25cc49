package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/yaotools/toolmeter/internal/chat"
)

func TestMessageLifecycle(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2"} {
		msg := chat.Message{ID: id, UserID: "u1", UserMessage: "hello " + id, Pending: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Create(ctx, msg); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := store.Finalize(ctx, "m1", "hi there", 12, false); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := store.Finalize(ctx, "missing", "x", 0, true); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	msgs, err := store.ListRecent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if !msgs[0].Pending {
		t.Fatalf("m2 should still be pending")
	}
	if msgs[1].Pending || msgs[1].AIResponse != "hi there" || msgs[1].TokensUsed != 12 {
		t.Fatalf("m1 not finalized: %+v", msgs[1])
	}

	n, err := store.Clear(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("Clear = %d, %v", n, err)
	}
	msgs, _ = store.ListRecent(ctx, "u1", 10)
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}
