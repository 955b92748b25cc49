package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yaotools/toolmeter/internal/redeem"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "codes.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndClaim(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, redeem.Code{Code: "abc123def456", Uses: 5, CreatedBy: "admin"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, redeem.Code{Code: "ABC123DEF456", Uses: 5}); !errors.Is(err, redeem.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claimed, err := store.Claim(ctx, " abc123def456 ", "u1", at)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed.IsUsed || claimed.UsedBy != "u1" || claimed.Uses != 5 {
		t.Fatalf("unexpected claimed row: %+v", claimed)
	}
	if claimed.UsedAt == nil || !claimed.UsedAt.Equal(at) {
		t.Fatalf("unexpected used_at: %v", claimed.UsedAt)
	}

	if _, err := store.Claim(ctx, "ABC123DEF456", "u2", at); !errors.Is(err, redeem.ErrInvalidOrUsed) {
		t.Fatalf("second claim: expected ErrInvalidOrUsed, got %v", err)
	}
	if _, err := store.Claim(ctx, "NOPE", "u2", at); !errors.Is(err, redeem.ErrInvalidOrUsed) {
		t.Fatalf("unknown code: expected ErrInvalidOrUsed, got %v", err)
	}
}

func TestConcurrentClaimsSucceedOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, redeem.Code{Code: "RACE", Uses: redeem.Unlimited}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, "RACE", "u", time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}

func TestListFilter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, c := range []string{"A1", "A2", "A3"} {
		if err := store.Create(ctx, redeem.Code{Code: c, Uses: 1}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "A2", "u1", time.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	used := true
	list, err := store.List(ctx, redeem.Filter{Used: &used})
	if err != nil || len(list) != 1 || list[0].Code != "A2" {
		t.Fatalf("used list = %+v, %v", list, err)
	}
	unused := false
	list, err = store.List(ctx, redeem.Filter{Used: &unused})
	if err != nil || len(list) != 2 {
		t.Fatalf("unused list = %+v, %v", list, err)
	}
	list, err = store.List(ctx, redeem.Filter{})
	if err != nil || len(list) != 3 {
		t.Fatalf("full list = %+v, %v", list, err)
	}
}
