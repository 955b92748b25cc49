package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yaotools/toolmeter/internal/redeem"
)

func TestPostgresClaimOnce(t *testing.T) {
	dsn := os.Getenv("TOOLMETER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOOLMETER_TEST_POSTGRES_DSN not set")
	}
	store, err := New(dsn, 4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	code := "PG" + uuid.NewString()[:10]
	if err := store.Create(ctx, redeem.Code{Code: code, Uses: 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, redeem.Code{Code: code, Uses: 5}); !errors.Is(err, redeem.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
	claimed, err := store.Claim(ctx, code, "u1", time.Now())
	if err != nil || !claimed.IsUsed || claimed.UsedBy != "u1" {
		t.Fatalf("Claim = %+v, %v", claimed, err)
	}
	if _, err := store.Claim(ctx, code, "u2", time.Now()); !errors.Is(err, redeem.ErrInvalidOrUsed) {
		t.Fatalf("expected ErrInvalidOrUsed, got %v", err)
	}
}
