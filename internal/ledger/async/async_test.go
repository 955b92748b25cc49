package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yaotools/toolmeter/internal/ledger"
)

type memUsage struct {
	mu   sync.Mutex
	logs []ledger.UsageLog
	fail bool
}

func (m *memUsage) LogUsage(_ context.Context, entry ledger.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("write failed")
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memUsage) ListUsage(_ context.Context, userID string, _ int) ([]ledger.UsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.UsageLog
	for _, l := range m.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memUsage) Close() error { return nil }

func (m *memUsage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func TestCloseFlushesQueuedRecords(t *testing.T) {
	mem := &memUsage{}
	store := New(mem, Config{BatchSize: 1000, FlushInterval: time.Hour, NumWorkers: 3})
	for i := 0; i < 250; i++ {
		if err := store.LogUsage(context.Background(), ledger.UsageLog{UserID: "u1", ToolID: "t1"}); err != nil {
			t.Fatalf("LogUsage: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mem.count(); got != 250 {
		t.Fatalf("expected 250 flushed records, got %d", got)
	}
	logs, _ := store.ListUsage(context.Background(), "u1", 10)
	if len(logs) != 250 || logs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected usage listing: %d records", len(logs))
	}
}

func TestFlushOnInterval(t *testing.T) {
	mem := &memUsage{}
	store := New(mem, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer store.Close()

	_ = store.LogUsage(context.Background(), ledger.UsageLog{UserID: "u1", ToolID: "t1"})
	deadline := time.Now().Add(2 * time.Second)
	for mem.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mem.count() != 1 {
		t.Fatalf("expected record flushed by ticker")
	}
}

func TestLogUsageAfterClose(t *testing.T) {
	store := New(&memUsage{}, Config{})
	_ = store.Close()
	_ = store.Close()
	if err := store.LogUsage(context.Background(), ledger.UsageLog{UserID: "u", ToolID: "t"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestUnderlyingFailureDoesNotBlock(t *testing.T) {
	mem := &memUsage{fail: true}
	store := New(mem, Config{BatchSize: 1})
	for i := 0; i < 5; i++ {
		_ = store.LogUsage(context.Background(), ledger.UsageLog{UserID: "u", ToolID: "t"})
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mem.count() != 0 {
		t.Fatalf("expected no records written")
	}
}
