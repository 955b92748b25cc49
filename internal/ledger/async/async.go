package async

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yaotools/toolmeter/internal/ledger"
)

// ErrClosed is returned by LogUsage after Close.
var ErrClosed = errors.New("async usage log closed")

// Store wraps a ledger.UsageLogStore with asynchronous batch writes.
// Usage records are queued in memory and written in batches; records may be
// lost if the process crashes before a flush. Balances never pass through here.
type Store struct {
	underlying    ledger.UsageLogStore
	entries       chan ledger.UsageLog
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// Config configures batching.
type Config struct {
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
	ChannelBuffer int           // default 10000
	NumWorkers    int           // default 1
	Logger        *log.Logger
}

// New starts the batch writers. The caller keeps ownership of underlying and
// closes it after Close returns.
func New(underlying ledger.UsageLogStore, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	s := &Store{
		underlying:    underlying,
		entries:       make(chan ledger.UsageLog, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}
	s.logf("[async-ledger] started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	return s
}

func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]ledger.UsageLog, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		written := 0
		for _, entry := range batch {
			if err := s.underlying.LogUsage(ctx, entry); err != nil {
				s.logf("[async-ledger] worker-%d ERROR writing usage user=%s tool=%s: %v", workerID, entry.UserID, entry.ToolID, err)
				continue
			}
			written++
		}
		if written != len(batch) {
			s.logf("[async-ledger] worker-%d flushed %d/%d usage records", workerID, written, len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogUsage queues a record without blocking. A full queue drops the record.
func (s *Store) LogUsage(_ context.Context, entry ledger.UsageLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.entries <- entry:
	default:
		s.dropped.Add(1)
		s.logf("[async-ledger] WARNING: channel full, dropping usage record user=%s tool=%s", entry.UserID, entry.ToolID)
	}
	return nil
}

// ListUsage delegates to the underlying store. Queued records are not visible
// until flushed.
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]ledger.UsageLog, error) {
	return s.underlying.ListUsage(ctx, userID, limit)
}

// Pending reports the number of queued records.
func (s *Store) Pending() int {
	return len(s.entries)
}

// Dropped reports how many records were discarded because the queue was full.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting records and flushes the queue. It is safe to call
// more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
