package bootstrap

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/yaotools/toolmeter/internal/chat"
	chatsqlite "github.com/yaotools/toolmeter/internal/chat/sqlite"
	"github.com/yaotools/toolmeter/internal/config"
	"github.com/yaotools/toolmeter/internal/health"
	"github.com/yaotools/toolmeter/internal/ledger"
	ledgerpg "github.com/yaotools/toolmeter/internal/ledger/postgres"
	ledgersqlite "github.com/yaotools/toolmeter/internal/ledger/sqlite"
	"github.com/yaotools/toolmeter/internal/redeem"
	redeempg "github.com/yaotools/toolmeter/internal/redeem/postgres"
	redeemsqlite "github.com/yaotools/toolmeter/internal/redeem/sqlite"
	"github.com/yaotools/toolmeter/internal/userstore"
	userstorepg "github.com/yaotools/toolmeter/internal/userstore/postgres"
	userstoresqlite "github.com/yaotools/toolmeter/internal/userstore/sqlite"
)

// Stores bundles the persistence backends selected by configuration.
type Stores struct {
	Ledger   ledger.Store
	Usage    ledger.UsageLogStore
	Identity userstore.Store
	Codes    redeem.Store
	Chats    chat.Store

	pingers map[string]health.Pinger
	closers []func() error
}

// Pingers returns the stores keyed by health check name.
func (s *Stores) Pingers() map[string]health.Pinger {
	return s.pingers
}

// Close closes every opened store in reverse order.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("close store: %v", err)
		}
	}
	s.closers = nil
}

type pingCloser interface {
	health.Pinger
	Close() error
}

func (s *Stores) track(name string, st pingCloser) {
	s.pingers[name] = st
	s.closers = append(s.closers, st.Close)
}

// OpenStores uses Postgres for balances, identities and codes when
// database_url is set, otherwise one SQLite file under data_dir. Chat
// history always lives in SQLite.
func OpenStores(cfg config.Config) (*Stores, error) {
	s := &Stores{pingers: make(map[string]health.Pinger)}
	fail := func(what string, err error) (*Stores, error) {
		s.Close()
		return nil, fmt.Errorf("open %s: %w", what, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if cfg.UsePostgres() {
		lp, err := ledgerpg.New(cfg.DatabaseURL, 25, 5, 5, 1)
		if err != nil {
			return fail("ledger", err)
		}
		s.Ledger, s.Usage = lp, lp
		s.track("ledger", lp)

		up, err := userstorepg.New(cfg.DatabaseURL, userstorepg.DefaultConfig())
		if err != nil {
			return fail("identity store", err)
		}
		s.Identity = up
		s.track("identity", up)

		rp, err := redeempg.New(cfg.DatabaseURL, 10, 2)
		if err != nil {
			return fail("code store", err)
		}
		s.Codes = rp
		s.track("codes", rp)
	} else {
		path := cfg.SQLitePath()
		ls, err := ledgersqlite.New(path)
		if err != nil {
			return fail("ledger", err)
		}
		s.Ledger, s.Usage = ls, ls
		s.track("ledger", ls)

		us, err := userstoresqlite.New(path)
		if err != nil {
			return fail("identity store", err)
		}
		s.Identity = us
		s.track("identity", us)

		rs, err := redeemsqlite.New(path)
		if err != nil {
			return fail("code store", err)
		}
		s.Codes = rs
		s.track("codes", rs)
	}

	cs, err := chatsqlite.New(filepath.Join(cfg.DataDir, "chat.db"))
	if err != nil {
		return fail("chat store", err)
	}
	s.Chats = cs
	s.track("chat", cs)
	return s, nil
}
