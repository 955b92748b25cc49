package chat_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaotools/toolmeter/internal/activation"
	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/adapter/loopback"
	"github.com/yaotools/toolmeter/internal/chat"
	chatsqlite "github.com/yaotools/toolmeter/internal/chat/sqlite"
	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/ledger"
	ledgersqlite "github.com/yaotools/toolmeter/internal/ledger/sqlite"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/redeem"
	redeemsqlite "github.com/yaotools/toolmeter/internal/redeem/sqlite"
	"github.com/yaotools/toolmeter/internal/userstore"
	usersqlite "github.com/yaotools/toolmeter/internal/userstore/sqlite"
)

type resolverFunc func(userstore.AIModel) (adapter.StreamingChatAdapter, error)

func (f resolverFunc) Resolve(m userstore.AIModel) (adapter.StreamingChatAdapter, error) { return f(m) }

func fixed(a adapter.StreamingChatAdapter) chat.Resolver {
	return resolverFunc(func(userstore.AIModel) (adapter.StreamingChatAdapter, error) { return a, nil })
}

type failingAdapter struct{ err error }

func (f failingAdapter) CreateCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, f.err
}

func (f failingAdapter) CreateCompletionStream(context.Context, openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent, 1)
	ch <- adapter.StreamEvent{Error: f.err}
	close(ch)
	return ch, nil
}

type hangingAdapter struct{}

func (hangingAdapter) CreateCompletion(ctx context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	<-ctx.Done()
	return openai.ChatCompletionResponse{}, &adapter.Error{Kind: adapter.KindTransport, Err: ctx.Err()}
}

func (hangingAdapter) CreateCompletionStream(ctx context.Context, _ openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent, 1)
	ch <- adapter.StreamEvent{Text: "partial", Delta: "partial"}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type env struct {
	ledger *ledger.Ledger
	store  *ledgersqlite.Store
	users  *usersqlite.Store
	chats  *chatsqlite.Store
	codes  *redeemsqlite.Store
	model  *userstore.AIModel
}

func newEnv(t *testing.T, initial int64) env {
	t.Helper()
	dir := t.TempDir()
	store, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	users, err := usersqlite.New(filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	chats, err := chatsqlite.New(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)
	codes, err := redeemsqlite.New(filepath.Join(dir, "codes.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = users.Close()
		_ = chats.Close()
		_ = codes.Close()
	})
	model, err := users.UpsertModel(context.Background(), userstore.AIModel{
		ID: "m-default", Name: "Default", ModelName: "gpt-4o-mini", IsActive: true, IsDefault: true,
	})
	require.NoError(t, err)
	return env{
		ledger: ledger.New(store, ledger.Options{InitialBalance: initial}),
		store:  store, users: users, chats: chats, codes: codes, model: model,
	}
}

func (e env) account(t *testing.T) *ledger.Account {
	t.Helper()
	acct, err := e.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	return acct
}

func TestSendCommitsOnSuccess(t *testing.T) {
	e := newEnv(t, 3)
	svc := chat.NewService(e.chats, e.users, fixed(loopback.New()), chat.Options{})
	acct := e.account(t)

	msg, err := svc.Send(context.Background(), acct, chat.Request{Message: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "[loopback] hello", msg.AIResponse)
	assert.False(t, msg.Pending)
	assert.False(t, msg.Failed)
	assert.Equal(t, "m-default", msg.ModelID)
	assert.Equal(t, int64(2), acct.Balance())

	history, err := svc.History(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].UserMessage)
	assert.False(t, history[0].Pending)
}

func TestSendFailureRefundsAndShowsErrorInline(t *testing.T) {
	e := newEnv(t, 3)
	d := &hooks.Dispatcher{}
	events := make(chan hooks.Event, 4)
	d.Register(func(_ context.Context, evt hooks.Event) error {
		events <- evt
		return nil
	})
	failure := &adapter.Error{Kind: adapter.KindHTTP, Status: 502, Body: "<!DOCTYPE html><html>bad gateway</html>", HTMLPage: true}
	svc := chat.NewService(e.chats, e.users, fixed(failingAdapter{err: failure}), chat.Options{Hooks: d})
	acct := e.account(t)

	msg, err := svc.Send(context.Background(), acct, chat.Request{Message: "hello"})
	require.Error(t, err)
	assert.Equal(t, adapter.KindHTTP, adapter.KindOf(err))
	require.NotNil(t, msg)
	assert.True(t, msg.Failed)
	assert.Contains(t, msg.AIResponse, "HTTP 502")
	assert.Equal(t, int64(3), acct.Balance())

	d.Wait()
	evt := <-events
	assert.Equal(t, hooks.EventUsageCompensated, evt.Type)

	entries, err := e.ledger.History(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.ReasonCompensation, entries[0].Reason)
	assert.Equal(t, ledger.ReasonInference, entries[1].Reason)
}

func TestSendTimeoutIsCompensated(t *testing.T) {
	e := newEnv(t, 1)
	svc := chat.NewService(e.chats, e.users, fixed(hangingAdapter{}), chat.Options{Timeout: 20 * time.Millisecond})
	acct := e.account(t)

	msg, err := svc.Send(context.Background(), acct, chat.Request{Message: "hello"})
	assert.Equal(t, adapter.KindTransport, adapter.KindOf(err))
	assert.True(t, msg.Failed)
	assert.Equal(t, int64(1), acct.Balance())
}

func TestSendStreamingDeliversCumulativeText(t *testing.T) {
	e := newEnv(t, 2)
	lb := loopback.New()
	lb.ChunkSize = 3
	svc := chat.NewService(e.chats, e.users, fixed(lb), chat.Options{})
	acct := e.account(t)

	var snapshots []string
	msg, err := svc.SendStreaming(context.Background(), acct, chat.Request{Message: "stream me"}, func(text, _ string) {
		snapshots = append(snapshots, text)
	})
	require.NoError(t, err)
	assert.Equal(t, "[loopback] stream me", msg.AIResponse)
	require.NotEmpty(t, snapshots)
	assert.Equal(t, msg.AIResponse, snapshots[len(snapshots)-1])
	for i := 1; i < len(snapshots); i++ {
		assert.True(t, len(snapshots[i]) > len(snapshots[i-1]))
	}
	assert.Equal(t, int64(1), acct.Balance())
}

func TestSendStreamingAbandonedDiscardsPartialText(t *testing.T) {
	e := newEnv(t, 1)
	svc := chat.NewService(e.chats, e.users, fixed(hangingAdapter{}), chat.Options{Timeout: 20 * time.Millisecond})
	acct := e.account(t)

	msg, err := svc.SendStreaming(context.Background(), acct, chat.Request{Message: "hello"}, nil)
	assert.Equal(t, adapter.KindTransport, adapter.KindOf(err))
	assert.NotContains(t, msg.AIResponse, "partial")
	assert.Equal(t, int64(1), acct.Balance())
}

func TestSendValidation(t *testing.T) {
	e := newEnv(t, -1)
	svc := chat.NewService(e.chats, e.users, fixed(loopback.New()), chat.Options{})
	acct := e.account(t)

	_, err := svc.Send(context.Background(), acct, chat.Request{Message: "   "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	_, err = svc.Send(context.Background(), acct, chat.Request{Message: "hi", ModelID: "missing"})
	assert.ErrorIs(t, err, chat.ErrModelUnavailable)

	msg, err := svc.Send(context.Background(), acct, chat.Request{Message: "hi"})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	history, err := svc.History(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendRequiresActivatedAssistant(t *testing.T) {
	e := newEnv(t, 3)
	reg := activation.NewRegistry(nil, time.Minute)
	svc := chat.NewService(e.chats, e.users, fixed(loopback.New()), chat.Options{Gate: reg, GateToolID: "assistant"})
	acct := e.account(t)
	tab := reg.NewSession("u1")

	_, err := svc.Send(context.Background(), acct, chat.Request{Message: "hi", TabSession: tab})
	assert.ErrorIs(t, err, chat.ErrNotActivated)

	c, err := reg.Controller(tab, "u1", userstore.Tool{ID: "assistant"})
	require.NoError(t, err)
	_, err = c.Activate(context.Background(), acct, userstore.RoleUser)
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), acct, chat.Request{Message: "hi", TabSession: tab})
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Balance())
}

// Balance 3: activate (2), failed inference debits and refunds (2), unlimited
// code adds the fallback credit.
func TestMeteredSessionScenario(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	acct := e.account(t)

	ctrl := activation.NewController(userstore.Tool{ID: "assistant"}, nil)
	lease, err := ctrl.Activate(ctx, acct, userstore.RoleUser)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, int64(2), acct.Balance())

	svc := chat.NewService(e.chats, e.users, fixed(failingAdapter{err: &adapter.Error{Kind: adapter.KindHTTP, Status: 500}}), chat.Options{})
	_, err = svc.Send(ctx, acct, chat.Request{Message: "hello"})
	require.Error(t, err)
	assert.Equal(t, int64(2), acct.Balance())

	require.NoError(t, e.codes.Create(ctx, redeem.Code{Code: "UNLIMITED999", Uses: redeem.Unlimited}))
	res, err := redeem.NewRedeemer(e.codes, redeem.Options{}).Redeem(ctx, "UNLIMITED999", acct)
	require.NoError(t, err)
	assert.Equal(t, int64(2)+redeem.DefaultUnlimitedCredit, res.NewBalance)

	stored, err := e.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.NewBalance, stored)
}

func TestResolverFailure(t *testing.T) {
	e := newEnv(t, 3)
	svc := chat.NewService(e.chats, e.users, resolverFunc(func(userstore.AIModel) (adapter.StreamingChatAdapter, error) {
		return nil, errors.New("no adapter")
	}), chat.Options{})
	_, err := svc.Send(context.Background(), e.account(t), chat.Request{Message: "hi"})
	assert.ErrorIs(t, err, chat.ErrModelUnavailable)
}
