package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaotools/toolmeter/internal/activation"
	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/adapter/loopback"
	"github.com/yaotools/toolmeter/internal/auth"
	"github.com/yaotools/toolmeter/internal/chat"
	chatsqlite "github.com/yaotools/toolmeter/internal/chat/sqlite"
	"github.com/yaotools/toolmeter/internal/health"
	"github.com/yaotools/toolmeter/internal/ledger"
	ledgersqlite "github.com/yaotools/toolmeter/internal/ledger/sqlite"
	"github.com/yaotools/toolmeter/internal/metrics"
	"github.com/yaotools/toolmeter/internal/ratelimit"
	"github.com/yaotools/toolmeter/internal/redeem"
	redeemsqlite "github.com/yaotools/toolmeter/internal/redeem/sqlite"
	"github.com/yaotools/toolmeter/internal/userstore"
	usersqlite "github.com/yaotools/toolmeter/internal/userstore/sqlite"
)

const adminEmail = "admin@yaotools.test"

type loopbackResolver struct{ a adapter.StreamingChatAdapter }

func (r loopbackResolver) Resolve(userstore.AIModel) (adapter.StreamingChatAdapter, error) {
	return r.a, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	users   *usersqlite.Store
}

func newTestEnv(t *testing.T, initial int64, authDisabled bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	users, err := usersqlite.New(filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	codes, err := redeemsqlite.New(filepath.Join(dir, "codes.db"))
	require.NoError(t, err)
	chats, err := chatsqlite.New(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = users.UpsertModel(ctx, userstore.AIModel{ID: "m-default", Name: "Default", ModelName: "gpt-4o-mini", IsActive: true, IsDefault: true})
	require.NoError(t, err)
	_, err = users.UpsertTool(ctx, userstore.Tool{ID: "json-formatter", Name: "JSON Formatter", IsActive: true})
	require.NoError(t, err)
	_, err = users.UpsertTool(ctx, userstore.Tool{ID: "pro-tool", Name: "Pro", RequiredRole: userstore.RolePremium, IsActive: true})
	require.NoError(t, err)

	collector := metrics.NewCollector()
	lg := ledger.New(ledgerStore, ledger.Options{InitialBalance: initial, Recorder: collector})
	svc := &activation.Services{Usage: ledgerStore, Tools: users, Recorder: collector}
	registry := activation.NewRegistry(svc, time.Minute)
	echo := loopback.New()
	echo.ChunkSize = 2
	manager, err := auth.NewManager("test-secret")
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Wait()
		_ = ledgerStore.Close()
		_ = users.Close()
		_ = codes.Close()
		_ = chats.Close()
	})

	srv := New(Deps{
		Ledger:        lg,
		Usage:         ledgerStore,
		Identity:      users,
		Auth:          manager,
		Registry:      registry,
		Redeemer:      redeem.NewRedeemer(codes, redeem.Options{Recorder: collector}),
		Generator:     redeem.NewGenerator(codes),
		Chat:          chat.NewService(chats, users, loopbackResolver{echo}, chat.Options{Recorder: collector}),
		Metrics:       collector,
		Health:        health.New(health.Config{Stores: map[string]health.Pinger{"ledger": ledgerStore, "userstore": users}}),
		RedeemLimiter: ratelimit.NewLimiter(ratelimit.Config{Scope: "redeem", PerMinute: 1, Burst: 2}),
	}, adminEmail)
	srv.SetAuthDisabled(authDisabled)
	return &testEnv{server: srv, handler: srv.Router(), users: users}
}

type caller struct {
	env     *testEnv
	headers map[string]string
}

func (e *testEnv) as(headers map[string]string) caller {
	return caller{env: e, headers: headers}
}

func (c caller) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.env.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func login(t *testing.T, env *testEnv, email string) caller {
	t.Helper()
	anon := env.as(nil)
	rec := anon.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	if token, ok := body["token"].(string); ok {
		return env.as(map[string]string{"Authorization": "Bearer " + token})
	}
	rec = anon.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{
		"challenge_id": body["challenge_id"].(string),
		"code":         body["code"].(string),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return env.as(map[string]string{"Authorization": "Bearer " + decode(t, rec)["token"].(string)})
}

func TestAuthLoginAndVerify(t *testing.T) {
	env := newTestEnv(t, 0, false)

	rec := env.as(nil).do(t, http.MethodGet, "/api/v1/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	user := login(t, env, "User@Example.com")
	rec = user.do(t, http.MethodGet, "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, "user@example.com", profile["email"])
	assert.Equal(t, "user", profile["role"])

	rec = user.do(t, http.MethodGet, "/api/v1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, decode(t, rec)["remaining_uses"])

	rec = env.as(nil).do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"challenge_id": "nope", "code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminCodesAndRedeem(t *testing.T) {
	env := newTestEnv(t, 0, false)
	admin := login(t, env, adminEmail)
	user := login(t, env, "user@example.com")

	rec := user.do(t, http.MethodPost, "/api/v1/admin/codes", map[string]any{"count": 1, "uses": 5})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = admin.do(t, http.MethodPost, "/api/v1/admin/codes", map[string]any{"count": 2, "uses": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	codes := decode(t, rec)["codes"].([]any)
	require.Len(t, codes, 2)
	code := codes[0].(map[string]any)["code"].(string)

	rec = user.do(t, http.MethodPost, "/api/v1/redeem", map[string]string{"code": strings.ToLower(code)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 15, decode(t, rec)["remaining_uses"])

	rec = user.do(t, http.MethodPost, "/api/v1/redeem", map[string]string{"code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = admin.do(t, http.MethodGet, "/api/v1/admin/codes?used=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	used := decode(t, rec)["codes"].([]any)
	require.Len(t, used, 1)
	assert.Equal(t, code, used[0].(map[string]any)["code"])

	rec = user.do(t, http.MethodPost, "/api/v1/redeem", map[string]string{"code": "UNKNOWN"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminGrantIsIdempotentByReference(t *testing.T) {
	env := newTestEnv(t, 0, true)
	admin := env.as(map[string]string{userEmailHeader: adminEmail})
	user := env.as(map[string]string{userEmailHeader: "user@example.com"})

	rec := user.do(t, http.MethodGet, "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	userID := decode(t, rec)["user"].(map[string]any)["id"].(string)

	body := map[string]any{"amount": 4, "reference": "ticket-42"}
	for i := 0; i < 2; i++ {
		rec = admin.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/grant", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.EqualValues(t, 14, decode(t, rec)["remaining_uses"])
	}

	rec = admin.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/grant", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = user.do(t, http.MethodGet, "/api/v1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "grant", entries[0].(map[string]any)["reason"])
}

func TestActivationLifecycle(t *testing.T) {
	env := newTestEnv(t, 1, true)
	user := env.as(map[string]string{userEmailHeader: "user@example.com"})

	rec := user.do(t, http.MethodPost, "/api/v1/tools/json-formatter/activation", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = user.do(t, http.MethodPost, "/api/v1/tabs", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decode(t, rec)["tab_session"].(string)
	tab := env.as(map[string]string{userEmailHeader: "user@example.com", tabHeader: sid})

	rec = tab.do(t, http.MethodGet, "/api/v1/tools/json-formatter/activation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "locked", decode(t, rec)["state"])

	rec = tab.do(t, http.MethodPost, "/api/v1/tools/pro-tool/activation", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tab.do(t, http.MethodPost, "/api/v1/tools/json-formatter/activation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, false, body["input_blocked"])
	assert.EqualValues(t, 0, body["remaining_uses"])

	// a second activation in the same tab is free
	rec = tab.do(t, http.MethodPost, "/api/v1/tools/json-formatter/activation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tab.do(t, http.MethodPost, "/api/v1/tabs/"+sid+"/navigate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["locked"])

	rec = tab.do(t, http.MethodPost, "/api/v1/tools/json-formatter/activation", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "locked", body["state"])
	assert.Equal(t, true, body["prompt_visible"])

	rec = tab.do(t, http.MethodDelete, "/api/v1/tools/json-formatter/activation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["prompt_visible"])

	other := env.as(map[string]string{userEmailHeader: "other@example.com", tabHeader: sid})
	rec = other.do(t, http.MethodGet, "/api/v1/tools/json-formatter/activation", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tab.do(t, http.MethodPost, "/api/v1/tabs/"+sid+"/unload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = tab.do(t, http.MethodGet, "/api/v1/tools/json-formatter/activation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.server.Registry.Services().Wait()
	tool, err := env.users.GetTool(context.Background(), "json-formatter")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tool.UsageCount)

	rec = user.do(t, http.MethodGet, "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["usage"].([]any), 1)
}

func TestChatBufferedAndStreaming(t *testing.T) {
	env := newTestEnv(t, 3, true)
	user := env.as(map[string]string{userEmailHeader: "user@example.com"})

	rec := user.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode(t, rec)["models"].([]any)
	require.Len(t, models, 1)
	assert.NotContains(t, models[0].(map[string]any), "api_key")

	rec = user.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = user.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["remaining_uses"])
	assert.Equal(t, "[loopback] hi", body["message"].(map[string]any)["ai_response"])

	rec = user.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"message": "stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	stream := rec.Body.String()
	assert.Contains(t, stream, "event: delta\n")
	assert.Contains(t, stream, "event: done\n")
	assert.Contains(t, stream, `"ai_response":"[loopback] stream"`)

	rec = user.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"message": "x", "model_id": "missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = user.do(t, http.MethodGet, "/api/v1/chat/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"].([]any), 2)

	rec = user.do(t, http.MethodDelete, "/api/v1/chat/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["deleted"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 0, true)
	user := env.as(map[string]string{userEmailHeader: "user@example.com"})
	require.Equal(t, http.StatusOK, user.do(t, http.MethodGet, "/api/v1/balance", nil).Code)

	rec := env.as(nil).do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Len(t, body["components"].([]any), 2)

	rec = env.as(nil).do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "toolmeter_")
	assert.Contains(t, rec.Body.String(), "/api/v1/balance")
}

func TestAuthDisabledRequiresEmailHeader(t *testing.T) {
	env := newTestEnv(t, 0, true)
	rec := env.as(nil).do(t, http.MethodGet, "/api/v1/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.as(nil).do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "a@b.c"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
