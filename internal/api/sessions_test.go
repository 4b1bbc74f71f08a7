package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/ragops-web/internal/agent"
	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/identity"
	"github.com/ashureev/ragops-web/internal/session"
	"github.com/ashureev/ragops-web/internal/store"
)

const (
	ownerA = "owner_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	ownerB = "owner_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type silentModel struct{}

func (silentModel) Stream(context.Context, agent.ModelRequest) iter.Seq2[agent.ModelEvent, error] {
	return func(func(agent.ModelEvent, error) bool) {}
}

type fixture struct {
	router   chi.Router
	registry *session.Registry
	repo     *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ragops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := session.NewRegistry(session.Config{
		NewModel:        func(string, string) (agent.ModelClient, error) { return silentModel{}, nil },
		Repo:            repo,
		Agent:           agent.DefaultConfig(),
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4o-mini",
	})
	t.Cleanup(reg.CloseAll)

	r := chi.NewRouter()
	NewSessionHandler(reg, repo, time.Second).RegisterRoutes(r)
	NewHealthHandler(repo, reg, time.Second).RegisterHealth(r)
	return &fixture{router: r, registry: reg, repo: repo}
}

func (f *fixture) do(t *testing.T, owner, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(identity.WithOwnerID(req.Context(), owner))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", `{"provider":"anthropic","model":"claude-sonnet","project_id":"p1","enterprise":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[session.Info](t, rec)
	assert.Equal(t, "anthropic", info.Provider)
	assert.Equal(t, "claude-sonnet", info.Model)
	assert.Equal(t, "p1", info.ProjectID)
	assert.True(t, info.Enterprise)
	assert.Equal(t, "idle", string(info.State))

	rec = f.do(t, ownerA, http.MethodGet, "/api/v1/sessions/"+info.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, info.ID, decode[session.Info](t, rec).ID)

	rec = f.do(t, ownerB, http.MethodGet, "/api/v1/sessions/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDefaultsAndBadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	info := decode[session.Info](t, rec)
	assert.Equal(t, "openai", info.Provider)
	assert.Equal(t, "gpt-4o-mini", info.Model)

	rec = f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", `{"provider":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessionsScopedToOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for range 2 {
		require.Equal(t, http.StatusCreated, f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", "").Code)
	}
	require.Equal(t, http.StatusCreated, f.do(t, ownerB, http.MethodPost, "/api/v1/sessions", "").Code)

	rec := f.do(t, ownerA, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Sessions []session.Info `json:"sessions"`
	}](t, rec)
	assert.Len(t, body.Sessions, 2)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	info := decode[session.Info](t, f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", ""))

	rec := f.do(t, ownerB, http.MethodDelete, "/api/v1/sessions/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, ownerA, http.MethodDelete, "/api/v1/sessions/"+info.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
	assert.Equal(t, 0, f.registry.Len())

	rec = f.do(t, ownerA, http.MethodDelete, "/api/v1/sessions/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesAfterRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// A session persisted by a previous process, no longer live.
	now := time.Now()
	require.NoError(t, f.repo.SaveSession(ctx, &domain.SessionRecord{
		ID: "old", OwnerID: ownerA, Provider: "openai", Model: "gpt-4o-mini", CreatedAt: now, LastActivity: now,
	}))
	for _, m := range []domain.StoredMessage{
		{SessionID: "old", Role: "user", Content: "index my docs"},
		{SessionID: "old", Role: "assistant", Content: "Done."},
	} {
		require.NoError(t, f.repo.AppendMessage(ctx, &m))
	}

	rec := f.do(t, ownerA, http.MethodGet, "/api/v1/sessions/old/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Messages []domain.StoredMessage `json:"messages"`
	}](t, rec)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "index my docs", body.Messages[0].Content)

	rec = f.do(t, ownerA, http.MethodGet, "/api/v1/sessions/old/messages?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[struct {
		Messages []domain.StoredMessage `json:"messages"`
	}](t, rec)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "Done.", body.Messages[0].Content)

	assert.Equal(t, http.StatusBadRequest, f.do(t, ownerA, http.MethodGet, "/api/v1/sessions/old/messages?limit=x", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, ownerB, http.MethodGet, "/api/v1/sessions/old/messages", "").Code)
}

func TestChecklistEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	info := decode[session.Info](t, f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", ""))
	rec := f.do(t, ownerA, http.MethodGet, "/api/v1/sessions/"+info.ID+"/checklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"rendered":""}`, rec.Body.String())
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, ownerA, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	f.do(t, ownerA, http.MethodPost, "/api/v1/sessions", "")
	rec = f.do(t, ownerA, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","sessions":1,"database":"ok"}`, rec.Body.String())

	require.NoError(t, f.repo.Close())
	rec = f.do(t, ownerA, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}
