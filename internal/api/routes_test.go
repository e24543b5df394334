package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sagaler1/v-chatbot/internal/audit"
	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/chat"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/sagaler1/v-chatbot/internal/logging"
	"github.com/sagaler1/v-chatbot/internal/observability"
	"github.com/sagaler1/v-chatbot/internal/postprocess"
	"github.com/sagaler1/v-chatbot/internal/providers"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sagaler1/v-chatbot/internal/repository/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	deltas  []string
	failErr error
	openErr error
}

func (p *fakeProvider) script(deltas []string, failErr, openErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas, p.failErr, p.openErr = deltas, failErr, openErr
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(context.Context, providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) StreamComplete(ctx context.Context, _ providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	p.mu.Lock()
	deltas, failErr, openErr := p.deltas, p.failErr, p.openErr
	p.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- providers.StreamChunk{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		if failErr != nil {
			select {
			case ch <- providers.StreamChunk{Err: failErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

type taskLog struct {
	mu    sync.Mutex
	tasks []postprocess.Task
}

func (l *taskLog) Submit(_ context.Context, task postprocess.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, task)
	return nil
}

func (l *taskLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

type testServer struct {
	app      *fiber.App
	auth     *auth.Service
	turns    *sqlstore.TurnStore
	sessions *sqlstore.SessionRepository
	relay    *chat.Relay
	provider *fakeProvider
	tasks    *taskLog
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dbCfg := config.DatabaseConfig{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "vchat.db")}
	require.NoError(t, database.RunMigrations(dbCfg))
	db, err := database.NewConnection(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			CORSOrigins:        "http://localhost:3000",
			StreamWriteTimeout: 2 * time.Second,
			LoginRateLimit:     100,
		},
		Auth: config.AuthConfig{CookieName: "auth_token", TokenTTL: time.Hour},
	}
	logger := logging.Discard()

	authService := auth.NewService(sqlstore.NewUserRepository(db.DB), auth.NewJWTService("test-secret", "v-chatbot", time.Hour))
	_, _, err = authService.Upsert(context.Background(), "alice", "password123")
	require.NoError(t, err)
	token, err := authService.IssueToken(context.Background(), "alice")
	require.NoError(t, err)

	turns := sqlstore.NewTurnStore(db.DB)
	sessions := sqlstore.NewSessionRepository(db.DB)
	provider := &fakeProvider{}
	tasks := &taskLog{}
	reg := prometheus.NewRegistry()

	relay := chat.NewRelay(chat.RelayDeps{
		Verifier: authService,
		Sessions: sessions,
		Turns:    turns,
		Provider: provider,
		Tasks:    tasks,
		Metrics:  observability.NewMetrics(reg),
		Logger:   logger,
	}, chat.Config{RecentTurns: 4, IdleTimeout: time.Second, PersistTimeout: time.Second})

	app := NewApp(cfg.Server, logger)
	SetupRoutes(app, Deps{
		Config:   cfg,
		Auth:     authService,
		Audit:    audit.NewService(sqlstore.NewAuditLogRepository(db.DB), logger),
		Relay:    relay,
		Turns:    turns,
		Sessions: sessions,
		Gatherer: reg,
		Logger:   logger,
	})

	return &testServer{
		app:      app,
		auth:     authService,
		turns:    turns,
		sessions: sessions,
		relay:    relay,
		provider: provider,
		tasks:    tasks,
		token:    token,
	}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) (*http.Response, error) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.app.Test(req, 5000)
}

func chatBody(sessionID string, msgs ...string) string {
	type m struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	list := make([]m, len(msgs))
	for i, c := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		list[i] = m{Role: role, Content: c}
	}
	b, _ := json.Marshal(map[string]interface{}{
		"messages":  list,
		"model":     "test-model",
		"sessionId": sessionID,
	})
	return string(b)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestChatStreamsAndPersists(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"Hel", "lo"}, nil, nil)

	resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Equal(t, "Hello", readBody(t, resp))

	identity, err := s.auth.Verify(context.Background(), s.token)
	require.NoError(t, err)
	turns, err := s.turns.ListTurns(context.Background(), "s1", identity.UserID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, repository.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, repository.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello", turns[1].Content)
	assert.Equal(t, 1, s.tasks.count())
}

func TestChatErrorStatuses(t *testing.T) {
	s := newTestServer(t)

	_, _, err := s.auth.Upsert(context.Background(), "bob", "password456")
	require.NoError(t, err)
	bobToken, err := s.auth.IssueToken(context.Background(), "bob")
	require.NoError(t, err)
	s.provider.script([]string{"ok"}, nil, nil)
	resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("bobs", "hello"), bobToken)
	require.NoError(t, err)
	readBody(t, resp)

	tests := []struct {
		name    string
		body    string
		token   string
		openErr error
		want    int
	}{
		{name: "no credential", body: chatBody("s1", "hi"), want: http.StatusUnauthorized},
		{name: "bad token", body: chatBody("s1", "hi"), token: "garbage", want: http.StatusUnauthorized},
		{name: "malformed body without credential", body: "{", want: http.StatusUnauthorized},
		{name: "malformed body", body: "{", token: s.token, want: http.StatusBadRequest},
		{name: "no messages", body: chatBody("s1"), token: s.token, want: http.StatusBadRequest},
		{name: "last message from assistant", body: chatBody("s1", "hi", "there"), token: s.token, want: http.StatusBadRequest},
		{name: "foreign session", body: chatBody("bobs", "hi"), token: s.token, want: http.StatusNotFound},
		{name: "provider down", body: chatBody("s2", "hi"), token: s.token, openErr: errors.New("connection refused"), want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.provider.script([]string{"ok"}, nil, tt.openErr)
			resp, err := s.do(t, http.MethodPost, "/api/chat", tt.body, tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)

			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &payload))
			assert.NotEmpty(t, payload["error"])
		})
	}

	identity, err := s.auth.Verify(context.Background(), s.token)
	require.NoError(t, err)
	list, err := s.sessions.List(context.Background(), identity.UserID)
	require.NoError(t, err)
	// Only the upstream failure got far enough to create a session.
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].ID)
}

func TestChatUnauthenticatedIsNeverThrottled(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"ok"}, nil, nil)

	_, _, err := s.auth.Upsert(context.Background(), "bob", "password456")
	require.NoError(t, err)
	bobToken, err := s.auth.IssueToken(context.Background(), "bob")
	require.NoError(t, err)

	// Two users behind one address, well past any per-minute budget.
	for i := 0; i < 40; i++ {
		for session, token := range map[string]string{"alice-s": s.token, "bob-s": bobToken} {
			resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody(session, "hi"), token)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			readBody(t, resp)
		}
	}

	for _, token := range []string{"", "forged"} {
		resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), token)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		readBody(t, resp)
	}
}

func TestChatAfterRelayShutdown(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"ok"}, nil, nil)
	require.NoError(t, s.relay.Shutdown(context.Background()))

	resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	readBody(t, resp)

	resp, err = s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readBody(t, resp)
}

func TestChatPartialStreamAbortsResponse(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"Par"}, errors.New("upstream reset"), nil)

	resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), s.token)
	if err == nil {
		_, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}
	assert.Error(t, err)

	identity, verr := s.auth.Verify(context.Background(), s.token)
	require.NoError(t, verr)
	assert.Eventually(t, func() bool {
		turns, err := s.turns.ListTurns(context.Background(), "s1", identity.UserID)
		return err == nil && len(turns) == 2 && turns[1].Content == "Par"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatHistory(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"Hello"}, nil, nil)

	resp, err := s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), s.token)
	require.NoError(t, err)
	readBody(t, resp)

	resp, err = s.do(t, http.MethodGet, "/api/chat?sessionId=s1", "", s.token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &items))
	require.Len(t, items, 2)
	assert.Equal(t, map[string]string{"role": "user", "content": "hi", "model": "test-model"}, items[0])
	assert.Equal(t, "Hello", items[1]["content"])

	resp, err = s.do(t, http.MethodGet, "/api/chat", "", s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = s.do(t, http.MethodGet, "/api/chat?sessionId=s1", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginAndLogout(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong-password"}`, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = s.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"password123"}`, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "auth_token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	var payload struct {
		Success bool `json:"success"`
		User    struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "alice", payload.User.Username)

	// The cookie alone authenticates.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(cookie)
	resp, err = s.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.do(t, http.MethodPost, "/api/auth/logout", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == "auth_token" {
			assert.Empty(t, c.Value)
		}
	}
}

func TestSessionCRUD(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.do(t, http.MethodPost, "/api/sessions", `{}`, s.token)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, repository.DefaultSessionTitle, created.Title)

	resp, err = s.do(t, http.MethodPut, "/api/sessions/"+created.ID, `{"title":"Go channels"}`, s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.do(t, http.MethodGet, "/api/sessions", "", s.token)
	require.NoError(t, err)
	var listed struct {
		Sessions []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "Go channels", listed.Sessions[0].Title)

	resp, err = s.do(t, http.MethodPut, "/api/sessions/"+created.ID, `{"title":"  "}`, s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = s.do(t, http.MethodDelete, "/api/sessions/"+created.ID, "", s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = s.do(t, http.MethodDelete, "/api/sessions/"+created.ID, "", s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.provider.script([]string{"x"}, nil, nil)

	resp, err := s.do(t, http.MethodGet, "/healthz", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.do(t, http.MethodPost, "/api/chat", chatBody("s1", "hi"), s.token)
	require.NoError(t, err)
	readBody(t, resp)

	resp, err = s.do(t, http.MethodGet, "/metrics", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `vchat_chat_requests_total{status="success",transport="http"} 1`)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.do(t, http.MethodGet, "/ws/chat", "", s.token)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
