package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/mafia/internal/auth"
	"example.com/mafia/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	mu   sync.Mutex
	byID map[string]store.User
}

func (m *memUsers) Create(_ context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = map[string]store.User{}
	}
	for _, x := range m.byID {
		if x.Email == u.Email {
			return store.ErrEmailTaken
		}
	}
	m.byID[u.ID] = u
	return nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrUserNotFound
}

func (m *memUsers) GetByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

type memStats struct{}

func (memStats) InitForUser(context.Context, string) error { return nil }
func (memStats) Get(_ context.Context, id string) (store.PlayerStats, error) {
	return store.PlayerStats{UserID: id, Wins: 3, Losses: 1}, nil
}

type memWallets struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (m *memWallets) Open(_ context.Context, id string, initial int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances == nil {
		m.balances = map[string]int64{}
	}
	m.balances[id] = initial
	return nil
}

func (m *memWallets) Balance(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return 0, store.ErrWalletNotFound
	}
	return b, nil
}

func newTestRouter() (http.Handler, *auth.Service) {
	authSvc := auth.NewService([]byte("test-secret"))
	h := &AuthHandler{
		Users:           &memUsers{},
		Stats:           memStats{},
		Wallets:         &memWallets{},
		Auth:            authSvc,
		TokenTTL:        time.Hour,
		StartingBalance: 100,
	}
	r := chi.NewRouter()
	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)
	r.With(AuthMiddleware(authSvc)).Get("/api/me", h.Me)
	return r, authSvc
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthFlow(t *testing.T) {
	h, _ := newTestRouter()

	rec := do(t, h, http.MethodPost, "/api/auth/register", `{"email":" Alice@Example.com ","password":"secret1","displayName":"Alice"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/auth/register", `{"email":"alice@example.com","password":"secret1","displayName":"Al"}`, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"wrong!!"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"secret1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.AccessToken)

	rec = do(t, h, http.MethodGet, "/api/me", "", login.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "alice@example.com", me.Email)
	assert.Equal(t, int64(100), me.Balance)
	assert.Equal(t, 3, me.Stats.Wins)
}

func TestRegister_Validation(t *testing.T) {
	h, _ := newTestRouter()
	cases := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{`},
		{name: "missing name", body: `{"email":"a@b.c","password":"secret1"}`},
		{name: "short password", body: `{"email":"a@b.c","password":"x","displayName":"A"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/auth/register", tc.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, "bad_request", e.Code)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	h, authSvc := newTestRouter()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/me", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/me", "", "garbage").Code)

	tok, err := authSvc.SignWithName("ghost", "Ghost", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/me", "", tok).Code, "unknown user")
}
