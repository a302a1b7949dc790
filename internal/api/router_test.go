package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/app"
	"github.com/rewear/exchange-service/internal/domain"
	"github.com/rewear/exchange-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type apiFixture struct {
	t      *testing.T
	store  *store.MemoryStore
	server *httptest.Server
}

func newAPIFixture(t *testing.T, limiter app.RateLimiter) *apiFixture {
	t.Helper()
	s := store.NewMemoryStore()
	svc := app.NewService(s, app.ServiceConfig{}, nil, nil)
	handler := Routes(NewHandlers(svc, nil), RouterConfig{
		Identity:                   IdentityConfig{Secret: testSecret},
		Limiter:                    limiter,
		ExchangeRateLimitPerMinute: 2,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{t: t, store: s, server: srv}
}

func hmacToken(t *testing.T, sub uuid.UUID, name string, admin bool) string {
	t.Helper()
	claims := identityClaims{
		Name:  name,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// do sends a request and decodes the JSON response into out when out is non-nil.
func (f *apiFixture) do(method, path, token string, body interface{}, out interface{}) int {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type member struct {
	id    uuid.UUID
	token string
}

func (f *apiFixture) register(name string, admin bool) member {
	f.t.Helper()
	m := member{id: uuid.New()}
	m.token = hmacToken(f.t, m.id, name, admin)
	var user domain.User
	require.Equal(f.t, http.StatusCreated, f.do(http.MethodPost, "/api/users/me", m.token, nil, &user))
	require.Equal(f.t, m.id, user.ID)
	return m
}

func (f *apiFixture) listItem(owner, admin member, points int64) domain.Item {
	f.t.Helper()
	var item domain.Item
	status := f.do(http.MethodPost, "/api/items", owner.token, domain.SubmitItemPayload{
		Title:     "Wool coat",
		Category:  "Outerwear",
		Condition: "excellent",
		Images:    []string{"img://coat"},
		Points:    points,
	}, &item)
	require.Equal(f.t, http.StatusCreated, status)
	require.Equal(f.t, "Excellent", item.Condition)

	require.Equal(f.t, http.StatusOK, f.do(http.MethodPost, "/api/admin/items/"+item.ID.String()+"/approve", admin.token, nil, &item))
	require.Equal(f.t, domain.ItemStatusApproved, item.Status)
	return item
}

func TestAuthenticationIsRequired(t *testing.T) {
	f := newAPIFixture(t, nil)

	var body errorResponse
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/me", "", nil, &body))
	assert.Equal(t, "unauthenticated", body.Error)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/me", "garbage", nil, nil))

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/me", forged, nil, nil))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/me", expired, nil, nil))

	// A valid token for an unregistered member is refused by the coordinator.
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/users/me", hmacToken(t, uuid.New(), "x", false), nil, &body))
	assert.Equal(t, domain.KindNotAuthorized, body.Error)
}

func TestRedeemFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := f.register("Admin", true)
	a := f.register("A", false)
	b := f.register("B", false)

	var again domain.User
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/users/me", a.token, nil, &again), "registration is idempotent")

	item := f.listItem(a, admin, 40)

	var catalog struct {
		Data []domain.Item `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/items?sort=points_high&limit=5", b.token, nil, &catalog))
	require.Len(t, catalog.Data, 1)

	var req domain.SwapRequest
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/items/"+item.ID.String()+"/redeem", b.token, nil, &req))
	assert.Equal(t, domain.SwapStatusCompleted, req.Status)

	var dash domain.Dashboard
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/users/me", a.token, nil, &dash))
	assert.Equal(t, int64(140), dash.User.Points)
	assert.Equal(t, 1, dash.CompletedSwaps)

	var ledger struct {
		Data []domain.LedgerEntry `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/users/me/ledger", b.token, nil, &ledger))
	require.Len(t, ledger.Data, 2)
	assert.Equal(t, int64(60), ledger.Data[0].BalanceAfter)

	var body errorResponse
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/items/"+item.ID.String()+"/redeem", b.token, nil, &body))
	assert.Equal(t, domain.KindInvalidState, body.Error)

	var stats domain.PlatformStats
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/admin/stats", admin.token, nil, &stats))
	assert.Equal(t, int64(1), stats.CompletedRedemptions)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/admin/stats", a.token, nil, nil))
}

func TestInsufficientBalanceIs422(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := f.register("Admin", true)
	a := f.register("A", false)
	b := f.register("B", false)
	item := f.listItem(a, admin, 150)

	var body errorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/items/"+item.ID.String()+"/redeem", b.token, nil, &body))
	assert.Equal(t, domain.KindInsufficientBalance, body.Error)
}

func TestAcceptRaceReturnsRejectedRequest(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := f.register("Admin", true)
	a := f.register("A", false)
	b := f.register("B", false)
	item := f.listItem(a, admin, 40)

	var req domain.SwapRequest
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/items/"+item.ID.String()+"/swap-requests", b.token, nil, &req))

	var detail domain.SwapRequest
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/swap-requests/"+req.ID.String(), b.token, nil, &detail))
	stranger := f.register("C", false)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/swap-requests/"+req.ID.String(), stranger.token, nil, nil))

	err := f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		it, err := tx.GetItemForUpdate(ctx, item.ID)
		if err != nil {
			return err
		}
		it.Available = false
		return tx.UpdateItem(ctx, it)
	})
	require.NoError(t, err)

	var body errorResponse
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/swap-requests/"+req.ID.String()+"/accept", a.token, nil, &body))
	assert.Equal(t, domain.KindInvalidState, body.Error)
	require.NotNil(t, body.SwapRequest)
	assert.Equal(t, domain.SwapStatusRejected, body.SwapRequest.Status)
	assert.Equal(t, domain.ReasonItemUnavailable, *body.SwapRequest.RejectionReason)
}

func TestAdminEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := f.register("Admin", true)
	a := f.register("A", false)

	var pending domain.Item
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/items", a.token, domain.SubmitItemPayload{
		Title: "Hat", Images: []string{"i"}, Points: 15,
	}, &pending))

	var queue struct {
		Data []domain.Item `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/admin/items", admin.token, nil, &queue))
	require.Len(t, queue.Data, 1)

	reason := "duplicate listing"
	var rejected domain.Item
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/admin/items/"+pending.ID.String()+"/reject", admin.token, domain.RejectItemPayload{Reason: &reason}, &rejected))
	assert.Equal(t, reason, *rejected.RejectionReason)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/admin/items/"+pending.ID.String(), admin.token, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/items/"+pending.ID.String(), admin.token, nil, nil))

	var banned domain.User
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/admin/users/"+a.id.String()+"/ban", admin.token, map[string]bool{"is_banned": true}, &banned))
	assert.True(t, banned.IsBanned)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/users/me", a.token, nil, nil))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/admin/users/"+a.id.String()+"/admin", admin.token, map[string]string{}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/admin/users/"+admin.id.String()+"/admin", admin.token, map[string]bool{"is_admin": false}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/items/not-a-uuid", admin.token, nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/admin/users?limit=-1", admin.token, nil, nil))

	var users struct {
		Data []domain.User `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/admin/users", admin.token, nil, &users))
	assert.Len(t, users.Data, 2)
}

type fixedLimiter struct {
	count int
	err   error
}

func (l *fixedLimiter) Allow(_ context.Context, _ string, _ string, limit int, _ time.Duration) (app.RateDecision, error) {
	l.count++
	return app.RateDecision{
		Allowed:    l.count <= limit,
		Limit:      limit,
		RetryAfter: 42 * time.Second,
	}, l.err
}

func TestExchangeRoutesAreRateLimited(t *testing.T) {
	limiter := &fixedLimiter{}
	f := newAPIFixture(t, limiter)
	b := f.register("B", false)
	path := "/api/items/" + uuid.NewString() + "/redeem"

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, path, b.token, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, path, b.token, nil, nil))

	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+b.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("Retry-After"))

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/users/me", b.token, nil, nil))
	assert.Equal(t, 3, limiter.count)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		domain.KindValidation:          http.StatusBadRequest,
		domain.KindNotAuthorized:       http.StatusForbidden,
		domain.KindNotFound:            http.StatusNotFound,
		domain.KindInvalidState:        http.StatusConflict,
		domain.KindConflict:            http.StatusConflict,
		domain.KindInsufficientBalance: http.StatusUnprocessableEntity,
		domain.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}

func TestJWKSVerification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer jwks.Close()

	sub := uuid.New()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, identityClaims{
		Name:  "Ada",
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.String(),
			Issuer:    "https://id.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	var got domain.Identity
	mw := IdentityMiddleware(IdentityConfig{JWKSURL: jwks.URL, Issuer: "https://id.example"}, zapNop())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, sub, got.UserID)
	assert.True(t, got.IsAdmin)
	assert.Equal(t, "Ada", got.DisplayName)

	wrongIssuer := IdentityMiddleware(IdentityConfig{JWKSURL: jwks.URL, Issuer: "https://other"}, zapNop())
	rec = httptest.NewRecorder()
	wrongIssuer(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func zapNop() *zap.Logger { return zap.NewNop() }
