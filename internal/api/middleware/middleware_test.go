package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/models"
)

const testSecret = "middleware-test-secret-0123456789"

type stubKeys struct {
	keys    []*models.SensorKey
	err     error
	used    chan uuid.UUID
	lookups atomic.Int32
}

func (s *stubKeys) GetByPrefix(_ context.Context, prefix string) ([]*models.SensorKey, error) {
	s.lookups.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.SensorKey
	for _, k := range s.keys {
		if k.Prefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *stubKeys) UpdateLastUsed(_ context.Context, id uuid.UUID) error {
	select {
	case s.used <- id:
	default:
	}
	return nil
}

func run(t *testing.T, mw []echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, c
}

func TestAuthenticate_JWT(t *testing.T) {
	cfg := AuthConfig{JWTSecret: testSecret, JWTIssuer: "pc"}
	tok, err := auth.IssueJWT(testSecret, "pc", "fda@example.com", models.RoleFDA, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	rec, c := run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	p, ok := PrincipalFrom(c)
	require.True(t, ok)
	assert.Equal(t, "fda@example.com", p.Email)
	assert.Equal(t, models.RoleFDA, p.Role)
	assert.False(t, p.IsSensor())

	wrongIssuer, err := auth.IssueJWT(testSecret, "other", "fda@example.com", models.RoleFDA, time.Minute)
	require.NoError(t, err)
	noEmail, err := auth.IssueJWT(testSecret, "pc", "", models.RoleFDA, time.Minute)
	require.NoError(t, err)
	expired, err := auth.IssueJWT(testSecret, "pc", "fda@example.com", models.RoleFDA, -time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"basic scheme": "Basic Zm9vOmJhcg==",
		"no token":     "Bearer ",
		"wrong issuer": "Bearer " + wrongIssuer,
		"no email":     "Bearer " + noEmail,
		"expired":      "Bearer " + expired,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set(echo.HeaderAuthorization, header)
			}
			rec, _ := run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticate_SensorKey(t *testing.T) {
	plaintext, hash, prefix, err := auth.GenerateSensorKey()
	require.NoError(t, err)
	key := &models.SensorKey{ID: uuid.New(), SensorID: "S1", Prefix: prefix, KeyHash: hash}
	keys := &stubKeys{keys: []*models.SensorKey{key}, used: make(chan uuid.UUID, 1)}
	cfg := AuthConfig{JWTSecret: testSecret, Keys: keys}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+plaintext)
	rec, c := run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	p, _ := PrincipalFrom(c)
	assert.True(t, p.IsSensor())
	assert.Equal(t, "S1", p.SensorID)
	assert.Equal(t, key.ID, p.KeyID)

	select {
	case id := <-keys.used:
		assert.Equal(t, key.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last used was not recorded")
	}

	// Same prefix, wrong secret.
	last := "x"
	if strings.HasSuffix(plaintext, last) {
		last = "y"
	}
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+plaintext[:len(plaintext)-1]+last)
	rec, _ = run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	keys.err = models.ErrStoreUnavailable
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+plaintext)
	rec, _ = run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthenticate_SensorKeyCache(t *testing.T) {
	plaintext, hash, prefix, err := auth.GenerateSensorKey()
	require.NoError(t, err)
	key := &models.SensorKey{ID: uuid.New(), SensorID: "S7", Prefix: prefix, KeyHash: hash}
	keys := &stubKeys{keys: []*models.SensorKey{key}, used: make(chan uuid.UUID, 8)}
	cache := NewSensorKeyCache(16, time.Minute)
	mw := Authenticate(AuthConfig{Keys: keys, Cache: cache})

	send := func() (*httptest.ResponseRecorder, echo.Context) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+plaintext)
		return run(t, []echo.MiddlewareFunc{mw}, req)
	}

	for range 3 {
		rec, c := send()
		require.Equal(t, http.StatusOK, rec.Code)
		p, _ := PrincipalFrom(c)
		assert.Equal(t, "S7", p.SensorID)
	}
	assert.EqualValues(t, 1, keys.lookups.Load())

	cache.Forget(key.ID)
	keys.keys = nil
	rec, _ := send()
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.EqualValues(t, 2, keys.lookups.Load())

	var disabled *SensorKeyCache
	disabled.Forget(key.ID)
	_, ok := disabled.get(plaintext)
	assert.False(t, ok)
}

func TestAuthenticate_WebSocketQueryToken(t *testing.T) {
	cfg := AuthConfig{JWTSecret: testSecret}
	tok, err := auth.IssueJWT(testSecret, "", "ph@example.com", models.RolePharmacy, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/stream?access_token="+tok, nil)
	rec, _ := run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "query tokens are for websocket handshakes only")

	req = httptest.NewRequest(http.MethodGet, "/stream?access_token="+tok, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec, _ = run(t, []echo.MiddlewareFunc{Authenticate(cfg)}, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireUser(t *testing.T) {
	withPrincipal := func(p *Principal) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(ContextKeyPrincipal, p)
				return next(c)
			}
		}
	}
	fda := &Principal{Email: "fda@example.com", Role: models.RoleFDA}
	sensor := &Principal{SensorID: "S1"}

	cases := []struct {
		name  string
		p     *Principal
		roles []models.Role
		want  int
	}{
		{"any user", fda, nil, http.StatusOK},
		{"role allowed", fda, []models.Role{models.RoleFDA}, http.StatusOK},
		{"role denied", fda, []models.Role{models.RoleManufacturer}, http.StatusForbidden},
		{"sensor denied", sensor, nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec, _ := run(t, []echo.MiddlewareFunc{withPrincipal(tc.p), RequireUser(tc.roles...)}, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec, _ := run(t, []echo.MiddlewareFunc{RequireUser()}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "abc-123")
	rec, c := run(t, []echo.MiddlewareFunc{RequestID()}, req)
	assert.Equal(t, "abc-123", rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, "abc-123", RequestIDFrom(c))

	for _, bad := range []string{"", strings.Repeat("a", 65), "has space", "tab\tid"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderXRequestID, bad)
		rec, _ := run(t, []echo.MiddlewareFunc{RequestID()}, req)
		_, err := uuid.Parse(rec.Header().Get(echo.HeaderXRequestID))
		assert.NoError(t, err, "id %q should be replaced", bad)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec, _ := run(t, []echo.MiddlewareFunc{SecurityHeaders(false)}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec, _ = run(t, []echo.MiddlewareFunc{SecurityHeaders(true)}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRateLimit_PerClient(t *testing.T) {
	mw := RateLimit(1, 1, nil)
	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":4000"
		rec, _ := run(t, []echo.MiddlewareFunc{mw}, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	limited := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)
}

func TestClientLimiter_Evicts(t *testing.T) {
	now := time.Now()
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }
	ok, _ := l.reserve("a")
	require.True(t, ok)

	now = now.Add(clientLimiterTTL + time.Second)
	l.evict()
	assert.Empty(t, l.entries)
}

func TestClientLimiter_SweepsOnRequestPath(t *testing.T) {
	now := time.Now()
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }
	for _, k := range []string{"a", "b"} {
		ok, _ := l.reserve(k)
		require.True(t, ok)
	}

	// Before the sweep interval idle entries stay.
	now = now.Add(clientLimiterCleanup - time.Second)
	l.reserve("c")
	assert.Len(t, l.entries, 3)

	now = now.Add(clientLimiterTTL + time.Second)
	ok, _ := l.reserve("d")
	require.True(t, ok)
	assert.Len(t, l.entries, 1)
	assert.Contains(t, l.entries, "d")
}

func TestAccessLog_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	e := echo.New()
	e.Use(AccessLog(log))
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/missing", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })
	e.GET("/boom", func(c echo.Context) error { return errors.New("boom") })

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
