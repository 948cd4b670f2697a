package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ntheanh201/vibesdk/internal/agent"
	"github.com/ntheanh201/vibesdk/internal/app"
	"github.com/ntheanh201/vibesdk/internal/config"
	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/ratelimit"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	apps, err := app.OpenService("")
	if err != nil {
		t.Fatalf("OpenService() error = %v", err)
	}
	t.Cleanup(func() { _ = apps.Close() })

	cfg := &config.Config{
		Port:             3000,
		Env:              "development",
		RateLimitPerHour: 10000,
		RateLimitBurst:   10000,
	}
	factory := func(core.AgentID, string, string) (agent.Config, []agent.Option, error) {
		return agent.Config{}, nil, core.ErrInternal("agent factory not wired in this test")
	}
	return NewServer(cfg, apps, agent.NewManager(nil), ratelimit.NewStore(nil), factory, nil)
}

// fetchCSRF returns the issued token and its cookie.
func fetchCSRF(t *testing.T, handler http.Handler) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token status = %d", rec.Code)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding token: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName {
			return body.Token, c
		}
	}
	t.Fatal("csrf cookie not set")
	return "", nil
}

func TestCSRF_MutationWithoutTokenRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Code != "CSRF_VIOLATION" {
		t.Errorf("code = %q, want CSRF_VIOLATION", body.Code)
	}
}

func TestCSRF_DoubleSubmitAccepted(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	token, cookie := fetchCSRF(t, s.Handler())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"dev@example.com"}`))
	req.AddCookie(cookie)
	req.Header.Set(csrfHeaderName, token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Token == "" {
		t.Errorf("register should return a session token, got %q (%v)", body.Token, err)
	}
}

func TestCSRF_MismatchedHeaderRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, cookie := fetchCSRF(t, s.Handler())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c"}`))
	req.AddCookie(cookie)
	req.Header.Set(csrfHeaderName, "some-other-value")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestCSRF_ExpiredTokenRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	expired := fmt.Sprintf("deadbeef.%d", time.Now().Add(-time.Minute).Unix())
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c"}`))
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: expired})
	req.Header.Set(csrfHeaderName, expired)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for expired token", rec.Code)
	}
}

// csrfCookieFrom returns the csrf-token cookie set on a response, if any.
func csrfCookieFrom(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName {
			return c
		}
	}
	return nil
}

func TestCSRF_SafeAPIRequestRefreshesToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps/public", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if csrfCookieFrom(rec) == nil {
		t.Error("successful safe API request should set a fresh csrf cookie")
	}

	// Non-API paths are left alone.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if csrfCookieFrom(rec) != nil {
		t.Error("non-API request should not touch the csrf cookie")
	}

	// Failed requests get no token either.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if csrfCookieFrom(rec) != nil {
		t.Error("rejected request should not receive a csrf cookie")
	}
}

func TestCSRF_RotatesOnAuthChange(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	token, cookie := fetchCSRF(t, s.Handler())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"dev@example.com"}`))
	req.AddCookie(cookie)
	req.Header.Set(csrfHeaderName, token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rotated := csrfCookieFrom(rec)
	if rotated == nil || rotated.Value == cookie.Value {
		t.Fatal("register must rotate the csrf cookie")
	}

	var registered struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&registered); err != nil || registered.Token == "" {
		t.Fatalf("register token = %q (%v)", registered.Token, err)
	}

	// Logout revokes the session and rotates again.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+registered.Token)
	req.AddCookie(rotated)
	req.Header.Set(csrfHeaderName, rotated.Value)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", rec.Code, rec.Body.String())
	}
	afterLogout := csrfCookieFrom(rec)
	if afterLogout == nil || afterLogout.Value == rotated.Value {
		t.Error("logout must rotate the csrf cookie")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/apps/", nil)
	req.Header.Set("Authorization", "Bearer "+registered.Token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked session status = %d, want 401", rec.Code)
	}
}

func TestAuth_ProtectedRoutesRequireSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	user, err := s.apps.CreateUser("owner@example.com", "Owner")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	token := s.Sessions().Create(user.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/apps/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with session", rec.Code)
	}
}

func TestApps_OwnershipEnforced(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	owner, _ := s.apps.CreateUser("owner@example.com", "Owner")
	other, _ := s.apps.CreateUser("other@example.com", "Other")
	row, err := s.apps.CreateApp(owner.ID, "Todo", "", "todo-1")
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/apps/"+row.ID, nil)
	req.Header.Set("Authorization", "Bearer "+s.Sessions().Create(other.ID))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("other user status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/apps/"+row.ID, nil)
	req.Header.Set("Authorization", "Bearer "+s.Sessions().Create(owner.ID))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("owner status = %d, want 200", rec.Code)
	}
}

func TestNotFound_PlainBody(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/definitely/not/here", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Not Found" {
		t.Errorf("body = %q, want Not Found", got)
	}
}

func TestMiddleware_RequestIDAndRateLimitHeaders(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("secure headers missing")
	}
}

func TestGlobalRateLimit_Trips(t *testing.T) {
	t.Parallel()
	apps, err := app.OpenService("")
	if err != nil {
		t.Fatalf("OpenService() error = %v", err)
	}
	t.Cleanup(func() { _ = apps.Close() })

	cfg := &config.Config{Port: 3000, RateLimitPerHour: 2, RateLimitBurst: 2}
	factory := func(core.AgentID, string, string) (agent.Config, []agent.Option, error) {
		return agent.Config{}, nil, core.ErrInternal("unused")
	}
	s := NewServer(cfg, apps, agent.NewManager(nil), ratelimit.NewStore(nil), factory, nil)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
