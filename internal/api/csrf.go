package api

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	csrfCookieName = "csrf-token"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenTTL   = 2 * time.Hour
)

// csrfSafeMethods never mutate state and skip the double-submit check.
var csrfSafeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// CSRF implements the double-submit-cookie pattern: the client echoes the
// csrf-token cookie value in the X-CSRF-Token header on mutating requests.
// Tokens carry an expiry suffix and live for two hours.
type CSRF struct {
	secure bool
}

// NewCSRF creates the middleware. secure marks issued cookies Secure, for
// production deployments behind TLS.
func NewCSRF(secure bool) *CSRF {
	return &CSRF{secure: secure}
}

// IssueToken mints a fresh token and sets it as the csrf-token cookie.
// Handlers mount this on a GET endpoint the client calls before its first
// mutation.
func (c *CSRF) IssueToken(w http.ResponseWriter, r *http.Request) {
	token := c.Rotate(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Rotate sets a fresh csrf-token cookie and returns the token. Auth
// handlers call it on login and logout so a token minted under one identity
// never outlives it.
func (c *CSRF) Rotate(w http.ResponseWriter) string {
	token := newCSRFToken()
	c.setCookie(w, token)
	return token
}

func (c *CSRF) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfTokenTTL.Seconds()),
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware enforces the double-submit check on mutating requests and
// refreshes the cookie on successful safe requests under /api/. Websocket
// upgrades authenticate through the session instead; browsers cannot set
// custom headers on them.
func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if csrfSafeMethods[r.Method] {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				w = &csrfRefreshWriter{ResponseWriter: w, csrf: c}
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		header := r.Header.Get(csrfHeaderName)
		if err != nil || cookie.Value == "" || header == "" ||
			!hmac.Equal([]byte(cookie.Value), []byte(header)) ||
			csrfTokenExpired(cookie.Value) {
			writeCSRFViolation(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfRefreshWriter sets a fresh csrf-token cookie just before a <400
// status is written. The decision has to happen at write time because
// headers are immutable after WriteHeader, and it defers to any cookie the
// handler already set (IssueToken, auth rotation).
type csrfRefreshWriter struct {
	http.ResponseWriter
	csrf  *CSRF
	wrote bool
}

func (w *csrfRefreshWriter) WriteHeader(status int) {
	if !w.wrote {
		w.wrote = true
		if status < http.StatusBadRequest && !hasCSRFCookie(w.Header()) {
			w.csrf.setCookie(w.ResponseWriter, newCSRFToken())
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *csrfRefreshWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func hasCSRFCookie(h http.Header) bool {
	for _, v := range h["Set-Cookie"] {
		if strings.HasPrefix(v, csrfCookieName+"=") {
			return true
		}
	}
	return false
}

func writeCSRFViolation(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "CSRF token missing or invalid",
		"code":  "CSRF_VIOLATION",
	})
}

// newCSRFToken returns "<hex nonce>.<unix expiry>".
func newCSRFToken() string {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	expiry := time.Now().Add(csrfTokenTTL).Unix()
	return hex.EncodeToString(nonce) + "." + strconv.FormatInt(expiry, 10)
}

func csrfTokenExpired(token string) bool {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return true
	}
	expiry, err := strconv.ParseInt(token[i+1:], 10, 64)
	if err != nil {
		return true
	}
	return time.Now().Unix() > expiry
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
