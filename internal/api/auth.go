package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sessionTTL = 7 * 24 * time.Hour

// Sessions is an in-memory bearer-token session store. Tokens arrive either
// as an Authorization bearer header or, for websocket upgrades, a "session"
// query parameter.
type Sessions struct {
	mu     sync.RWMutex
	tokens map[string]session
}

type session struct {
	userID    string
	expiresAt time.Time
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{tokens: make(map[string]session)}
}

// Create mints a session token for a user.
func (s *Sessions) Create(userID string) string {
	raw := make([]byte, 24)
	_, _ = rand.Read(raw)
	token := hex.EncodeToString(raw)
	s.mu.Lock()
	s.tokens[token] = session{userID: userID, expiresAt: time.Now().Add(sessionTTL)}
	s.mu.Unlock()
	return token
}

// Resolve maps a token to its user id; expired or unknown tokens yield "".
func (s *Sessions) Resolve(token string) string {
	s.mu.RLock()
	sess, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return ""
	}
	if time.Now().After(sess.expiresAt) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
		return ""
	}
	return sess.userID
}

// Revoke drops a session.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// UserIDFrom returns the authenticated user id, or "".
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Authenticate resolves the session token into the request context. It
// never rejects: route-level RequireAuth does that, so public routes can
// still see who is asking when a token happens to be present.
func (s *Sessions) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && isWebsocketUpgrade(r) {
			token = r.URL.Query().Get("session")
		}
		if token != "" {
			if userID := s.Resolve(token); userID != "" {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without a resolved user.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFrom(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
