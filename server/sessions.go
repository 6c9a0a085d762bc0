package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"taskd/store"
)

const sessionCookieName = "taskd_session"

// SessionManager handles cookie-backed login sessions. Sessions are
// in-process only; losing them on restart just forces a new login.
type SessionManager struct {
	mu           sync.Mutex
	sessions     map[string]Session
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		sessions:     make(map[string]Session),
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[cookie.Value]
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(sm.sessions, sess.ID)
		return nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	sm.sessions[sess.ID] = sess
	return &sess
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, subject, email, name string) *Session {
	sess := Session{
		ID:        store.NewToken(),
		Subject:   subject,
		Email:     email,
		Name:      name,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return &sess
}

// Clear removes the session cookie and drops the server-side state.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.mu.Lock()
		delete(sm.sessions, cookie.Value)
		sm.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
