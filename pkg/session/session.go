// Package session implements cookie-based login sessions. The cookie holds a
// random token; the store only ever sees its SHA-256 hash.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
)

const (
	// Lifetime is how long a new or renewed session lasts
	Lifetime = 30 * 24 * time.Hour

	// RenewWindow is how close to expiry a session gets renewed on use
	RenewWindow = 15 * 24 * time.Hour

	// DefaultCookieName is the session cookie shared with the gateway
	DefaultCookieName = "auth-session"

	tokenBytes = 18
)

// ErrInvalid is returned for unknown, expired or orphaned session tokens
var ErrInvalid = errors.New("invalid session")

// Store is the subset of storage.Store sessions need
type Store interface {
	CreateSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(id string) error
	GetUser(id string) (*types.User, error)
	IsBlocked(githubID int64) (bool, error)
}

// Config configures the session cookie
type Config struct {
	CookieName string
	// Domain is the base domain; the cookie is scoped to it and every
	// subdomain so the gateway receives it for workspace hosts.
	Domain string
	Secure bool
}

// Manager creates and validates sessions
type Manager struct {
	store  Store
	config Config
	now    func() time.Time
}

// NewManager creates a session manager
func NewManager(store Store, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Manager{store: store, config: cfg, now: time.Now}
}

// CookieName returns the configured session cookie name
func (m *Manager) CookieName() string {
	return m.config.CookieName
}

// GenerateToken returns a fresh random session token
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the session id for a token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create starts a session for userID and returns the cookie token
func (m *Manager) Create(ctx context.Context, userID string) (string, *types.Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", nil, failure.New(failure.Unknown, err)
	}

	session := &types.Session{
		ID:        HashToken(token),
		UserID:    userID,
		ExpiresAt: m.now().Add(Lifetime),
	}
	if err := m.store.CreateSession(session); err != nil {
		return "", nil, failure.New(failure.Storage, err)
	}
	return token, session, nil
}

// Validate resolves a token to its session and user. Expired sessions and
// sessions of blocked users are deleted on sight. Sessions within RenewWindow of expiry are extended by a
// full Lifetime.
func (m *Manager) Validate(ctx context.Context, token string) (*types.Session, *types.User, error) {
	if token == "" {
		return nil, nil, ErrInvalid
	}

	session, err := m.store.GetSession(HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalid
		}
		return nil, nil, failure.New(failure.Storage, err)
	}

	now := m.now()
	if session.Expired(now) {
		if err := m.store.DeleteSession(session.ID); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to delete expired session")
		}
		return nil, nil, ErrInvalid
	}

	user, err := m.store.GetUser(session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalid
		}
		return nil, nil, failure.New(failure.Storage, err)
	}

	blocked, err := m.store.IsBlocked(user.GitHubID)
	if err != nil {
		return nil, nil, failure.New(failure.Storage, err)
	}
	if blocked {
		if err := m.store.DeleteSession(session.ID); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to delete session of blocked user")
		}
		return nil, nil, ErrInvalid
	}

	if !now.Before(session.ExpiresAt.Add(-RenewWindow)) {
		session.ExpiresAt = now.Add(Lifetime)
		if err := m.store.UpdateSession(session); err != nil {
			return nil, nil, failure.New(failure.Storage, err)
		}
	}

	return session, user, nil
}

// Invalidate deletes a session
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(sessionID); err != nil {
		return failure.New(failure.Storage, err)
	}
	return nil
}

// Authenticate reads the session cookie from r, validates it and keeps the
// cookie in step: refreshed on success, cleared when invalid. A request
// without a valid session yields failure.Unauthorized.
func (m *Manager) Authenticate(w http.ResponseWriter, r *http.Request) (*types.Session, *types.User, error) {
	cookie, err := r.Cookie(m.config.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil, failure.Newf(failure.Unauthorized, "no session cookie")
	}

	session, user, err := m.Validate(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			m.ClearCookie(w)
			return nil, nil, failure.New(failure.Unauthorized, err)
		}
		return nil, nil, err
	}

	m.SetCookie(w, cookie.Value, session.ExpiresAt)
	return session, user, nil
}

// SetCookie writes the session cookie
func (m *Manager) SetCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   m.cookieDomain(),
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.cookieDomain(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) cookieDomain() string {
	if m.config.Domain == "" {
		return ""
	}
	return "." + m.config.Domain
}
