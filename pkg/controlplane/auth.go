package controlplane

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/session"
	"github.com/codeharbor/codeharbor/pkg/types"
)

const (
	// StateCookieName holds the OAuth state between login and callback
	StateCookieName = "github_oauth_state"

	stateCookieMaxAge = 600
)

// handleLogin starts the GitHub OAuth flow
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := session.GenerateToken()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate OAuth state")
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   stateCookieMaxAge,
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

// handleCallback completes the OAuth flow: it checks the state, trades the
// code for a token, creates or refreshes the user and opens a session. New
// users are sent to the welcome page.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	stored, err := r.Cookie(StateCookieName)
	if code == "" || state == "" || err != nil ||
		subtle.ConstantTimeCompare([]byte(stored.Value), []byte(state)) != 1 {
		http.Error(w, "Invalid OAuth state", http.StatusBadRequest)
		return
	}
	s.clearStateCookie(w)

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to exchange OAuth code")
		http.Error(w, "Invalid OAuth code", http.StatusBadRequest)
		return
	}

	ghUser, err := s.oauth.CurrentUser(r.Context(), token)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch GitHub user")
		http.Error(w, "GitHub API Error", http.StatusInternalServerError)
		return
	}

	blocked, err := s.store.IsBlocked(ghUser.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to check blocked users")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if blocked {
		s.logger.Info().Str("github_login", ghUser.Login).Msg("Blocked user tried to log in")
		http.Error(w, "You are blocked from using this service.", http.StatusForbidden)
		return
	}

	newID := s.newID()
	user, err := s.store.UpsertGitHubUser(&types.User{
		ID:                newID,
		GitHubID:          ghUser.ID,
		GitHubLogin:       ghUser.Login,
		GitHubAccessToken: token,
		UpdatedAt:         s.now(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to save user")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	sessionToken, sess, err := s.sessions.Create(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.SetCookie(w, sessionToken, sess.ExpiresAt)

	logger := log.WithUserID(user.ID).With().Str("component", "controlplane").Logger()
	if user.ID != newID {
		logger.Info().Msg("User logged in")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	name := ghUser.Login
	if ghUser.Name != nil && *ghUser.Name != "" {
		name = *ghUser.Name
	}
	logger.Info().Str("github_login", ghUser.Login).Msg("User signed up")
	http.Redirect(w, r, "/welcome?ghName="+url.QueryEscape(name), http.StatusFound)
}

// handleLogout ends the caller's session
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Invalidate(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	s.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
