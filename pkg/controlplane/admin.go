package controlplane

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/codeharbor/codeharbor/pkg/failure"
)

// authorizeAdmin checks the bearer token against Config.AdminToken
func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func githubIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("githubId"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid GitHub user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// handleBlockUser refuses future logins of a GitHub account and ends its
// sessions on their next use
func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	id, ok := githubIDParam(w, r)
	if !ok {
		return
	}
	if err := s.store.BlockUser(id); err != nil {
		writeError(w, failure.New(failure.Storage, err))
		return
	}
	s.logger.Info().Int64("github_id", id).Msg("User blocked")
	writeText(w, http.StatusOK, "User blocked")
}

func (s *Server) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	id, ok := githubIDParam(w, r)
	if !ok {
		return
	}
	if err := s.store.UnblockUser(id); err != nil {
		writeError(w, failure.New(failure.Storage, err))
		return
	}
	s.logger.Info().Int64("github_id", id).Msg("User unblocked")
	writeText(w, http.StatusOK, "User unblocked")
}
