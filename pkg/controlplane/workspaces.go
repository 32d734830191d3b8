package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/provision"
	"github.com/codeharbor/codeharbor/pkg/runtime"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	invalidWorkspaceID = "Invalid workspace UUID format"
	invalidUserID      = "Invalid user UUID format"

	// inspectConcurrency bounds parallel inspects while listing workspaces
	inspectConcurrency = 8
)

// SharedUser is the public profile of a user a workspace is shared with
type SharedUser struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	GitHubID    int64  `json:"githubId"`
	GitHubLogin string `json:"githubLogin"`
}

// WorkspaceItem is one entry of the workspace list
type WorkspaceItem struct {
	types.WorkspaceView
	SharedUsers []SharedUser    `json:"sharedUsers"`
	UsageLimits *runtime.Limits `json:"usageLimits"`
}

func (s *Server) handleGetUUID(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeText(w, http.StatusOK, user.ID)
}

// handleHostname answers the address the gateway should dial for the
// workspace container: its name on the engine network when the gateway runs
// in a container, its IP on that network otherwise
func (s *Server) handleHostname(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	grant, err := s.access.Check(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := s.engine.Inspect(r.Context(), grant.ContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		writeError(w, failure.Newf(failure.ContainerNotRunning, "workspace %s", id))
		return
	}

	inContainer, _ := strconv.ParseBool(r.URL.Query().Get("inContainer"))
	if inContainer {
		writeText(w, http.StatusOK, strings.TrimPrefix(info.Name, "/"))
		return
	}

	if info.NetworkSettings == nil {
		http.Error(w, fmt.Sprintf("Docker network '%s' not found on container", s.config.NetworkName), http.StatusInternalServerError)
		return
	}
	endpoint, found := info.NetworkSettings.Networks[s.config.NetworkName]
	if !found || endpoint == nil {
		http.Error(w, fmt.Sprintf("Docker network '%s' not found on container", s.config.NetworkName), http.StatusInternalServerError)
		return
	}
	if endpoint.IPAddress == "" {
		http.Error(w, "Container has no IP address (Is it running?)", http.StatusInternalServerError)
		return
	}
	writeText(w, http.StatusOK, endpoint.IPAddress)
}

func (s *Server) handleHasAccess(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	_, err := s.access.Check(r.Context(), user.ID, id)
	switch {
	case err == nil:
		writeText(w, http.StatusOK, "true")
	case failure.Is(err, failure.Forbidden):
		writeText(w, http.StatusOK, "false")
	default:
		writeError(w, err)
	}
}

// handleLastAccessed records that the workspace was just used and answers
// the recorded time in unix milliseconds
func (s *Server) handleLastAccessed(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	if _, err := s.access.Check(r.Context(), user.ID, id); err != nil {
		writeError(w, err)
		return
	}

	now := s.now()
	if err := s.touch(id, now); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, strconv.FormatInt(now.UnixMilli(), 10))
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}
	target, ok := pathUUID(w, r, "userId", invalidUserID)
	if !ok {
		return
	}

	if _, err := s.store.GetUser(target); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "User not found", http.StatusBadRequest)
			return
		}
		writeError(w, failure.New(failure.Storage, err))
		return
	}

	if err := s.access.Share(r.Context(), user.ID, id, target); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Workspace shared with user")
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}
	target, ok := pathUUID(w, r, "userId", invalidUserID)
	if !ok {
		return
	}

	if err := s.access.Unshare(r.Context(), user.ID, id, target); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Workspace unshared with user")
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	items, err := s.listWorkspaces(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// listWorkspaces joins the user's workspaces with their containers. It is
// not read-only: a workspace whose container no longer exists is deleted
// from the store and left out of the result.
func (s *Server) listWorkspaces(ctx context.Context, userID string) ([]WorkspaceItem, error) {
	workspaces, err := s.store.ListWorkspacesForUser(userID)
	if err != nil {
		return nil, failure.New(failure.Storage, err)
	}
	containers, err := s.engine.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	states := make(map[string]types.ContainerState, len(containers))
	for _, c := range containers {
		states[c.ID] = c.State
	}

	items := make([]WorkspaceItem, 0, len(workspaces))
	for _, ws := range workspaces {
		state, found := states[ws.ContainerID]
		if !found {
			s.logger.Warn().
				Str("workspace_id", ws.ID).
				Str("container_id", ws.ContainerID).
				Msg("Container not found; removing workspace")
			if err := s.store.DeleteWorkspace(ws.ID); err != nil {
				s.logger.Error().Err(err).Str("workspace_id", ws.ID).Msg("Failed to remove workspace")
			}
			continue
		}
		items = append(items, WorkspaceItem{
			WorkspaceView: types.WorkspaceView{Workspace: *ws, State: state},
			SharedUsers:   s.sharedUsers(ws.SharedUserIDs),
		})
	}

	// Limits are best effort; an entry whose inspect fails has none
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectConcurrency)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			info, err := s.engine.Inspect(gctx, item.ContainerID)
			if err != nil {
				s.logger.Debug().Err(err).Str("workspace_id", item.ID).Msg("Failed to read resource limits")
				return nil
			}
			limits := runtime.ResourceLimits(info)
			item.UsageLimits = &limits
			return nil
		})
	}
	_ = g.Wait()

	return items, nil
}

// sharedUsers resolves user ids to profiles, skipping unknown users
func (s *Server) sharedUsers(ids []string) []SharedUser {
	out := make([]SharedUser, 0, len(ids))
	for _, id := range ids {
		u, err := s.store.GetUser(id)
		if err != nil {
			continue
		}
		out = append(out, SharedUser{ID: u.ID, Name: u.Name, GitHubID: u.GitHubID, GitHubLogin: u.GitHubLogin})
	}
	return out
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req provision.WorkspaceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.OwnerID = user.ID

	// The pipeline runs to completion or its own deadline even if the
	// client goes away
	ws, err := s.provisioner.CreateWorkspace(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().Str("workspace_id", ws.ID).Str("user_id", user.ID).Msg("Workspace created")
	writeText(w, http.StatusCreated, "Workspace created successfully")
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	grant, err := s.access.Check(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.engine.Remove(r.Context(), grant.ContainerID, true); err != nil && !failure.Is(err, failure.ContainerNotFound) {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteWorkspace(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, failure.New(failure.Storage, err))
		return
	}

	s.logger.Info().Str("workspace_id", id).Str("user_id", user.ID).Msg("Workspace deleted")
	writeText(w, http.StatusOK, "Workspace deleted")
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	grant, err := s.access.Check(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Start(r.Context(), grant.ContainerID); err != nil {
		writeError(w, err)
		return
	}

	// A fresh start must not be reaped before anyone connects
	if err := s.touch(id, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("workspace_id", id).Msg("Failed to update last accessed time")
	}
	writeText(w, http.StatusOK, "Workspace started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	grant, err := s.access.Check(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Stop(r.Context(), grant.ContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Workspace stopped")
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", invalidWorkspaceID)
	if !ok {
		return
	}

	grant, err := s.access.Check(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.engine.Stats(r.Context(), grant.ContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtime.CalculateResourceUsage(stats))
}

func (s *Server) touch(id string, at time.Time) error {
	if err := s.store.TouchWorkspace(id, at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failure.New(failure.WorkspaceNotFound, err)
		}
		return failure.New(failure.Storage, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
