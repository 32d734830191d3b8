package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codeharbor/codeharbor/pkg/access"
	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/codeharbor/codeharbor/pkg/provision"
	"github.com/codeharbor/codeharbor/pkg/session"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// Store is the persistence the API reads and writes directly
type Store interface {
	GetUser(id string) (*types.User, error)
	UpsertGitHubUser(user *types.User) (*types.User, error)
	IsBlocked(githubID int64) (bool, error)
	BlockUser(githubID int64) error
	UnblockUser(githubID int64) error
	ListWorkspacesForUser(userID string) ([]*types.Workspace, error)
	DeleteWorkspace(id string) error
	TouchWorkspace(id string, at time.Time) error
	ListTemplates() ([]*types.Template, error)
}

// Engine is the container engine surface the API drives
type Engine interface {
	Inspect(ctx context.Context, id string) (container.InspectResponse, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Stats(ctx context.Context, id string) (container.StatsResponse, error)
	ListAll(ctx context.Context) ([]types.ContainerSummary, error)
}

// OAuth is the GitHub login flow
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	CurrentUser(ctx context.Context, accessToken string) (*github.User, error)
}

// Provisioner runs the workspace and template pipelines
type Provisioner interface {
	CreateWorkspace(ctx context.Context, req provision.WorkspaceRequest) (*types.Workspace, error)
	CreateTemplate(ctx context.Context, req provision.TemplateRequest) (*types.Template, error)
	DeleteTemplate(ctx context.Context, userID, templateID string) error
}

// Config configures the API server
type Config struct {
	Listen string
	// NetworkName is the engine network workspace containers are reached on
	NetworkName string
	// SecureCookies marks the OAuth state cookie Secure
	SecureCookies bool
	// AdminToken enables the /admin routes for bearers of this token
	AdminToken string
}

// Deps are the collaborators the API is built from
type Deps struct {
	Store       Store
	Engine      Engine
	Sessions    *session.Manager
	Access      *access.Resolver
	OAuth       OAuth
	Provisioner Provisioner
}

// Server is the control-plane HTTP API
type Server struct {
	config      Config
	store       Store
	engine      Engine
	sessions    *session.Manager
	access      *access.Resolver
	oauth       OAuth
	provisioner Provisioner
	mux         *http.ServeMux
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
}

// NewServer creates the API server and registers its routes
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":5173"
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = provision.DefaultNetwork
	}

	s := &Server{
		config:      cfg,
		store:       deps.Store,
		engine:      deps.Engine,
		sessions:    deps.Sessions,
		access:      deps.Access,
		oauth:       deps.OAuth,
		provisioner: deps.Provisioner,
		mux:         http.NewServeMux(),
		logger:      log.WithComponent("controlplane"),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/user/getuuid", s.handleGetUUID)

	s.mux.HandleFunc("GET /api/workspace", s.handleListWorkspaces)
	s.mux.HandleFunc("POST /api/workspace", s.handleCreateWorkspace)
	s.mux.HandleFunc("DELETE /api/workspace/{id}", s.handleDeleteWorkspace)
	s.mux.HandleFunc("GET /api/workspace/{id}/hostname", s.handleHostname)
	s.mux.HandleFunc("GET /api/workspace/{id}/hasaccess", s.handleHasAccess)
	s.mux.HandleFunc("PATCH /api/workspace/{id}/last-accessed", s.handleLastAccessed)
	s.mux.HandleFunc("PUT /api/workspace/{id}/access/{userId}", s.handleShare)
	s.mux.HandleFunc("DELETE /api/workspace/{id}/access/{userId}", s.handleUnshare)
	s.mux.HandleFunc("POST /api/workspace/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /api/workspace/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/workspace/{id}/usage", s.handleUsage)

	s.mux.HandleFunc("GET /api/template", s.handleListTemplates)
	s.mux.HandleFunc("POST /api/template", s.handleCreateTemplate)
	s.mux.HandleFunc("DELETE /api/template/{id}", s.handleDeleteTemplate)

	s.mux.HandleFunc("GET /login/github", s.handleLogin)
	s.mux.HandleFunc("GET /login/github/callback", s.handleCallback)
	s.mux.HandleFunc("GET /logout", s.handleLogout)

	if s.config.AdminToken != "" {
		s.mux.HandleFunc("PUT /admin/blocked-users/{githubId}", s.handleBlockUser)
		s.mux.HandleFunc("DELETE /admin/blocked-users/{githubId}", s.handleUnblockUser)
	}

	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ServeHTTP dispatches to the registered routes and records request metrics
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	rec := &statusRecorder{ResponseWriter: w}

	s.mux.ServeHTTP(rec, r)

	pattern := r.Pattern
	if pattern == "" {
		pattern = "unmatched"
	}
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
	timer.ObserveDurationVec(metrics.APIRequestDuration, pattern)
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	s.logger.Info().Str("addr", server.Addr).Msg("Control plane listening")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control plane server failed: %w", err)
		}
	}

	s.logger.Info().Msg("Shutting down control plane")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to shut down control plane")
	}
	return nil
}

// authenticate resolves the caller from the session cookie. On failure the
// response has been written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*types.Session, *types.User, bool) {
	sess, user, err := s.sessions.Authenticate(w, r)
	if err != nil {
		if failure.Is(err, failure.Unauthorized) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		} else {
			writeError(w, err)
		}
		return nil, nil, false
	}
	return sess, user, true
}

// pathUUID reads a uuid path value, answering 400 with message unless it
// is in the 36 character hyphenated form ids are stored in
func pathUUID(w http.ResponseWriter, r *http.Request, name, message string) (string, bool) {
	v := r.PathValue(name)
	if len(v) != 36 || uuid.Validate(v) != nil {
		http.Error(w, message, http.StatusBadRequest)
		return "", false
	}
	return v, true
}

// writeError writes err through failure.Write, except that validation
// failures carry their detail to the client
func writeError(w http.ResponseWriter, err error) {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.Validation && fe.Detail != "" {
		http.Error(w, fe.Detail, http.StatusBadRequest)
		return
	}
	failure.Write(w, err)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
