package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// HealthPath answers 200 OK on the base domain without reaching the
	// control plane
	HealthPath = "/gateway"

	notRunningMarker  = "Container is not running"
	notRunningMessage = "Workspace is not running. Start it from the dashboard."

	touchTimeout = 10 * time.Second
)

// Config configures the gateway
type Config struct {
	Listen      string
	BaseDomain  string
	CookieName  string
	InContainer bool
	RateLimit   *RateLimit
	// TrustedProxies are the peers whose X-Forwarded-For is believed
	TrustedProxies []netip.Prefix
}

// Gateway routes requests by host to the control plane or to a workspace
// container
type Gateway struct {
	config       Config
	controlPlane *ControlPlaneClient
	middleware   *Middleware
	httpServer   *http.Server
	logger       zerolog.Logger
}

// NewGateway creates a new gateway in front of the given control plane
func NewGateway(cfg Config, controlPlane *ControlPlaneClient) *Gateway {
	if cfg.Listen == "" {
		cfg.Listen = ":5110"
	}
	return &Gateway{
		config:       cfg,
		controlPlane: controlPlane,
		middleware:   NewMiddleware(cfg.RateLimit, cfg.TrustedProxies),
		logger:       log.WithComponent("gateway"),
	}
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (g *Gateway) Start(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:              g.config.Listen,
		Handler:           g,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.httpServer.Addr, err)
	}

	g.logger.Info().
		Str("addr", g.httpServer.Addr).
		Str("base_domain", g.config.BaseDomain).
		Str("control_plane", g.controlPlane.Host()).
		Msg("Gateway listening")

	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	g.middleware.StartCleanupJob(stopCleanup)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
	}

	g.logger.Info().Msg("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Error().Err(err).Msg("Failed to shut down gateway")
	}
	return nil
}

// ServeHTTP classifies the host and dispatches the request
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	route := g.handle(rec, r)
	rec.observe(route)
}

// handle serves the request and returns the route label for metrics
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) string {
	route, err := Classify(r.Host, g.config.BaseDomain)
	if err != nil {
		if errors.Is(err, ErrInvalidPort) {
			http.Error(w, "Invalid port", http.StatusBadRequest)
		} else {
			http.Error(w, "Invalid host", http.StatusBadRequest)
		}
		return "invalid"
	}

	if route.Kind == RouteControlPlane && r.URL.Path == HealthPath && r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
		return "health"
	}

	if !g.middleware.Allow(r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return route.Kind.String()
	}

	switch route.Kind {
	case RouteWorkspace:
		g.serveWorkspace(w, r, route)
	default:
		g.serveControlPlane(w, r)
	}
	return route.Kind.String()
}

// serveControlPlane forwards the request to the control plane unchanged
func (g *Gateway) serveControlPlane(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		g.tunnel(w, r, g.controlPlane.Host(), RouteControlPlane, nil, g.logger)
		return
	}
	g.proxy(w, r, g.controlPlane.Host(), RouteControlPlane)
}

// serveWorkspace resolves the workspace container through the control plane
// and forwards the request to it
func (g *Gateway) serveWorkspace(w http.ResponseWriter, r *http.Request, route Route) {
	logger := g.logger.With().Str("workspace_id", route.WorkspaceID).Int("port", route.Port).Logger()

	cookie, err := r.Cookie(g.config.CookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	session := cookie.Value

	host, err := g.controlPlane.Hostname(r.Context(), session, route.WorkspaceID, g.config.InContainer)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			if strings.Contains(se.Body, notRunningMarker) {
				http.Error(w, notRunningMessage, http.StatusServiceUnavailable)
				return
			}
			http.Error(w, strings.TrimSpace(se.Body), se.Status)
			return
		}
		metrics.GatewayProxyErrors.WithLabelValues("control_plane").Inc()
		logger.Error().Err(err).Msg("Failed to resolve workspace host")
		http.Error(w, "Failed to reach the control plane", http.StatusBadGateway)
		return
	}

	touch := func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := g.controlPlane.Touch(ctx, session, route.WorkspaceID); err != nil {
			logger.Warn().Err(err).Msg("Failed to update last accessed time")
		}
	}
	go touch()

	dest := net.JoinHostPort(host, strconv.Itoa(route.Port))
	if isWebSocketUpgrade(r) {
		g.tunnel(w, r, dest, RouteWorkspace, throttledTouch(touch), logger)
		return
	}
	g.proxy(w, r, dest, RouteWorkspace)
}

// proxy forwards r to http://backendAddr with its path and query intact.
// Redirects from the backend are returned to the client as is.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, backendAddr string, kind RouteKind) {
	target := &url.URL{Scheme: "http", Host: backendAddr}

	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Preserve original Host header for virtual hosting
		req.Host = r.Host
		g.middleware.AddProxyHeaders(req)
		if kind == RouteWorkspace {
			stripCookie(req.Header, g.config.CookieName)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		metrics.GatewayProxyErrors.WithLabelValues(kind.String()).Inc()
		g.logger.Error().Err(err).Str("backend", backendAddr).Str("route", kind.String()).Msg("Proxy error")
		http.Error(w, "Bad gateway: failed to reach "+kind.String(), http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}
