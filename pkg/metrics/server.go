package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewMux returns a mux serving /health, /ready, /live and /metrics
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /health", HealthHandler())
	mux.Handle("GET /live", LivenessHandler())
	mux.Handle("GET /ready", ReadyHandler())
	mux.Handle("GET /metrics", Handler())
	return mux
}

// Serve runs the operational endpoints on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      NewMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
