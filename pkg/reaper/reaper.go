package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is how often idle workspaces are swept
	DefaultInterval = time.Minute

	// DefaultThreshold is how long a workspace may go unaccessed before its
	// container is stopped
	DefaultThreshold = 5 * time.Minute
)

// Store lists the workspaces to consider
type Store interface {
	ListWorkspaces() ([]*types.Workspace, error)
}

// Engine lists and stops containers
type Engine interface {
	ListAll(ctx context.Context) ([]types.ContainerSummary, error)
	Stop(ctx context.Context, id string) error
}

// Config configures the reaper
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Reaper stops workspace containers nobody has accessed recently
type Reaper struct {
	store     Store
	engine    Engine
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReaper creates a new reaper
func NewReaper(store Store, engine Engine, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Reaper{
		store:     store,
		engine:    engine,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		now:       time.Now,
		logger:    log.WithComponent("reaper"),
	}
}

// Start begins the sweep loop. It returns immediately; the loop ends when
// ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(ctx, r.stopCh, r.doneCh)
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (r *Reaper) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("threshold", r.threshold).
		Msg("Autostop reaper started")

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Autostop sweep failed")
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass: every running workspace container whose last
// access is older than the threshold is stopped. Stops run concurrently and
// a failed stop never prevents the others. Workspaces that were never
// accessed are left alone.
func (r *Reaper) Sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperDuration)
		metrics.ReaperTicks.Inc()
	}()

	workspaces, err := r.store.ListWorkspaces()
	if err != nil {
		return err
	}
	containers, err := r.engine.ListAll(ctx)
	if err != nil {
		return err
	}

	idle := r.idle(workspaces, containers)
	if len(idle) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, ws := range idle {
		wg.Add(1)
		go func(ws *types.Workspace) {
			defer wg.Done()
			r.stop(ctx, ws)
		}(ws)
	}
	wg.Wait()
	return nil
}

// idle selects the workspaces whose container is running and whose last
// access is strictly older than the threshold
func (r *Reaper) idle(workspaces []*types.Workspace, containers []types.ContainerSummary) []*types.Workspace {
	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if c.State == types.ContainerStateRunning {
			running[c.ID] = true
		}
	}

	now := r.now()
	var out []*types.Workspace
	for _, ws := range workspaces {
		if !running[ws.ContainerID] || ws.LastAccessedAt.IsZero() {
			continue
		}
		if now.Sub(ws.LastAccessedAt) > r.threshold {
			out = append(out, ws)
		}
	}
	return out
}

func (r *Reaper) stop(ctx context.Context, ws *types.Workspace) {
	logger := log.WithContainerID(ws.ContainerID).With().
		Str("component", "reaper").
		Str("workspace_id", ws.ID).
		Logger()

	if err := r.engine.Stop(ctx, ws.ContainerID); err != nil {
		metrics.ReaperStopFailures.Inc()
		logger.Error().Err(err).Msg("Failed to stop idle workspace")
		return
	}

	metrics.ReaperStops.Inc()
	logger.Info().
		Time("last_accessed_at", ws.LastAccessedAt).
		Msg("Stopped idle workspace")
}
