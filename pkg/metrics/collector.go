package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/types"
)

// Source provides the state the collector samples
type Source interface {
	ListWorkspaces() ([]*types.Workspace, error)
	ListTemplates() ([]*types.Template, error)
}

// ContainerLister lists every container known to the engine
type ContainerLister interface {
	ListAll(ctx context.Context) ([]types.ContainerSummary, error)
}

// Collector periodically samples workspace and template gauges
type Collector struct {
	source     Source
	containers ContainerLister
	interval   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, containers ContainerLister) *Collector {
	return &Collector{
		source:     source,
		containers: containers,
		interval:   15 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector. Calling it again is a no-op.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	c.collectWorkspaceMetrics()
	c.collectTemplateMetrics()
}

func (c *Collector) collectWorkspaceMetrics() {
	workspaces, err := c.source.ListWorkspaces()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Debug().Err(err).Msg("Failed to list workspaces")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containers, err := c.containers.ListAll(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Debug().Err(err).Msg("Failed to list containers")
		return
	}

	for state, count := range countByState(workspaces, containers) {
		WorkspacesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectTemplateMetrics() {
	templates, err := c.source.ListTemplates()
	if err != nil {
		return
	}

	TemplatesTotal.Set(float64(len(templates)))
}

// missingState labels workspaces whose container no longer exists
const missingState types.ContainerState = "missing"

// countByState buckets workspaces by the state of their container. Running,
// exited and missing are always reported so their gauges drop back to zero.
func countByState(workspaces []*types.Workspace, containers []types.ContainerSummary) map[types.ContainerState]int {
	states := make(map[string]types.ContainerState, len(containers))
	for _, ctr := range containers {
		states[ctr.ID] = ctr.State
	}

	counts := map[types.ContainerState]int{
		types.ContainerStateRunning: 0,
		types.ContainerStateExited:  0,
		missingState:                0,
	}
	for _, ws := range workspaces {
		state, ok := states[ws.ContainerID]
		if !ok {
			state = missingState
		}
		counts[state]++
	}
	return counts
}
