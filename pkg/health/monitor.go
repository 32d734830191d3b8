package health

import (
	"context"
	"time"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/rs/zerolog"
)

// ReportFunc receives every status change of a monitored dependency
type ReportFunc func(name string, healthy bool, message string)

// Monitor checks one dependency on an interval and reports transitions
type Monitor struct {
	name    string
	checker Checker
	config  Config
	report  ReportFunc
	status  *Status
	logger  zerolog.Logger
}

// NewMonitor creates a monitor for the dependency called name. Zero config
// fields take their defaults.
func NewMonitor(name string, checker Checker, config Config, report ReportFunc) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Monitor{
		name:    name,
		checker: checker,
		config:  config,
		report:  report,
		status:  NewStatus(),
		logger:  log.WithComponent("health").With().Str("dependency", name).Logger(),
	}
}

// Run checks until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs one check and reports when the health verdict changes
func (m *Monitor) RunOnce(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	result := m.checker.Check(ctx)
	was := m.status.Healthy
	m.status.Update(result, m.config)

	if m.status.Healthy != was {
		if m.status.Healthy {
			m.logger.Info().Msg("Dependency recovered")
		} else {
			m.logger.Warn().Str("reason", result.Message).Int("failures", m.status.ConsecutiveFailures).Msg("Dependency unhealthy")
		}
		if m.report != nil {
			m.report(m.name, m.status.Healthy, result.Message)
		}
	}
	return result
}

// Healthy reports the current verdict
func (m *Monitor) Healthy() bool {
	return m.status.Healthy
}
