package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workspace metrics
	WorkspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codeharbor_workspaces_total",
			Help: "Total number of workspaces by container state",
		},
		[]string{"state"},
	)

	TemplatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codeharbor_templates_total",
			Help: "Total number of templates",
		},
	)

	// Provisioning metrics
	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeharbor_provision_duration_seconds",
			Help:    "Duration of provisioning pipelines in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"pipeline", "result"},
	)

	// Control-plane API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeharbor_api_requests_total",
			Help: "Total number of control-plane API requests",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeharbor_api_request_duration_seconds",
			Help:    "Control-plane API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeharbor_gateway_requests_total",
			Help: "Total number of gateway requests by route and status",
		},
		[]string{"route", "status"},
	)

	GatewayActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codeharbor_gateway_active_tunnels",
			Help: "Number of open WebSocket tunnels",
		},
	)

	GatewayProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeharbor_gateway_proxy_errors_total",
			Help: "Total number of upstream proxy failures",
		},
		[]string{"route"},
	)

	// Reaper metrics
	ReaperTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codeharbor_reaper_ticks_total",
			Help: "Total number of autostop sweeps",
		},
	)

	ReaperStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codeharbor_reaper_stops_total",
			Help: "Total number of idle workspace containers stopped",
		},
	)

	ReaperStopFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codeharbor_reaper_stop_failures_total",
			Help: "Total number of failed idle workspace stops",
		},
	)

	ReaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codeharbor_reaper_duration_seconds",
			Help:    "Duration of autostop sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkspacesTotal)
	prometheus.MustRegister(TemplatesTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayActiveTunnels)
	prometheus.MustRegister(GatewayProxyErrors)
	prometheus.MustRegister(ReaperTicks)
	prometheus.MustRegister(ReaperStops)
	prometheus.MustRegister(ReaperStopFailures)
	prometheus.MustRegister(ReaperDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vec with labels
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
