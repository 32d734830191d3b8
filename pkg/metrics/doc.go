/*
Package metrics provides Prometheus metrics and health reporting for CodeHarbor.

All metrics are registered on the default Prometheus registry at package init and
exposed through Handler on /metrics by both the control plane and the gateway.

# Architecture

	┌──────────────── METRICS SYSTEM ────────────────┐
	│                                                 │
	│  control plane           gateway                │
	│  ├─ api requests         ├─ requests{route}     │
	│  ├─ provision duration   ├─ active tunnels      │
	│  ├─ reaper sweeps        └─ proxy errors        │
	│  └─ Collector (15s)                             │
	│       ├─ workspaces{state}                      │
	│       └─ templates                              │
	│                    │                            │
	│                    ▼                            │
	│            promhttp.Handler()                   │
	└─────────────────────────────────────────────────┘

# Metrics Catalog

Workspaces:

	codeharbor_workspaces_total{state}       gauge, by container state
	codeharbor_templates_total               gauge

Provisioning:

	codeharbor_provision_duration_seconds{pipeline, result}
	                                         histogram, pipeline is workspace or template

Control plane:

	codeharbor_api_requests_total{method, status}
	codeharbor_api_request_duration_seconds{method}

Gateway:

	codeharbor_gateway_requests_total{route, status}
	codeharbor_gateway_active_tunnels
	codeharbor_gateway_proxy_errors_total{route}

Reaper:

	codeharbor_reaper_ticks_total
	codeharbor_reaper_stops_total
	codeharbor_reaper_stop_failures_total
	codeharbor_reaper_duration_seconds

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperDuration)

Health endpoints:

	metrics.SetCriticalComponents("storage", "docker")
	metrics.RegisterComponent("docker", true, "")
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())

Readiness only considers the critical components. Health is unhealthy when a
critical component is down and degraded (still 200) when only a
non-critical one is, such as GitHub. /live answers 200 while the process
serves requests.
*/
package metrics
