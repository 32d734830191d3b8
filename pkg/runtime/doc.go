/*
Package runtime wraps the Docker Engine API for codeharbor's container
lifecycle management.

DockerRuntime is a thin, typed layer over the engine client. It exists so
that every engine failure leaves this package already classified: each
operation maps to exactly one failure.Kind, and callers branch on the kind
rather than on engine error strings.

# Architecture

	┌──────────────── DOCKER RUNTIME ────────────────┐
	│                                                 │
	│  DockerRuntime                                  │
	│   - socket: /var/run/docker.sock                │
	│   - API version negotiated on first call        │
	│                                                 │
	│  Operation        failure.Kind                  │
	│  ───────────────  ────────────────────────────  │
	│  Create           ContainerCreate               │
	│  Start            ContainerStart                │
	│  Stop             ContainerStop                 │
	│  Remove           ContainerRemove               │
	│  Inspect          ContainerInspect / NotFound   │
	│  Wait             ContainerWait                 │
	│  Stats            ContainerStats                │
	│  Logs             ContainerLogs                 │
	│  GetArchive       ContainerArchive              │
	│  BuildImage       ImageBuild                    │
	│  ListAll          ContainersList                │
	│  ImageLabels      ImageInspect                  │
	└─────────────────────────────────────────────────┘

No operation retries. The provisioning pipeline and the reaper own their
retry and abort policy.

# Resource usage

CalculateResourceUsage turns one stats sample into relative CPU and memory
usage:

	cpu    = (Δ cpu_usage.total_usage / Δ system_cpu_usage) × online_cpus
	memory = (memory_stats.usage − memory_stats.stats.inactive_file) / limit

Either value is nil when the engine omits the counters it depends on, which
happens with cgroup v1 hosts and with containers that are not running.
*/
package runtime
