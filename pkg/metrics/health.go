package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Health states reported by /health and /ready
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
	StateReady     = "ready"
	StateNotReady  = "not_ready"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
	changed time.Time
}

// Registry holds the last reported state of every dependency a process
// relies on. Critical dependencies gate readiness and make the process
// unhealthy when down; the others only degrade it.
type Registry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	version    string
	started    time.Time
	now        func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]component),
		started:    time.Now(),
		now:        time.Now,
	}
}

var registry = NewRegistry()

// SetVersion sets the version string of the process-wide registry
func SetVersion(version string) { registry.SetVersion(version) }

// SetCriticalComponents sets the components readiness waits for
func SetCriticalComponents(names ...string) { registry.SetCritical(names...) }

// RegisterComponent records the state of a dependency
func RegisterComponent(name string, healthy bool, message string) {
	registry.Report(name, healthy, message)
}

// UpdateComponent records a state change of a dependency. It has the
// signature of health.ReportFunc.
func UpdateComponent(name string, healthy bool, message string) {
	registry.Report(name, healthy, message)
}

// HealthHandler serves /health from the process-wide registry
func HealthHandler() http.HandlerFunc { return registry.HealthHandler() }

// ReadyHandler serves /ready from the process-wide registry
func ReadyHandler() http.HandlerFunc { return registry.ReadyHandler() }

// LivenessHandler serves /live from the process-wide registry
func LivenessHandler() http.HandlerFunc { return registry.LivenessHandler() }

// SetVersion sets the version included in every status
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// SetCritical replaces the list of critical components
func (r *Registry) SetCritical(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = slices.Clone(names)
}

// Report records the state of name. The change time only moves when the
// verdict flips.
func (r *Registry) Report(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.components[name]
	changed := r.now()
	if ok && prev.healthy == healthy {
		changed = prev.changed
	}
	r.components[name] = component{healthy: healthy, message: message, changed: changed}
}

// Health is unhealthy when a critical component is down and degraded when
// only others are
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StateHealthy
	components := make(map[string]string, len(r.components))
	for name, c := range r.components {
		if c.healthy {
			components[name] = StateHealthy
			continue
		}
		components[name] = StateUnhealthy + ": " + c.message
		if slices.Contains(r.critical, name) {
			status = StateUnhealthy
		} else if status == StateHealthy {
			status = StateDegraded
		}
	}
	return r.status(status, "", components)
}

// Readiness is ready once every critical component has reported healthy
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StateReady
	var waiting []string
	components := make(map[string]string, len(r.critical))
	for _, name := range r.critical {
		c, ok := r.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case !c.healthy:
			components[name] = StateNotReady + ": " + c.message
		default:
			components[name] = StateReady
			continue
		}
		status = StateNotReady
		waiting = append(waiting, name)
	}

	message := ""
	if len(waiting) > 0 {
		message = "waiting for " + waiting[0]
		for _, name := range waiting[1:] {
			message += ", " + name
		}
	}
	return r.status(status, message, components)
}

func (r *Registry) status(state, message string, components map[string]string) HealthStatus {
	now := r.now()
	return HealthStatus{
		Status:     state,
		Timestamp:  now,
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     now.Sub(r.started).Round(time.Second).String(),
	}
}

// HealthHandler answers 503 only when unhealthy; degraded is still 200
func (r *Registry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := r.Health()
		code := http.StatusOK
		if h.Status == StateUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// ReadyHandler answers 503 until every critical component is healthy
func (r *Registry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := r.Readiness()
		code := http.StatusOK
		if h.Status != StateReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// LivenessHandler always answers 200 while the process serves requests
func (r *Registry) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r.mu.RLock()
		h := r.status("alive", "", nil)
		r.mu.RUnlock()
		writeStatus(w, http.StatusOK, h)
	}
}

func writeStatus(w http.ResponseWriter, code int, h HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}
