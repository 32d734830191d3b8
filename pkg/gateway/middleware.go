package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"golang.org/x/time/rate"
)

// RateLimit configures per-client token buckets
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// limiterEntry tracks a client's bucket and when it was last used
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Middleware handles proxy headers and rate limiting
type Middleware struct {
	config   *RateLimit
	trusted  []netip.Prefix
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	now      func() time.Time
}

// NewMiddleware creates a new middleware handler. A nil config disables rate
// limiting. Forwarding headers are only believed when the peer is inside
// one of the trusted prefixes.
func NewMiddleware(config *RateLimit, trusted []netip.Prefix) *Middleware {
	return &Middleware{
		config:   config,
		trusted:  trusted,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// AddProxyHeaders sets X-Real-IP and the X-Forwarded-Proto/-Host headers.
// Forwarding headers from an untrusted peer are replaced; X-Forwarded-For is
// then appended by httputil.ReverseProxy itself.
func (m *Middleware) AddProxyHeaders(r *http.Request) {
	fromProxy := m.isTrusted(peerAddr(r))
	r.Header.Set("X-Real-IP", m.clientIP(r))

	if !fromProxy {
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Forwarded-Proto")
		r.Header.Del("X-Forwarded-Host")
	}

	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}

	if r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}

// Allow reports whether the request fits the client's rate limit
func (m *Middleware) Allow(r *http.Request) bool {
	if m.config == nil {
		return true
	}

	clientIP := m.clientIP(r)

	m.mu.Lock()
	entry, exists := m.limiters[clientIP]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.Burst)}
		m.limiters[clientIP] = entry
	}
	entry.lastSeen = m.now()
	m.mu.Unlock()

	allowed := entry.limiter.Allow()
	if !allowed {
		log.Logger.Debug().Str("client_ip", clientIP).Msg("Rate limit exceeded")
	}
	return allowed
}

// CleanupRateLimiters drops buckets that have been idle longer than maxIdle
func (m *Middleware) CleanupRateLimiters(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxIdle)
	removed := 0
	for ip, entry := range m.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(m.limiters, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupJob periodically drops idle buckets until stop is closed
func (m *Middleware) StartCleanupJob(stop <-chan struct{}) {
	if m.config == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupRateLimiters(time.Hour); n > 0 {
					log.Logger.Debug().Int("count", n).Msg("Dropped idle rate limiters")
				}
			case <-stop:
				return
			}
		}
	}()
}

// clientIP returns the address rate limits and X-Real-IP are keyed on. The
// TCP peer is the client unless it is a trusted proxy; then X-Forwarded-For
// is walked from the right and the first untrusted hop wins, falling back to
// X-Real-IP.
func (m *Middleware) clientIP(r *http.Request) string {
	peer := peerAddr(r)
	if !m.isTrusted(peer) {
		if peer.IsValid() {
			return peer.String()
		}
		return r.RemoteAddr
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !m.isTrusted(hop.Unmap()) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer.String()
}

func (m *Middleware) isTrusted(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr is the address of the TCP peer, invalid when RemoteAddr does not
// parse
func peerAddr(r *http.Request) netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// stripCookie removes the cookie called name from h, dropping the Cookie
// header entirely when nothing else is left
func stripCookie(h http.Header, name string) {
	if len(h.Values("Cookie")) == 0 {
		return
	}
	cookies := (&http.Request{Header: h}).Cookies()
	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != name {
			kept = append(kept, c.String())
		}
	}
	if len(kept) == 0 {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", strings.Join(kept, "; "))
}

// statusRecorder captures the response status for metrics. It passes
// through hijacking for WebSocket upgrades and flushing for streamed
// responses.
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

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// observe records the request against the gateway request counter
func (s *statusRecorder) observe(route string) {
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	metrics.GatewayRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
