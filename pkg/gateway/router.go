package gateway

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// RouteKind says where a request is headed
type RouteKind int

const (
	// RouteControlPlane is the bare base domain
	RouteControlPlane RouteKind = iota
	// RouteWorkspace is a <workspace id>-<port> subdomain
	RouteWorkspace
)

func (k RouteKind) String() string {
	switch k {
	case RouteControlPlane:
		return "control_plane"
	case RouteWorkspace:
		return "workspace"
	default:
		return "unknown"
	}
}

// Route is the result of classifying a request host
type Route struct {
	Kind        RouteKind
	WorkspaceID string
	Port        int
}

var (
	ErrInvalidHost = errors.New("invalid host")
	ErrInvalidPort = errors.New("invalid port")
)

var workspaceSubdomain = regexp.MustCompile(`^([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})-([0-9]{1,5})$`)

// Classify maps a request host onto a route. The host must be the base
// domain itself or a single <8-4-4-4-12 hex>-<port> label in front of it.
// Host names are compared case-insensitively.
func Classify(host, baseDomain string) (Route, error) {
	hostname := strings.ToLower(stripPort(host))
	baseDomain = strings.ToLower(baseDomain)

	if !strings.HasSuffix(hostname, baseDomain) {
		return Route{}, ErrInvalidHost
	}
	if hostname == baseDomain {
		return Route{Kind: RouteControlPlane}, nil
	}

	subdomain, ok := strings.CutSuffix(hostname, "."+baseDomain)
	if !ok {
		return Route{}, ErrInvalidHost
	}

	m := workspaceSubdomain.FindStringSubmatch(subdomain)
	if m == nil {
		return Route{}, ErrInvalidHost
	}

	port, err := strconv.Atoi(m[2])
	if err != nil || port < 1 || port > 65535 {
		return Route{}, ErrInvalidPort
	}

	return Route{Kind: RouteWorkspace, WorkspaceID: m[1], Port: port}, nil
}

// stripPort removes a trailing :port, including from bracketed IPv6 hosts
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
