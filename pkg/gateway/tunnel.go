package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// closeBadGateway is sent when the other side of the tunnel failed
	// without a close frame
	closeBadGateway = 1014

	// closeGrace bounds how long the surviving side may take to answer a
	// close frame once the other side has gone
	closeGrace = 5 * time.Second

	closeWriteTimeout = time.Second
)

var errTunnelDone = errors.New("tunnel closed")

// forwardedHeaders are copied from the client handshake to the destination
// handshake
var forwardedHeaders = []string{"Cookie", "Origin", "User-Agent", "Authorization"}

// isWebSocketUpgrade reports whether r asks to switch to the WebSocket protocol
func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// tunnel upgrades the client connection and relays frames to and from
// ws://destHost with the original path and query. The destination is dialed
// first so its negotiated subprotocol can be echoed to the client. onMessage
// runs for every client frame forwarded to the destination. Workspace
// destinations never see the session cookie.
func (g *Gateway) tunnel(w http.ResponseWriter, r *http.Request, destHost string, kind RouteKind, onMessage func(), logger zerolog.Logger) {
	dest := url.URL{Scheme: "ws", Host: destHost, Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}

	header := http.Header{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Values(name); len(v) > 0 {
			header[name] = v
		}
	}
	if kind == RouteWorkspace {
		stripCookie(header, g.config.CookieName)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     websocket.Subprotocols(r),
	}

	destConn, resp, err := dialer.DialContext(r.Context(), dest.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		metrics.GatewayProxyErrors.WithLabelValues("websocket").Inc()
		logger.Warn().Err(err).Str("destination", destHost).Msg("Failed to open destination WebSocket")
		if status < 400 {
			status = http.StatusBadGateway
		}
		http.Error(w, "Failed to connect to upstream WebSocket", status)
		return
	}
	defer destConn.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: g.checkOrigin,
	}
	if proto := destConn.Subprotocol(); proto != "" {
		upgrader.Subprotocols = []string{proto}
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		logger.Debug().Err(err).Msg("Failed to upgrade client connection")
		return
	}
	defer clientConn.Close()

	metrics.GatewayActiveTunnels.Inc()
	defer metrics.GatewayActiveTunnels.Dec()

	logger.Debug().Str("destination", destHost).Str("path", r.URL.Path).Msg("WebSocket tunnel opened")

	relay(r.Context(), clientConn, destConn, onMessage)

	logger.Debug().Str("destination", destHost).Msg("WebSocket tunnel closed")
}

// relay copies frames in both directions until either side closes. A close
// frame is passed on with its code and reason; a failure on one side closes
// the other with 1014.
func relay(ctx context.Context, client, dest *websocket.Conn, onMessage func()) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pipe(dest, client, nil, "proxied ws error")
		return errTunnelDone
	})
	g.Go(func() error {
		pipe(client, dest, onMessage, "client ws error")
		return errTunnelDone
	})
	g.Go(func() error {
		<-ctx.Done()
		// Wake up the surviving reader if its peer never answers the close
		deadline := time.Now().Add(closeGrace)
		_ = client.SetReadDeadline(deadline)
		_ = dest.SetReadDeadline(deadline)
		return nil
	})

	_ = g.Wait()
}

// pipe forwards messages read from src to dst until src fails, then closes
// dst accordingly
func pipe(src, dst *websocket.Conn, onMessage func(), failReason string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			writeClose(dst, closeCodeFor(err, failReason))
			return
		}
		if onMessage != nil {
			onMessage()
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// closeCodeFor maps a read error to the close frame sent to the other side
func closeCodeFor(err error, failReason string) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes that must never appear on the wire
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(closeBadGateway, failReason)
}

// writeClose sends a close frame; ErrCloseSent and write failures are
// expected when the peer is already gone
func writeClose(conn *websocket.Conn, msg []byte) {
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

// checkOrigin accepts handshakes without an Origin and those from the base
// domain or one of its subdomains
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(stripPort(u.Host))
	base := strings.ToLower(g.config.BaseDomain)
	return host == base || strings.HasSuffix(host, "."+base)
}

// throttledTouch returns a function that starts touch in the background
// unless a previous touch is still running
func throttledTouch(touch func()) func() {
	var inFlight atomic.Bool
	return func() {
		if !inFlight.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer inFlight.Store(false)
			touch()
		}()
	}
}
