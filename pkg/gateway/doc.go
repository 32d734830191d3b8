/*
Package gateway is the edge process of CodeHarbor. It routes every inbound
request by host name either to the control plane or into a workspace
container.

# Routing

	Host                                          Route
	───────────────────────────────────────────── ───────────────────────────
	codeharbor.localhost                          control plane
	<8-4-4-4-12 hex>-<port>.codeharbor.localhost  workspace <uuid>, port <port>
	anything else                                 400 Invalid host

GET /gateway on the base domain answers 200 OK without contacting the
control plane. Ports above 65535 are rejected with 400 before any backend
is called.

# Request Flow

	client ──▶ Classify(host)
	             │
	             ├─ control plane ──▶ reverse proxy (or WebSocket tunnel)
	             │                    to CONTROL_PANEL_HOST
	             │
	             └─ workspace
	                  │ session cookie missing ─▶ 401
	                  ▼
	                GET /api/workspace/{id}/hostname?inContainer=…
	                  │ non-200 ─▶ relayed ("Container is not running" ─▶ 503)
	                  ▼
	                PATCH /api/workspace/{id}/last-accessed (background)
	                  ▼
	                reverse proxy (or WebSocket tunnel) to host:port

Redirects returned by a backend reach the client untouched. Transport
failures towards a backend become 502.

# WebSocket Tunnel

The destination is dialed first, forwarding the client's cookies and
requested subprotocols, so the client upgrade can echo the negotiated
subprotocol. Frames are then relayed in both directions, preserving order
per direction:

	destination close (code, reason) ─▶ client close (code, reason)
	destination failure              ─▶ client close 1014
	client close (code, reason)      ─▶ destination close (code, reason)
	client failure                   ─▶ destination close 1014

Every client frame refreshes the workspace's last-accessed time, with at
most one refresh in flight per tunnel.

# Rate Limiting

Optional per-client token buckets (golang.org/x/time/rate). Requests over
the limit get 429. Health checks are never limited.
*/
package gateway
