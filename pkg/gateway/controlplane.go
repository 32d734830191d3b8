package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBody bounds how much of a control-plane response is read
const maxBody = 64 << 10

// StatusError is a non-200 answer from the control plane. Body is the
// plain-text reason it returned.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Body)
}

// ControlPlaneClient calls the control plane on behalf of a session
type ControlPlaneClient struct {
	baseURL    string
	cookieName string
	client     *http.Client
}

// NewControlPlaneClient creates a client for the control plane at host
// (host:port, no scheme)
func NewControlPlaneClient(host, cookieName string) *ControlPlaneClient {
	return &ControlPlaneClient{
		baseURL:    "http://" + host,
		cookieName: cookieName,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Host returns the control plane's host:port
func (c *ControlPlaneClient) Host() string {
	return strings.TrimPrefix(c.baseURL, "http://")
}

// Hostname resolves the address of a workspace's container. inContainer
// asks for the container name rather than its IP.
func (c *ControlPlaneClient) Hostname(ctx context.Context, session, workspaceID string, inContainer bool) (string, error) {
	q := url.Values{"inContainer": {strconv.FormatBool(inContainer)}}
	body, err := c.do(ctx, http.MethodGet, "/api/workspace/"+url.PathEscape(workspaceID)+"/hostname?"+q.Encode(), session)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// Touch refreshes a workspace's last-accessed time
func (c *ControlPlaneClient) Touch(ctx context.Context, session, workspaceID string) error {
	_, err := c.do(ctx, http.MethodPatch, "/api/workspace/"+url.PathEscape(workspaceID)+"/last-accessed", session)
	return err
}

// Ping checks that the control plane answers its health endpoint
func (c *ControlPlaneClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", "")
	return err
}

func (c *ControlPlaneClient) do(ctx context.Context, method, path, session string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: session})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("failed to read control plane response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}
