/*
Package controlplane serves the CodeHarbor HTTP API: login, workspace and
template management, and the lookups the gateway performs for every
workspace request.

# Authentication

Every /api route resolves the caller from the session cookie through
session.Manager. A valid session is renewed and its cookie refreshed; an
invalid one has its cookie cleared. Requests without a valid session get
401 Unauthorized.

Login is GitHub OAuth. GET /login/github stores a random state in the
github_oauth_state cookie and redirects to GitHub. The callback checks the
state, exchanges the code, refuses blocked accounts with 403, upserts the
user by GitHub id and opens a session. First-time users land on
/welcome?ghName=<name>, returning users on /.

# Routes

	GET    /api/user/getuuid                      caller's user id
	GET    /api/workspace                         list (JSON)
	POST   /api/workspace                         create through the pipeline
	DELETE /api/workspace/{id}                    remove container and row
	GET    /api/workspace/{id}/hostname           address for the gateway
	GET    /api/workspace/{id}/hasaccess          "true" or "false"
	PATCH  /api/workspace/{id}/last-accessed      touch, answers unix millis
	PUT    /api/workspace/{id}/access/{userId}    share
	DELETE /api/workspace/{id}/access/{userId}    unshare
	POST   /api/workspace/{id}/start              start and touch
	POST   /api/workspace/{id}/stop               stop
	GET    /api/workspace/{id}/usage              {cpuUsage, memoryUsage}
	GET    /api/template                          list (JSON)
	POST   /api/template                          build through the pipeline
	DELETE /api/template/{id}                     owner only
	GET    /health, /ready, /live, /metrics       operational

Malformed ids are rejected with 400 before any lookup. Errors are written
through failure.Write, so clients only ever see a kind's fixed message;
validation failures additionally carry their detail.

# Listing

Listing is not read-only. A workspace row whose container no longer exists
on the engine is deleted and left out of the response. Resource limits are
read from each container concurrently and omitted when inspect fails.
*/
package controlplane
