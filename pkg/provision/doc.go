/*
Package provision builds workspaces and templates out of GitHub
repositories.

# Workspace pipeline

	CreateWorkspace(req)
	  │
	  ├─ resolve source ─────────── template row, or owner/name given directly
	  ├─ validate repo access ───── GET /repos/{owner}/{repo} with user token
	  ├─ authenticated clone URL ── https://<token>@github.com/...
	  ├─ clone into volume ──────── codeharbor-git-clone-<volume>   (transient)
	  ├─ read image metadata ────── devcontainer.metadata label       (templates)
	  ├─ chown volume ───────────── codeharbor-temp-<id>             (non-root)
	  ├─ create editor container ── codeharbor-code-server-<id>
	  ├─ persist workspace row
	  └─ start container ────────── failure logged, not returned

Each step returns a classified failure and the pipeline stops at the first
one. Nothing is written to the store before the editor container exists, so
a failed clone leaves no workspace row behind.

# Template pipeline

	CreateTemplate(req)
	  │
	  ├─ validate name, description, repository
	  ├─ validate repo access
	  └─ devcontainer requested?
	       ├─ clone into codeharbor-template-<id> volume
	       ├─ devcontainer build ─── codeharbor-template-builder-<id> (transient)
	       │                          last log line must report success and
	       │                          list the requested image tag
	       ├─ read image metadata
	       └─ extensions declared?
	            ├─ install ──────── codeharbor-template-extensions-<id>
	            ├─ archive /tmp/codeharbor-extensions out of the container
	            └─ build FROM <image> + COPY extensions <dir>, same tag

# Transient containers

Clone, builder, installer and chown containers have deterministic names and
are force-removed in the background once their step is over, on success and
on failure alike. Removal errors are logged. Drain waits for outstanding
removals and is called on shutdown.

# Deadline

Every pipeline run is bounded by Config.Timeout. When it expires the
in-flight engine call is cancelled, transient containers are still removed
with a fresh context, and the caller receives failure.Timeout.
*/
package provision
