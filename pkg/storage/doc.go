/*
Package storage provides BoltDB-backed persistence for the codeharbor
control-plane.

All records are JSON documents in their own bucket, keyed by ID. Two index
buckets enforce the uniqueness rules the data model needs:

	┌──────────── <dataDir>/codeharbor.db ────────────┐
	│                                                  │
	│  users                    user id     → User     │
	│  users_by_github          github id   → user id  │
	│  blocked_users            github id   → 1        │
	│  sessions                 sha256(tok) → Session  │
	│  workspaces               ws id       → Workspace│
	│  workspaces_by_container  container   → ws id    │
	│  templates                tmpl id     → Template │
	└──────────────────────────────────────────────────┘

Read-modify-write operations (touch, share, unshare) run inside a single
bbolt write transaction, so concurrent gateway touches and sharing updates
serialize without extra locking. Last writer wins for LastAccessedAt.

Missing records are reported as ErrNotFound and duplicate container IDs as
ErrConflict; callers map both onto failure kinds at their boundary.
*/
package storage
