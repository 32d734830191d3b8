/*
Package reaper stops workspace containers that have gone idle.

The control plane runs one Reaper. Every interval (one minute by default) it
lists the persisted workspaces and the engine's containers and stops each
running workspace container whose last access is more than the threshold
(five minutes by default) in the past:

	┌──────────── Sweep (every 1m) ────────────┐
	│                                          │
	│  ListWorkspaces ──┐                      │
	│                   ├─▶ running && idle?   │
	│  ListAll ─────────┘         │            │
	│                             ▼            │
	│             Stop, Stop, Stop (parallel)  │
	│                             │            │
	│                  wait for every stop     │
	│                  log each failure        │
	└──────────────────────────────────────────┘

Last access is refreshed by the gateway on every proxied request and
WebSocket message, and by the start endpoint. A workspace that was never
accessed is not considered idle.

A failed stop is logged and counted; it neither aborts the sweep nor the
loop. Stopped containers are not removed, so the workspace can be started
again from the dashboard.
*/
package reaper
