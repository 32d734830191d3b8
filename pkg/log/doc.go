/*
Package log provides structured logging for codeharbor using zerolog.

A single global zerolog.Logger is configured once at process start by
log.Init and shared by the gateway, the control-plane and the background
reaper. Packages derive child loggers carrying the identifiers they work
with, so every line about a workspace can be filtered by workspace_id.

# Output

	┌────────────── log.Init(Config) ──────────────┐
	│                                               │
	│  JSONOutput=true   {"level":"info",           │
	│                     "component":"gateway",    │
	│                     "message":"..."}          │
	│                                               │
	│  JSONOutput=false  10:30AM INF ... component= │
	└───────────────────────────────────────────────┘

# Child loggers

	logger := log.WithComponent("reaper")
	logger.Info().Str("workspace_id", id).Msg("stopping idle workspace")

	wsLog := log.WithWorkspaceID(ws.ID)
	wsLog.Error().Err(err).Msg("failed to start container")

Sensitive values never go through the logger: the authenticated clone URL,
OAuth tokens and session tokens are logged by reference only (owner/repo,
session id hash).
*/
package log
