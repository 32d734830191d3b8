/*
Package types defines the core data model shared by the codeharbor
control-plane, gateway and background workers.

	User ──owns──▶ Workspace ──backed by──▶ container (engine)
	  │               │
	  │               └──shared with──▶ User
	  │
	  └──owns──▶ Template ──cloned from──▶ GitHub repo
	                 └──built into──▶ image

A Workspace row is valid only while its container exists. Listing workspaces
drops rows whose container has disappeared from the engine.

Sessions store the hash of the cookie token, never the token itself.
*/
package types
