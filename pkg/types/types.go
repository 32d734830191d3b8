package types

import (
	"slices"
	"time"
)

// User is an account created on first GitHub login
type User struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	GitHubID          int64     `json:"githubId"`
	GitHubLogin       string    `json:"githubLogin"`
	GitHubAccessToken string    `json:"githubAccessToken"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Session is a server-side login session. ID is the hex SHA-256 of the
// token held in the client cookie; the raw token is never stored.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Workspace is a user-owned development environment backed by exactly one
// container
type Workspace struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OwnerID        string    `json:"ownerId"`
	ContainerID    string    `json:"containerId"`
	Folder         string    `json:"folder"`
	TemplateID     string    `json:"templateId,omitempty"`
	SharedUserIDs  []string  `json:"sharedUserIds"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasAccess reports whether userID owns the workspace or has it shared
func (w *Workspace) HasAccess(userID string) bool {
	return w.OwnerID == userID || slices.Contains(w.SharedUserIDs, userID)
}

// Template is a reusable workspace recipe: a source repository plus the
// image built from its devcontainer configuration
type Template struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	OwnerID           string            `json:"ownerId"`
	RepoOwner         string            `json:"repoOwner"`
	RepoName          string            `json:"repoName"`
	VolumeName        string            `json:"volumeName"`
	Image             string            `json:"image"`
	ExtensionsDir     string            `json:"extensionsDir,omitempty"`
	Ports             map[string]string `json:"ports,omitempty"`
	SuggestedCPUs     float64           `json:"suggestedCpus"`
	SuggestedMemoryGB float64           `json:"suggestedMemoryGiB"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// ContainerState mirrors the engine's container status strings
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRunning    ContainerState = "running"
	ContainerStatePaused     ContainerState = "paused"
	ContainerStateRestarting ContainerState = "restarting"
	ContainerStateExited     ContainerState = "exited"
	ContainerStateRemoving   ContainerState = "removing"
	ContainerStateDead       ContainerState = "dead"
)

// ContainerSummary is the subset of a listed container the control-plane
// and the reaper need
type ContainerSummary struct {
	ID    string
	Name  string
	State ContainerState
}

// WorkspaceView is a workspace joined with its container's live state
type WorkspaceView struct {
	Workspace
	State ContainerState `json:"state"`
}
