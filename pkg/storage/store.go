package storage

import (
	"errors"
	"time"

	"github.com/codeharbor/codeharbor/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a unique constraint would be violated
	ErrConflict = errors.New("record conflicts with an existing one")
)

// Store defines the interface for control-plane state storage
type Store interface {
	// Users
	UpsertGitHubUser(user *types.User) (*types.User, error)
	GetUser(id string) (*types.User, error)
	IsBlocked(githubID int64) (bool, error)
	BlockUser(githubID int64) error
	UnblockUser(githubID int64) error

	// Sessions
	CreateSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(id string) error

	// Workspaces
	CreateWorkspace(ws *types.Workspace) error
	GetWorkspace(id string) (*types.Workspace, error)
	ListWorkspaces() ([]*types.Workspace, error)
	ListWorkspacesForUser(userID string) ([]*types.Workspace, error)
	DeleteWorkspace(id string) error
	TouchWorkspace(id string, at time.Time) error
	AddSharedUser(workspaceID, userID string) (bool, error)
	RemoveSharedUser(workspaceID, userID string) (bool, error)

	// Templates
	CreateTemplate(tmpl *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	DeleteTemplate(id string) error

	Close() error
}
