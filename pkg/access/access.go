// Package access decides who may use a workspace and manages the set of
// users a workspace is shared with.
package access

import (
	"context"
	"errors"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
)

// Store is the subset of storage.Store the resolver needs
type Store interface {
	GetWorkspace(id string) (*types.Workspace, error)
	AddSharedUser(workspaceID, userID string) (bool, error)
	RemoveSharedUser(workspaceID, userID string) (bool, error)
}

// Grant is what a successful access check learns about the workspace
type Grant struct {
	OwnerID       string
	SharedUserIDs []string
	ContainerID   string
}

// Resolver applies the owner-or-shared rule
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by store
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Check returns the workspace's grant if userID is its owner or one of its
// shared users. A missing workspace is failure.WorkspaceNotFound and lack
// of access is failure.Forbidden.
func (r *Resolver) Check(ctx context.Context, userID, workspaceID string) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.New(failure.Storage, err)
	}

	ws, err := r.store.GetWorkspace(workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, failure.New(failure.WorkspaceNotFound, err)
		}
		return nil, failure.New(failure.Storage, err)
	}

	if !ws.HasAccess(userID) {
		return nil, failure.Newf(failure.Forbidden, "user %s on workspace %s", userID, workspaceID)
	}

	return &Grant{
		OwnerID:       ws.OwnerID,
		SharedUserIDs: ws.SharedUserIDs,
		ContainerID:   ws.ContainerID,
	}, nil
}

// Share gives userID access to the workspace on behalf of actorID, who must
// have access. Sharing with the owner or with an already shared user
// changes nothing and succeeds.
func (r *Resolver) Share(ctx context.Context, actorID, workspaceID, userID string) error {
	grant, err := r.Check(ctx, actorID, workspaceID)
	if err != nil {
		return err
	}
	if grant.OwnerID == userID {
		return nil
	}

	added, err := r.store.AddSharedUser(workspaceID, userID)
	if err != nil {
		return storageFailure(err)
	}
	if added {
		logger := log.WithWorkspaceID(workspaceID)
		logger.Info().Str("user_id", userID).Str("by", actorID).Msg("workspace shared")
	}
	return nil
}

// Unshare removes userID's access on behalf of actorID. Removing the owner
// or a user the workspace is not shared with is a validation failure.
func (r *Resolver) Unshare(ctx context.Context, actorID, workspaceID, userID string) error {
	grant, err := r.Check(ctx, actorID, workspaceID)
	if err != nil {
		return err
	}
	if grant.OwnerID == userID {
		return failure.Newf(failure.Validation, "cannot remove access from owner")
	}

	removed, err := r.store.RemoveSharedUser(workspaceID, userID)
	if err != nil {
		return storageFailure(err)
	}
	if !removed {
		return failure.Newf(failure.Validation, "user does not have access")
	}

	logger := log.WithWorkspaceID(workspaceID)
	logger.Info().Str("user_id", userID).Str("by", actorID).Msg("workspace unshared")
	return nil
}

func storageFailure(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return failure.New(failure.WorkspaceNotFound, err)
	}
	return failure.New(failure.Storage, err)
}
