package provision

import (
	"context"
	"errors"
	"strings"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
)

// Source is where a workspace's code comes from: a template, or a GitHub
// repository given directly
type Source struct {
	TemplateID string `json:"templateId,omitempty"`
	RepoOwner  string `json:"repoOwner,omitempty"`
	RepoName   string `json:"repoName,omitempty"`
}

// WorkspaceRequest asks for a new workspace
type WorkspaceRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"-"`
	Source  Source `json:"source"`
}

// resolvedSource is a Source with the template indirection followed
type resolvedSource struct {
	repoOwner     string
	repoName      string
	cloneUserID   string
	image         string
	extensionsDir string
}

func (p *Provisioner) resolveSource(req WorkspaceRequest) (resolvedSource, error) {
	if req.Source.TemplateID == "" {
		if !github.ValidRepoName(req.Source.RepoOwner) || !github.ValidRepoName(req.Source.RepoName) {
			return resolvedSource{}, failure.Newf(failure.Validation, "invalid repository")
		}
		return resolvedSource{
			repoOwner:   req.Source.RepoOwner,
			repoName:    req.Source.RepoName,
			cloneUserID: req.OwnerID,
		}, nil
	}

	tmpl, err := p.store.GetTemplate(req.Source.TemplateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return resolvedSource{}, failure.New(failure.TemplateNotFound, err)
		}
		return resolvedSource{}, failure.New(failure.Storage, err)
	}
	return resolvedSource{
		repoOwner:     tmpl.RepoOwner,
		repoName:      tmpl.RepoName,
		cloneUserID:   tmpl.OwnerID,
		image:         tmpl.Image,
		extensionsDir: tmpl.ExtensionsDir,
	}, nil
}

// cloneURL checks that the requester can read the repository with their own
// token, then builds the clone URL with the credential of cloneUserID. For a
// template this is the template owner; the requester's access is still what
// decides whether the clone happens.
func (p *Provisioner) cloneURL(ctx context.Context, requesterID, cloneUserID, owner, name string) (string, error) {
	requester, err := p.user(requesterID)
	if err != nil {
		return "", err
	}
	repo, err := p.repos.Repository(ctx, requester.GitHubAccessToken, owner, name)
	if err != nil {
		return "", err
	}

	credential := requester
	if cloneUserID != requesterID {
		if credential, err = p.user(cloneUserID); err != nil {
			return "", err
		}
	}
	return authenticatedCloneURL(repo.CloneURL, credential.GitHubAccessToken)
}

func (p *Provisioner) user(id string) (*types.User, error) {
	user, err := p.store.GetUser(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, failure.New(failure.Unauthorized, err)
		}
		return nil, failure.New(failure.Storage, err)
	}
	return user, nil
}

// CreateWorkspace runs the workspace pipeline: resolve the source, validate
// repository access, clone into a fresh volume, prepare the volume for the
// image's user, create the editor container, persist the workspace and
// start it. Nothing is persisted unless the container was created. A start
// failure is logged and does not fail the request; the workspace can be
// started later.
func (p *Provisioner) CreateWorkspace(ctx context.Context, req WorkspaceRequest) (*types.Workspace, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	ws, err := p.createWorkspace(ctx, req)
	err = deadline(ctx, err)
	timer.ObserveDurationVec(metrics.ProvisionDuration, "workspace", result(err))
	return ws, err
}

func (p *Provisioner) createWorkspace(ctx context.Context, req WorkspaceRequest) (*types.Workspace, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, failure.Newf(failure.Validation, "workspace name required")
	}

	src, err := p.resolveSource(req)
	if err != nil {
		return nil, err
	}

	workspaceID := p.newID()
	logger := log.WithWorkspaceID(workspaceID)
	logger.Info().Str("repo", src.repoOwner+"/"+src.repoName).Msg("provisioning workspace")

	cloneURL, err := p.cloneURL(ctx, req.OwnerID, src.cloneUserID, src.repoOwner, src.repoName)
	if err != nil {
		return nil, err
	}

	volume := WorkspaceVolumeName(workspaceID)
	if err := p.cloneIntoVolume(ctx, cloneURL, volume); err != nil {
		return nil, err
	}

	settings := imageSettings{containerUser: "root"}
	image := p.config.DefaultImage
	if src.image != "" {
		image = src.image
		if settings, err = p.readImageSettings(ctx, image); err != nil {
			return nil, err
		}
		if settings.containerUser != "root" {
			if err := p.chownVolume(ctx, workspaceID, volume); err != nil {
				return nil, err
			}
		}
	}

	folder := "/config/workspace/" + src.repoName
	containerName := WorkspaceContainerName(workspaceID)
	init := true

	containerID, err := p.engine.Create(ctx, containerName,
		&container.Config{
			Image:      image,
			User:       settings.containerUser,
			Entrypoint: []string{"/bin/sh"},
			Cmd:        []string{"-c", editorScript(settings.entrypoints, src.extensionsDir), "--"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: volume, Target: folder},
				{Type: mount.TypeBind, Source: p.config.EditorMountPath, Target: EditorMountTarget, ReadOnly: true},
			},
			NetworkMode: container.NetworkMode(p.config.NetworkName),
			Resources: container.Resources{
				NanoCPUs: p.config.NanoCPUs,
				Memory:   p.config.MemoryBytes,
			},
			Init: &init,
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	now := p.now()
	ws := &types.Workspace{
		ID:             workspaceID,
		Name:           req.Name,
		OwnerID:        req.OwnerID,
		ContainerID:    containerID,
		Folder:         folder,
		TemplateID:     req.Source.TemplateID,
		SharedUserIDs:  []string{},
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	if err := p.store.CreateWorkspace(ws); err != nil {
		p.discard(containerID, containerName)
		return nil, failure.New(failure.Storage, err)
	}

	if err := p.engine.Start(ctx, containerID); err != nil {
		logger.Error().Err(err).Msg("failed to start workspace container")
	}

	logger.Info().Str("container_id", containerID).Msg("workspace created")
	return ws, nil
}

// editorScript is the workspace container's shell program: the image's
// entrypoints, one per line, then the editor server in the foreground
func editorScript(entrypoints []string, extensionsDir string) string {
	var b strings.Builder
	for _, e := range entrypoints {
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString(EditorMountTarget + "/bin/openvscode-server --host 0.0.0.0 --without-connection-token")
	if extensionsDir != "" {
		b.WriteString(" --extensions-dir " + extensionsDir)
	}
	return b.String()
}

// chownVolume hands the cloned tree to uid 1000, the conventional
// devcontainer user
func (p *Provisioner) chownVolume(ctx context.Context, workspaceID, volume string) error {
	name := chownContainerName(workspaceID)
	init := true

	id, err := p.engine.Create(ctx, name,
		&container.Config{
			Image:      p.config.ChownImage,
			Entrypoint: []string{"/bin/sh"},
			Cmd:        []string{"-c", "chown -R 1000:1000 /workspace", "--"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: volume, Target: "/workspace"},
			},
			Init: &init,
		},
		nil,
	)
	if err != nil {
		return err
	}
	defer p.discard(id, name)

	_, err = p.runToExit(ctx, id)
	return err
}
