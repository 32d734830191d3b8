package provision

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/rs/zerolog"
)

const (
	// DefaultGitImage runs the clone step
	DefaultGitImage = "cgr.dev/chainguard/git"

	// DefaultDevcontainerCLIImage runs `devcontainer build`
	DefaultDevcontainerCLIImage = "devcontainercli"

	// DefaultChownImage fixes volume ownership for non-root images
	DefaultChownImage = "oven/bun:alpine"

	// DefaultWorkspaceImage is used when no devcontainer image was built
	DefaultWorkspaceImage = "mcr.microsoft.com/devcontainers/base:ubuntu"

	// DefaultNetwork is the engine network shared with the gateway
	DefaultNetwork = "codeharbor"

	// DefaultTimeout bounds one pipeline run
	DefaultTimeout = 30 * time.Minute

	// EditorMountTarget is where the editor distribution is bind-mounted
	EditorMountTarget = "/openvscode-server"

	// ExtensionsDir is where baked editor extensions live in template images
	ExtensionsDir = "/opt/codeharbor/extensions"

	gibi = 1 << 30

	cleanupTimeout = time.Minute
)

// Engine is the container engine surface the pipeline drives
type Engine interface {
	Create(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (container.InspectResponse, error)
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string, tail string) (string, error)
	GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error)
	BuildImage(ctx context.Context, buildContext io.Reader, tags []string, onLine func(string)) error
	ImageLabels(ctx context.Context, ref string) (map[string]string, error)
}

// RepoValidator confirms a user's token can read a repository
type RepoValidator interface {
	Repository(ctx context.Context, accessToken, owner, name string) (*github.Repo, error)
}

// Store is the persistence the pipeline needs
type Store interface {
	GetUser(id string) (*types.User, error)
	GetTemplate(id string) (*types.Template, error)
	CreateTemplate(tmpl *types.Template) error
	DeleteTemplate(id string) error
	CreateWorkspace(ws *types.Workspace) error
}

// Config holds pipeline settings
type Config struct {
	GitImage             string
	DevcontainerCLIImage string
	ChownImage           string
	DefaultImage         string
	EditorMountPath      string
	NetworkName          string
	DockerSocketPath     string
	Timeout              time.Duration
	NanoCPUs             int64
	MemoryBytes          int64
}

func (c *Config) setDefaults() {
	if c.GitImage == "" {
		c.GitImage = DefaultGitImage
	}
	if c.DevcontainerCLIImage == "" {
		c.DevcontainerCLIImage = DefaultDevcontainerCLIImage
	}
	if c.ChownImage == "" {
		c.ChownImage = DefaultChownImage
	}
	if c.DefaultImage == "" {
		c.DefaultImage = DefaultWorkspaceImage
	}
	if c.NetworkName == "" {
		c.NetworkName = DefaultNetwork
	}
	if c.DockerSocketPath == "" {
		c.DockerSocketPath = "/var/run/docker.sock"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.NanoCPUs == 0 {
		c.NanoCPUs = 1e9
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = gibi
	}
}

// Provisioner turns workspace and template requests into containers,
// volumes and images
type Provisioner struct {
	engine Engine
	repos  RepoValidator
	store  Store
	config Config
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	background sync.WaitGroup
}

// NewProvisioner creates a provisioner
func NewProvisioner(engine Engine, repos RepoValidator, store Store, cfg Config) *Provisioner {
	cfg.setDefaults()
	return &Provisioner{
		engine: engine,
		repos:  repos,
		store:  store,
		config: cfg,
		logger: log.WithComponent("provision"),
		now:    time.Now,
		newID:  newUUID,
	}
}

// Drain waits for detached cleanup tasks to finish
func (p *Provisioner) Drain() {
	p.background.Wait()
}

// detach runs fn in the background with its own bounded context. It may not
// complete before the caller returns.
func (p *Provisioner) detach(logger zerolog.Logger, what string, fn func(ctx context.Context) error) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to " + what)
		}
	}()
}

// discard force-removes a transient container in the background
func (p *Provisioner) discard(id, name string) {
	logger := log.WithContainerID(id).With().
		Str("component", "provision").
		Str("container_name", name).
		Logger()
	p.detach(logger, "remove transient container", func(ctx context.Context) error {
		return p.engine.Remove(ctx, id, true)
	})
}

// runToExit starts a created container, waits for it to stop and returns
// its final state
func (p *Provisioner) runToExit(ctx context.Context, id string) (*container.State, error) {
	if err := p.engine.Start(ctx, id); err != nil {
		return nil, err
	}
	if _, err := p.engine.Wait(ctx, id); err != nil {
		return nil, err
	}
	info, err := p.engine.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, failure.Newf(failure.ContainerInspect, "container %s reported no state", id)
	}
	return info.State, nil
}

// deadline wraps err as failure.Timeout when the pipeline deadline expired
func deadline(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.Timeout, err)
	}
	return err
}

// result labels a pipeline outcome for metrics
func result(err error) string {
	if err == nil {
		return "success"
	}
	return failure.KindOf(err).String()
}
