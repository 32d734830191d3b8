package main

import (
	"fmt"
	"time"

	"github.com/codeharbor/codeharbor/pkg/access"
	"github.com/codeharbor/codeharbor/pkg/controlplane"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/health"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/codeharbor/codeharbor/pkg/provision"
	"github.com/codeharbor/codeharbor/pkg/reaper"
	"github.com/codeharbor/codeharbor/pkg/runtime"
	"github.com/codeharbor/codeharbor/pkg/security"
	"github.com/codeharbor/codeharbor/pkg/session"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/spf13/cobra"
)

const gibi = 1 << 30

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: the HTTP API, the provisioning pipeline and the
autostop reaper. It needs the Docker socket and GitHub OAuth credentials.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("listen", "", "Address to listen on (overrides server.listen)")
	serverCmd.Flags().String("data-dir", "", "Directory for the database (overrides DATABASE_PATH)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Server.DataDir = v
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	metrics.SetCriticalComponents("storage", "docker")

	var storeOpts []storage.Option
	if cfg.Server.TokenKey != "" {
		tokens, err := security.NewTokenCipherFromPassphrase(cfg.Server.TokenKey)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, storage.WithTokenCipher(tokens))
	} else {
		log.Logger.Warn().Msg("TOKEN_ENCRYPTION_KEY not set; GitHub tokens are stored unencrypted")
	}

	store, err := storage.NewBoltStore(cfg.Server.DataDir, storeOpts...)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "")

	engine, err := runtime.NewDockerRuntime(cfg.Docker.SocketPath)
	if err != nil {
		return err
	}
	defer engine.Close()

	metrics.RegisterComponent("docker", false, "connecting")
	if err := waitFor(ctx, "docker daemon", engine.Ping); err != nil {
		return err
	}
	metrics.UpdateComponent("docker", true, "")

	dockerMonitor := health.NewMonitor("docker", health.CheckFunc(engine.Ping),
		health.Config{Interval: 15 * time.Second}, metrics.UpdateComponent)
	go dockerMonitor.Run(ctx)

	// GitHub outages degrade the server without taking it out of rotation
	githubMonitor := health.NewMonitor("github", health.NewHTTPChecker(github.DefaultAPIBase),
		health.Config{Interval: time.Minute}, metrics.UpdateComponent)
	metrics.RegisterComponent("github", true, "")
	go githubMonitor.Run(ctx)

	gh := github.NewClient(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.OAuthRedirectURL())
	sessions := session.NewManager(store, session.Config{
		CookieName: cfg.Session.CookieName,
		Domain:     cfg.BaseDomain,
		Secure:     cfg.Session.Secure,
	})

	provisioner := provision.NewProvisioner(engine, gh, store, provision.Config{
		GitImage:             cfg.Provision.GitImage,
		DevcontainerCLIImage: cfg.Provision.DevcontainerCLIImage,
		ChownImage:           cfg.Provision.ChownImage,
		DefaultImage:         cfg.Provision.DefaultImage,
		EditorMountPath:      cfg.Server.EditorMountPath,
		NetworkName:          cfg.Docker.Network,
		DockerSocketPath:     cfg.Docker.SocketPath,
		Timeout:              cfg.Provision.Timeout,
		NanoCPUs:             int64(cfg.Provision.CPUs * 1e9),
		MemoryBytes:          int64(cfg.Provision.MemoryGiB * gibi),
	})
	defer provisioner.Drain()

	server := controlplane.NewServer(controlplane.Config{
		Listen:        cfg.Server.Listen,
		NetworkName:   cfg.Docker.Network,
		SecureCookies: cfg.Session.Secure,
		AdminToken:    cfg.Server.AdminToken,
	}, controlplane.Deps{
		Store:       store,
		Engine:      engine,
		Sessions:    sessions,
		Access:      access.NewResolver(store),
		OAuth:       gh,
		Provisioner: provisioner,
	})

	r := reaper.NewReaper(store, engine, reaper.Config{
		Interval:  cfg.Reaper.Interval,
		Threshold: cfg.Reaper.Threshold,
	})
	r.Start(ctx)
	defer r.Stop()

	collector := metrics.NewCollector(store, engine)
	collector.Start()
	defer collector.Stop()

	log.Logger.Info().
		Str("version", Version).
		Str("base_domain", cfg.BaseDomain).
		Str("network", cfg.Docker.Network).
		Msg("Control plane starting")

	if err := server.Start(ctx); err != nil {
		return err
	}
	log.Logger.Info().Msg("Control plane stopped")
	return nil
}
