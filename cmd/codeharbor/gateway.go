package main

import (
	"time"

	"github.com/codeharbor/codeharbor/pkg/gateway"
	"github.com/codeharbor/codeharbor/pkg/health"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway",
	Long: `Run the gateway: the edge process that serves the base domain from the
control plane and every <workspace>-<port> subdomain from its container.`,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().String("listen", "", "Address to listen on (overrides gateway.listen)")
	gatewayCmd.Flags().String("control-plane", "", "Control plane host:port (overrides CONTROL_PANEL_HOST)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Gateway.Listen = v
	}
	if v, _ := cmd.Flags().GetString("control-plane"); v != "" {
		cfg.Gateway.ControlPlaneHost = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	metrics.SetCriticalComponents("control_plane")
	if cfg.Gateway.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Gateway.MetricsListen); err != nil {
				log.Logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	cp := gateway.NewControlPlaneClient(cfg.Gateway.ControlPlaneHost, cfg.Session.CookieName)
	metrics.RegisterComponent("control_plane", false, "connecting")
	if err := waitFor(ctx, "control plane", cp.Ping); err != nil {
		return err
	}
	metrics.UpdateComponent("control_plane", true, "")

	monitor := health.NewMonitor("control_plane",
		health.NewHTTPChecker("http://"+cp.Host()+"/health"),
		health.Config{Interval: 15 * time.Second},
		metrics.UpdateComponent)
	go monitor.Run(ctx)

	var rateLimit *gateway.RateLimit
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		rateLimit = &gateway.RateLimit{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
	}

	trusted, err := cfg.Gateway.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	gw := gateway.NewGateway(gateway.Config{
		Listen:         cfg.Gateway.Listen,
		BaseDomain:     cfg.BaseDomain,
		CookieName:     cfg.Session.CookieName,
		InContainer:    cfg.Gateway.InContainer,
		RateLimit:      rateLimit,
		TrustedProxies: trusted,
	}, cp)

	if err := gw.Start(ctx); err != nil {
		return err
	}
	log.Logger.Info().Msg("Gateway stopped")
	return nil
}
