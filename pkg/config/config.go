package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration shared by the control plane and the gateway.
// Values come from defaults, then the YAML file, then the environment.
type Config struct {
	BaseDomain string          `yaml:"baseDomain"`
	Log        LogConfig       `yaml:"log"`
	Session    SessionConfig   `yaml:"session"`
	Docker     DockerConfig    `yaml:"docker"`
	GitHub     GitHubConfig    `yaml:"github"`
	Server     ServerConfig    `yaml:"server"`
	Provision  ProvisionConfig `yaml:"provision"`
	Reaper     ReaperConfig    `yaml:"reaper"`
	Gateway    GatewayConfig   `yaml:"gateway"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SessionConfig configures the session cookie
type SessionConfig struct {
	CookieName string `yaml:"cookieName"`
	Secure     bool   `yaml:"secure"`
}

// DockerConfig locates the engine and the workspace network
type DockerConfig struct {
	SocketPath string `yaml:"socketPath"`
	Network    string `yaml:"network"`
}

// GitHubConfig holds the OAuth application credentials
type GitHubConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	RedirectURL  string `yaml:"redirectUrl"`
}

// ServerConfig configures the control plane process
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	DataDir         string `yaml:"dataDir"`
	EditorMountPath string `yaml:"editorMountPath"`
	// TokenKey, when set, encrypts stored GitHub access tokens
	TokenKey string `yaml:"tokenKey"`
	// AdminToken, when set, enables the /admin API for its bearers
	AdminToken string `yaml:"adminToken"`
}

// ProvisionConfig configures the provisioning pipeline
type ProvisionConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	GitImage             string        `yaml:"gitImage"`
	DevcontainerCLIImage string        `yaml:"devcontainerCliImage"`
	ChownImage           string        `yaml:"chownImage"`
	DefaultImage         string        `yaml:"defaultImage"`
	CPUs                 float64       `yaml:"cpus"`
	MemoryGiB            float64       `yaml:"memoryGiB"`
}

// ReaperConfig configures the autostop sweep
type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold time.Duration `yaml:"threshold"`
}

// GatewayConfig configures the gateway process
type GatewayConfig struct {
	Listen           string          `yaml:"listen"`
	MetricsListen    string          `yaml:"metricsListen"`
	ControlPlaneHost string          `yaml:"controlPlaneHost"`
	InContainer      bool            `yaml:"inContainer"`
	RateLimit        RateLimitConfig `yaml:"rateLimit"`
	// TrustedProxies lists addresses or CIDRs of load balancers in front of
	// the gateway. X-Forwarded-For is ignored from anyone else.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single
// host prefix.
func (g GatewayConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(g.TrustedProxies))
	for _, raw := range g.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RateLimitConfig configures the per-client token bucket
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		BaseDomain: "codeharbor.localhost",
		Log: LogConfig{
			Level: "info",
		},
		Session: SessionConfig{
			CookieName: "auth-session",
		},
		Docker: DockerConfig{
			SocketPath: "/var/run/docker.sock",
			Network:    "codeharbor",
		},
		Server: ServerConfig{
			Listen:  ":5173",
			DataDir: "/var/lib/codeharbor",
		},
		Provision: ProvisionConfig{
			Timeout:   30 * time.Minute,
			CPUs:      1,
			MemoryGiB: 1,
		},
		Reaper: ReaperConfig{
			Interval:  time.Minute,
			Threshold: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Listen:           ":5110",
			MetricsListen:    ":9110",
			ControlPlaneHost: "localhost:5173",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
	}
}

// Load builds the configuration from the defaults, the optional YAML file at
// path and the process environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BASE_DOMAIN":                  &c.BaseDomain,
		"LOG_LEVEL":                    &c.Log.Level,
		"SESSION_COOKIE_NAME":          &c.Session.CookieName,
		"DOCKER_SOCKET_PATH":           &c.Docker.SocketPath,
		"DOCKER_NETWORK_NAME":          &c.Docker.Network,
		"AUTH_GITHUB_ID":               &c.GitHub.ClientID,
		"AUTH_GITHUB_SECRET":           &c.GitHub.ClientSecret,
		"AUTH_GITHUB_REDIRECT_URL":     &c.GitHub.RedirectURL,
		"DATABASE_PATH":                &c.Server.DataDir,
		"OPENVSCODE_SERVER_MOUNT_PATH": &c.Server.EditorMountPath,
		"CONTROL_PANEL_HOST":           &c.Gateway.ControlPlaneHost,
		"TOKEN_ENCRYPTION_KEY":         &c.Server.TokenKey,
		"ADMIN_TOKEN":                  &c.Server.AdminToken,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("GATEWAY_TRUSTED_PROXIES"); ok && v != "" {
		c.Gateway.TrustedProxies = strings.Split(v, ",")
	}

	bools := map[string]*bool{
		"LOG_JSON":              &c.Log.JSON,
		"SESSION_COOKIE_SECURE": &c.Session.Secure,
		"GATEWAY_IN_CONTAINER":  &c.Gateway.InContainer,
	}
	for name, field := range bools {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*field = b
	}

	return nil
}

// Validate checks the fields every process needs
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseDomain) == "" {
		return fmt.Errorf("base domain is required")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session cookie name is required")
	}
	if c.Provision.Timeout < 0 {
		return fmt.Errorf("provision timeout must not be negative")
	}
	if c.Reaper.Interval < 0 || c.Reaper.Threshold < 0 {
		return fmt.Errorf("reaper interval and threshold must not be negative")
	}
	if c.Gateway.RateLimit.Enabled && (c.Gateway.RateLimit.RequestsPerSecond <= 0 || c.Gateway.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requestsPerSecond and burst")
	}
	if _, err := c.Gateway.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ValidateServer additionally checks what the control plane needs
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GitHub.ClientID == "" || c.GitHub.ClientSecret == "" {
		return fmt.Errorf("AUTH_GITHUB_ID and AUTH_GITHUB_SECRET are required")
	}
	if c.Server.EditorMountPath == "" {
		return fmt.Errorf("OPENVSCODE_SERVER_MOUNT_PATH is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	return nil
}

// OAuthRedirectURL returns the configured callback URL or the one derived
// from the base domain
func (c *Config) OAuthRedirectURL() string {
	if c.GitHub.RedirectURL != "" {
		return c.GitHub.RedirectURL
	}
	scheme := "http"
	if c.Session.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.BaseDomain + "/login/github/callback"
}
