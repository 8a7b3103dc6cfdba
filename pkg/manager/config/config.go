// Package config loads, validates, and normalises manager configuration.
//
// Configuration is layered: built-in defaults, then YAML files, then
// environment variable overrides. It is loaded once at startup and treated
// as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 29324
	defaultDatabase        = "manager.db"
	defaultShutdownTimeout = 15 * time.Second
	defaultProbeTimeout    = 2 * time.Second
	defaultRateLimitWindow = 60 * time.Second
	defaultRateLimitMax    = 240
	defaultMetricsEnabled  = true
	defaultConfigEnvVar    = "MANAGER_CONFIG"

	envHost                 = "MANAGER_HOST"
	envPort                 = "MANAGER_PORT"
	envDatabase             = "MANAGER_DATABASE"
	envShutdownTimeout      = "MANAGER_SHUTDOWN_TIMEOUT_MS"
	envHomeserverDomain     = "HOMESERVER_DOMAIN"
	envHomeserverClientURL  = "HOMESERVER_CLIENT_URL"
	envHomeserverFederation = "HOMESERVER_FEDERATION_URL"
	envDockerHost           = "DOCKER_HOST"
	envMixpanelToken        = "MIXPANEL_TOKEN"
	envRateLimitWindow      = "RATE_LIMIT_WINDOW_MS"
	envRateLimitMax         = "RATE_LIMIT_MAX"
	envMetricsEnabled       = "METRICS_ENABLED"
	envBridgeURLSuffix      = "_URL"
	envBridgeSecretSuffix   = "_SECRET"
)

// KnownBridges is the set of bridges the manager can front, in mount order.
var KnownBridges = []string{
	"mautrix-telegram",
	"mautrix-whatsapp",
	"mautrix-facebook",
	"mautrix-hangouts",
	"mx-puppet-slack",
	"mx-puppet-twitter",
	"mx-puppet-instagram",
}

// Config captures the full runtime configuration of the manager.
type Config struct {
	Homeserver  HomeserverConfig        `yaml:"homeserver"`
	Server      ServerConfig            `yaml:"server"`
	Bridges     map[string]BridgeConfig `yaml:"bridges"`
	Docker      DockerConfig            `yaml:"docker"`
	Mixpanel    MixpanelConfig          `yaml:"mixpanel"`
	Permissions map[string]string       `yaml:"permissions"`
	Features    map[string]bool         `yaml:"features"`
	RateLimit   RateLimitConfig         `yaml:"rateLimit"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// HomeserverConfig identifies the Matrix homeserver the manager trusts.
type HomeserverConfig struct {
	Domain        string `yaml:"domain"`
	ClientURL     string `yaml:"clientUrl"`
	FederationURL string `yaml:"federationUrl"`
}

// ServerConfig configures listener and persistence behaviour.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	ProbeTimeout    Duration `yaml:"probeTimeout"`
}

// BridgeConfig is the per-bridge upstream configuration. A bridge with an
// empty secret is disabled.
type BridgeConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// Domain is reported in the mautrix-facebook status payload so the
	// frontend knows whether the bridge targets facebook.com or
	// messenger.com.
	Domain string `yaml:"domain"`
	// ClientID is reported in the mx-puppet-slack status payload for the
	// OAuth link flow.
	ClientID string `yaml:"clientId"`
}

// Enabled reports whether the bridge should be routed to.
func (b BridgeConfig) Enabled() bool {
	return b.Secret != ""
}

// DockerConfig points the admin-only raw proxy at a container API.
type DockerConfig struct {
	Host string `yaml:"host"`
}

// MixpanelConfig enables the analytics passthrough when a token is set.
type MixpanelConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig captures throttling settings applied at the edge.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// MetricsConfig toggles Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Duration is a YAML-friendly wrapper over time.Duration supporting numeric
// millisecond inputs.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// UnmarshalYAML decodes scalar duration values from either Go duration
// strings or millisecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		txt := strings.TrimSpace(value.Value)
		if txt == "" {
			*d = Duration(0)
			return nil
		}
		if ms, err := strconv.Atoi(txt); err == nil {
			if ms < 0 {
				return fmt.Errorf("duration must be non-negative, got %d", ms)
			}
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		parsed, err := time.ParseDuration(txt)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", txt, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration must be non-negative, got %s", parsed)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            defaultHost,
			Port:            defaultPort,
			Database:        defaultDatabase,
			ShutdownTimeout: DurationFrom(defaultShutdownTimeout),
			ProbeTimeout:    DurationFrom(defaultProbeTimeout),
		},
		Bridges:     map[string]BridgeConfig{},
		Permissions: map[string]string{},
		Features:    map[string]bool{},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(defaultRateLimitWindow),
			Max:    defaultRateLimitMax,
		},
		Metrics: MetricsConfig{
			Enabled: defaultMetricsEnabled,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	lookupEnv func(string) (string, bool)
}

// WithPath adds a YAML config path to attempt loading.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function (useful for tests).
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// Load builds a Config from defaults, YAML files, and environment overrides
// (in that order).
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	if envPath := strings.TrimSpace(os.Getenv(defaultConfigEnvVar)); envPath != "" {
		options.paths = append(options.paths, envPath)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()

	for _, path := range options.paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if val, ok := lookup(envHost); ok && strings.TrimSpace(val) != "" {
		cfg.Server.Host = strings.TrimSpace(val)
	}

	if val, ok := lookup(envPort); ok && strings.TrimSpace(val) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envPort, val)
		}
		cfg.Server.Port = port
	}

	if val, ok := lookup(envDatabase); ok && strings.TrimSpace(val) != "" {
		cfg.Server.Database = strings.TrimSpace(val)
	}

	if val, ok := lookup(envShutdownTimeout); ok && strings.TrimSpace(val) != "" {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envShutdownTimeout, err)
		}
		cfg.Server.ShutdownTimeout = DurationFrom(timeout)
	}

	if val, ok := lookup(envHomeserverDomain); ok && strings.TrimSpace(val) != "" {
		cfg.Homeserver.Domain = strings.TrimSpace(val)
	}
	if val, ok := lookup(envHomeserverClientURL); ok && strings.TrimSpace(val) != "" {
		cfg.Homeserver.ClientURL = strings.TrimSpace(val)
	}
	if val, ok := lookup(envHomeserverFederation); ok && strings.TrimSpace(val) != "" {
		cfg.Homeserver.FederationURL = strings.TrimSpace(val)
	}

	if val, ok := lookup(envDockerHost); ok && strings.TrimSpace(val) != "" {
		cfg.Docker.Host = strings.TrimSpace(val)
	}

	if val, ok := lookup(envMixpanelToken); ok && strings.TrimSpace(val) != "" {
		cfg.Mixpanel.Token = strings.TrimSpace(val)
	}

	if val, ok := lookup(envRateLimitWindow); ok && strings.TrimSpace(val) != "" {
		window, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envRateLimitWindow, err)
		}
		cfg.RateLimit.Window = DurationFrom(window)
	}

	if val, ok := lookup(envRateLimitMax); ok && strings.TrimSpace(val) != "" {
		max, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateLimitMax, val)
		}
		cfg.RateLimit.Max = max
	}

	if val, ok := lookup(envMetricsEnabled); ok && strings.TrimSpace(val) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = enabled
	}

	for _, name := range KnownBridges {
		if err := applyBridgeOverrides(cfg, lookup, name); err != nil {
			return fmt.Errorf("%s config: %w", name, err)
		}
	}

	return nil
}

func applyBridgeOverrides(cfg *Config, lookup func(string) (string, bool), name string) error {
	prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

	bridge := cfg.Bridges[name]
	changed := false

	if val, ok := lookup(prefix + envBridgeURLSuffix); ok && strings.TrimSpace(val) != "" {
		bridge.URL = strings.TrimSpace(val)
		changed = true
	}
	if val, ok := lookup(prefix + envBridgeSecretSuffix); ok && strings.TrimSpace(val) != "" {
		bridge.Secret = strings.TrimSpace(val)
		changed = true
	}

	if changed {
		if cfg.Bridges == nil {
			cfg.Bridges = map[string]BridgeConfig{}
		}
		cfg.Bridges[name] = bridge
	}
	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() {
	if strings.TrimSpace(cfg.Server.Host) == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if strings.TrimSpace(cfg.Server.Database) == "" {
		cfg.Server.Database = defaultDatabase
	}
	if cfg.Server.ShutdownTimeout.AsDuration() <= 0 {
		cfg.Server.ShutdownTimeout = DurationFrom(defaultShutdownTimeout)
	}
	if cfg.Server.ProbeTimeout.AsDuration() <= 0 {
		cfg.Server.ProbeTimeout = DurationFrom(defaultProbeTimeout)
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		cfg.RateLimit.Window = DurationFrom(defaultRateLimitWindow)
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = defaultRateLimitMax
	}
	if cfg.Bridges == nil {
		cfg.Bridges = map[string]BridgeConfig{}
	}
	if cfg.Permissions == nil {
		cfg.Permissions = map[string]string{}
	}
	if cfg.Features == nil {
		cfg.Features = map[string]bool{}
	}
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive"))
	}
	if strings.TrimSpace(cfg.Server.Database) == "" {
		errs = append(errs, fmt.Errorf("server.database is required"))
	}
	if strings.TrimSpace(cfg.Homeserver.Domain) == "" {
		errs = append(errs, fmt.Errorf("homeserver.domain is required"))
	}
	if strings.TrimSpace(cfg.Homeserver.FederationURL) == "" {
		errs = append(errs, fmt.Errorf("homeserver.federationUrl is required"))
	} else if _, err := url.ParseRequestURI(cfg.Homeserver.FederationURL); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.federationUrl invalid: %w", err))
	}

	for name, bridge := range cfg.Bridges {
		if !knownBridge(name) {
			errs = append(errs, fmt.Errorf("unknown bridge %q", name))
			continue
		}
		if !bridge.Enabled() {
			continue
		}
		if bridge.URL == "" {
			errs = append(errs, fmt.Errorf("bridge %s requires url when a secret is set", name))
		} else if _, err := url.ParseRequestURI(bridge.URL); err != nil {
			errs = append(errs, fmt.Errorf("bridge %s url invalid: %w", name, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func knownBridge(name string) bool {
	for _, known := range KnownBridges {
		if known == name {
			return true
		}
	}
	return false
}

func parsePositiveDurationMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
