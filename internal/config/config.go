// Package config manages the freelan daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete freelan daemon configuration.
type Config struct {
	Admin    AdminConfig     `koanf:"admin"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Identity IdentityConfig  `koanf:"identity"`
	Tap      TapConfig       `koanf:"tap"`
	Timers   TimersConfig    `koanf:"timers"`
	Contacts []ContactConfig `koanf:"contacts"`
	Banned   []string        `koanf:"banned_networks"`
	Routes   []RouteConfig   `koanf:"routes"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	// Addr is the admin API listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// IdentityConfig locates the local certificate/key and CA material.
type IdentityConfig struct {
	// CertPath is the PEM-encoded local certificate.
	CertPath string `koanf:"cert_path"`
	// KeyPath is the PKCS#8 private key matching CertPath.
	KeyPath string `koanf:"key_path"`
	// CABundlePath is the PEM bundle of trusted CA certificates.
	CABundlePath string `koanf:"ca_bundle_path"`
	// CRLPaths lists PEM-encoded certificate revocation lists.
	CRLPaths []string `koanf:"crl_paths"`
	// RevocationPolicy selects the CRL check applied to peer certificates:
	// "none" (no check), "warn" (identity.RevocationLast) or "strict"
	// (identity.RevocationAll). A CRL file that cannot be read stops
	// startup under every policy.
	RevocationPolicy string `koanf:"revocation_policy"`
}

// TapConfig describes the local network adapter.
type TapConfig struct {
	// Name is the requested interface name; empty lets the kernel choose.
	Name string `koanf:"name"`
	// Mode is "tap" (layer 2) or "tun" (layer 3).
	Mode string `koanf:"mode"`
	// Address is the adapter's own address, in CIDR form.
	Address string `koanf:"address"`
	// MTU is the interface MTU; zero means use the kernel default.
	MTU int `koanf:"mtu"`
	// Group is parsed but not applied: the adapter's switch/router port
	// is always registered in group 0.
	Group int `koanf:"group"`
}

// TimersConfig holds overrides for FSCP's protocol timers.
type TimersConfig struct {
	HelloTimeout         time.Duration `koanf:"hello_timeout"`
	ContactPeriod        time.Duration `koanf:"contact_period"`
	DynamicContactPeriod time.Duration `koanf:"dynamic_contact_period"`
}

// ContactConfig describes one statically configured peer endpoint.
type ContactConfig struct {
	// Endpoint is a "host:port" string; Host may be a literal IP or a
	// hostname resolved periodically (§4.4a).
	Endpoint string `koanf:"endpoint"`
	// Group is the switch/router port group assigned to this peer.
	Group int `koanf:"group"`
}

// RouteConfig describes a locally configured route advertised to peers
// (TUN mode).
type RouteConfig struct {
	Network string `koanf:"network"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tap: TapConfig{
			Mode: "tap",
			MTU:  1500,
		},
		Timers: TimersConfig{
			HelloTimeout:         3 * time.Second,
			ContactPeriod:        30 * time.Second,
			DynamicContactPeriod: 45 * time.Second,
		},
		Identity: IdentityConfig{
			RevocationPolicy: "warn",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for freelan configuration.
// Variables are named FREELAN_<section>_<key>, e.g., FREELAN_ADMIN_ADDR.
const envPrefix = "FREELAN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FREELAN_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FREELAN_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                     defaults.Admin.Addr,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"tap.mode":                       defaults.Tap.Mode,
		"tap.mtu":                        defaults.Tap.MTU,
		"timers.hello_timeout":           defaults.Timers.HelloTimeout.String(),
		"timers.contact_period":          defaults.Timers.ContactPeriod.String(),
		"timers.dynamic_contact_period":  defaults.Timers.DynamicContactPeriod.String(),
		"identity.revocation_policy":     defaults.Identity.RevocationPolicy,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyAdminAddr      = errors.New("admin.addr must not be empty")
	ErrInvalidTapMode      = errors.New("tap.mode must be tap or tun")
	ErrMissingIdentity     = errors.New("identity.cert_path and identity.key_path must be set")
	ErrInvalidRevocation   = errors.New("identity.revocation_policy must be none, warn, or strict")
	ErrInvalidBannedNet    = errors.New("banned_networks entry is not a valid CIDR")
	ErrInvalidRoute        = errors.New("routes entry is not a valid CIDR")
	ErrInvalidContact      = errors.New("contacts entry has an invalid endpoint")
	ErrDuplicateContactKey = errors.New("duplicate contact endpoint")
)

// ValidTapModes lists the recognized adapter mode strings.
var ValidTapModes = map[string]bool{
	"tap": true,
	"tun": true,
}

// ValidRevocationPolicies lists the recognized revocation policy strings.
var ValidRevocationPolicies = map[string]bool{
	"none":   true,
	"warn":   true,
	"strict": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if !ValidTapModes[cfg.Tap.Mode] {
		return ErrInvalidTapMode
	}

	if cfg.Identity.CertPath == "" || cfg.Identity.KeyPath == "" {
		return ErrMissingIdentity
	}

	if !ValidRevocationPolicies[cfg.Identity.RevocationPolicy] {
		return ErrInvalidRevocation
	}

	for _, cidr := range cfg.Banned {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidBannedNet, cidr, err)
		}
	}

	for i, rt := range cfg.Routes {
		if _, err := netip.ParsePrefix(rt.Network); err != nil {
			return fmt.Errorf("routes[%d]: %w: %q: %w", i, ErrInvalidRoute, rt.Network, err)
		}
	}

	if err := validateContacts(cfg.Contacts); err != nil {
		return err
	}

	return nil
}

// validateContacts checks each statically configured contact entry.
func validateContacts(contacts []ContactConfig) error {
	seen := make(map[string]struct{}, len(contacts))

	for i, c := range contacts {
		if c.Endpoint == "" || !strings.Contains(c.Endpoint, ":") {
			return fmt.Errorf("contacts[%d]: %w: %q", i, ErrInvalidContact, c.Endpoint)
		}
		if _, dup := seen[c.Endpoint]; dup {
			return fmt.Errorf("contacts[%d]: %w: %q", i, ErrDuplicateContactKey, c.Endpoint)
		}
		seen[c.Endpoint] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
