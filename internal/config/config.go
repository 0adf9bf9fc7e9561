// Package config manages gobusd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/policy"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobusd configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Quota   QuotaConfig   `koanf:"quota"`
	Policy  PolicyConfig  `koanf:"policy"`
}

// ListenConfig holds the bus socket configuration.
type ListenConfig struct {
	// Path is the AF_UNIX socket path clients connect to.
	Path string `koanf:"path"`
}

// AdminConfig holds the ConnectRPC admin server configuration.
type AdminConfig struct {
	// Addr is the admin listen address (e.g., ":7667").
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

// QuotaConfig holds the default per-user resource ceilings, with
// optional per-UID overrides.
type QuotaConfig struct {
	Limits LimitsConfig `koanf:"limits"`

	// Users overrides limits for specific UIDs, reconciled on startup
	// and SIGHUP reload.
	Users []UserQuotaConfig `koanf:"users"`
}

// LimitsConfig is one set of per-slot ceilings. Zero-valued fields
// inherit the defaults they are layered over.
type LimitsConfig struct {
	Bytes   uint64 `koanf:"bytes"`
	FDs     uint64 `koanf:"fds"`
	Matches uint64 `koanf:"matches"`
	Objects uint64 `koanf:"objects"`
	Names   uint64 `koanf:"names"`
	Replies uint64 `koanf:"replies"`
}

// UserQuotaConfig overrides the default limits for one UID.
type UserQuotaConfig struct {
	UID    uint32       `koanf:"uid"`
	Limits LimitsConfig `koanf:"limits"`
}

// PolicyConfig declares the access-control ruleset. Rule evaluation is
// ordered, last match wins; see internal/policy.
type PolicyConfig struct {
	ConnectDefault bool `koanf:"connect_default"`
	OwnDefault     bool `koanf:"own_default"`
	SendDefault    bool `koanf:"send_default"`
	ReceiveDefault bool `koanf:"receive_default"`

	Own []OwnRuleConfig `koanf:"own"`
}

// OwnRuleConfig is one name-ownership rule. A negative UID applies the
// rule to every connection.
type OwnRuleConfig struct {
	Allow  bool   `koanf:"allow"`
	UID    int64  `koanf:"uid"`
	Name   string `koanf:"name"`
	Prefix bool   `koanf:"prefix"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: a
// session-bus-style socket, permissive policy, and the stock per-user
// quotas.
func DefaultConfig() *Config {
	def := accounting.DefaultLimits()
	return &Config{
		Listen: ListenConfig{
			Path: "/run/gobusd/bus.sock",
		},
		Admin: AdminConfig{
			Addr: ":7667",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Quota: QuotaConfig{
			Limits: LimitsConfig{
				Bytes:   def[accounting.SlotBytes],
				FDs:     def[accounting.SlotFDs],
				Matches: def[accounting.SlotMatches],
				Objects: def[accounting.SlotObjects],
				Names:   def[accounting.SlotNames],
				Replies: def[accounting.SlotReplies],
			},
		},
		Policy: PolicyConfig{
			ConnectDefault: true,
			OwnDefault:     true,
			SendDefault:    true,
			ReceiveDefault: true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gobusd configuration.
// Variables are named GOBUSD_<section>_<key>, e.g., GOBUSD_LISTEN_PATH.
const envPrefix = "GOBUSD_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOBUSD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOBUSD_LISTEN_PATH   -> listen.path
//	GOBUSD_ADMIN_ADDR    -> admin.addr
//	GOBUSD_METRICS_ADDR  -> metrics.addr
//	GOBUSD_METRICS_PATH  -> metrics.path
//	GOBUSD_LOG_LEVEL     -> log.level
//	GOBUSD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOBUSD_LISTEN_PATH -> listen.path (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := defaults
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBUSD_LISTEN_PATH -> listen.path.
// Strips the GOBUSD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.path":          defaults.Listen.Path,
		"admin.addr":           defaults.Admin.Addr,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"quota.limits.bytes":   defaults.Quota.Limits.Bytes,
		"quota.limits.fds":     defaults.Quota.Limits.FDs,
		"quota.limits.matches": defaults.Quota.Limits.Matches,
		"quota.limits.objects": defaults.Quota.Limits.Objects,
		"quota.limits.names":   defaults.Quota.Limits.Names,
		"quota.limits.replies": defaults.Quota.Limits.Replies,
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
	// ErrEmptyListenPath indicates the bus socket path is empty.
	ErrEmptyListenPath = errors.New("listen.path must not be empty")

	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrZeroQuota indicates a default quota ceiling of zero, which
	// would admit no traffic at all.
	ErrZeroQuota = errors.New("quota.limits values must be >= 1")

	// ErrDuplicateQuotaUID indicates two quota overrides for one UID.
	ErrDuplicateQuotaUID = errors.New("duplicate quota override uid")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Path == "" {
		return ErrEmptyListenPath
	}

	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	l := cfg.Quota.Limits
	if l.Bytes == 0 || l.Matches == 0 || l.Objects == 0 || l.Names == 0 || l.Replies == 0 {
		return ErrZeroQuota
	}

	seen := make(map[uint32]struct{}, len(cfg.Quota.Users))
	for i, u := range cfg.Quota.Users {
		if _, dup := seen[u.UID]; dup {
			return fmt.Errorf("quota.users[%d] uid %d: %w", i, u.UID, ErrDuplicateQuotaUID)
		}
		seen[u.UID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Conversions
// -------------------------------------------------------------------------

// Limits converts one LimitsConfig into accounting limits, inheriting
// base for zero-valued fields.
func (lc LimitsConfig) Limits(base accounting.Limits) accounting.Limits {
	out := base
	set := func(slot accounting.SlotKind, v uint64) {
		if v != 0 {
			out[slot] = v
		}
	}
	set(accounting.SlotBytes, lc.Bytes)
	set(accounting.SlotFDs, lc.FDs)
	set(accounting.SlotMatches, lc.Matches)
	set(accounting.SlotObjects, lc.Objects)
	set(accounting.SlotNames, lc.Names)
	set(accounting.SlotReplies, lc.Replies)
	return out
}

// AccountingLimits returns the configured default limits and the per-UID
// override map, ready for the bus's user registry.
func (qc QuotaConfig) AccountingLimits() (accounting.Limits, map[uint32]accounting.Limits) {
	def := qc.Limits.Limits(accounting.DefaultLimits())
	overrides := make(map[uint32]accounting.Limits, len(qc.Users))
	for _, u := range qc.Users {
		overrides[u.UID] = u.Limits.Limits(def)
	}
	return def, overrides
}

// Ruleset converts the declared policy into the engine's ruleset.
func (pc PolicyConfig) Ruleset() policy.Ruleset {
	rs := policy.Ruleset{
		ConnectDefault: pc.ConnectDefault,
		OwnDefault:     pc.OwnDefault,
		SendDefault:    pc.SendDefault,
		ReceiveDefault: pc.ReceiveDefault,
	}
	for _, r := range pc.Own {
		rule := policy.OwnRule{
			Allow:  r.Allow,
			Name:   r.Name,
			Prefix: r.Prefix,
		}
		if r.UID >= 0 {
			rule.Scope = policy.ScopeUID
			rule.ID = uint32(r.UID)
		}
		rs.Own = append(rs.Own, rule)
	}
	return rs
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
