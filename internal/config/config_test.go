package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/config"
)

// writeConfig writes a temporary YAML config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gobusd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
listen:
  path: /tmp/test-bus.sock
log:
  level: debug
quota:
  limits:
    matches: 64
  users:
    - uid: 42
      limits:
        matches: 8
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Path != "/tmp/test-bus.sock" {
		t.Errorf("listen.path = %q", cfg.Listen.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	// Unset fields inherit defaults.
	if cfg.Admin.Addr != ":7667" {
		t.Errorf("admin.addr = %q, want default", cfg.Admin.Addr)
	}
	if cfg.Quota.Limits.Matches != 64 {
		t.Errorf("quota.limits.matches = %d", cfg.Quota.Limits.Matches)
	}
	if cfg.Quota.Limits.Bytes == 0 {
		t.Error("quota.limits.bytes lost its default")
	}

	def, overrides := cfg.Quota.AccountingLimits()
	if def[accounting.SlotMatches] != 64 {
		t.Errorf("default matches limit = %d, want 64", def[accounting.SlotMatches])
	}
	o, ok := overrides[42]
	if !ok || o[accounting.SlotMatches] != 8 {
		t.Errorf("uid 42 override = %v", o)
	}
	// The override inherits the configured default for unset slots.
	if o[accounting.SlotBytes] != def[accounting.SlotBytes] {
		t.Error("override did not inherit default bytes limit")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GOBUSD_LOG_LEVEL", "warn")

	cfg, err := config.Load(writeConfig(t, "log:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("env override lost: log.level = %q", cfg.Log.Level)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty listen path",
			mutate:  func(c *config.Config) { c.Listen.Path = "" },
			wantErr: config.ErrEmptyListenPath,
		},
		{
			name:    "empty admin addr",
			mutate:  func(c *config.Config) { c.Admin.Addr = "" },
			wantErr: config.ErrEmptyAdminAddr,
		},
		{
			name:    "zero quota",
			mutate:  func(c *config.Config) { c.Quota.Limits.Matches = 0 },
			wantErr: config.ErrZeroQuota,
		},
		{
			name: "duplicate quota uid",
			mutate: func(c *config.Config) {
				c.Quota.Users = []config.UserQuotaConfig{{UID: 7}, {UID: 7}}
			},
			wantErr: config.ErrDuplicateQuotaUID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := config.Validate(cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyRuleset(t *testing.T) {
	t.Parallel()

	pc := config.PolicyConfig{
		ConnectDefault: true,
		OwnDefault:     false,
		SendDefault:    true,
		ReceiveDefault: true,
		Own: []config.OwnRuleConfig{
			{Allow: true, UID: -1, Name: "com.example", Prefix: true},
			{Allow: true, UID: 42, Name: "com.example.Admin"},
		},
	}

	rs := pc.Ruleset()
	if rs.OwnDefault {
		t.Error("own default not carried over")
	}
	if len(rs.Own) != 2 {
		t.Fatalf("own rules = %d, want 2", len(rs.Own))
	}
	if rs.Own[0].Scope != 0 || !rs.Own[0].Prefix {
		t.Errorf("unscoped rule = %+v", rs.Own[0])
	}
	if rs.Own[1].ID != 42 {
		t.Errorf("uid-scoped rule = %+v", rs.Own[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
