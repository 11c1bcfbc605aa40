// Package config loads migratord's runtime configuration from an optional
// YAML file overlaid with environment variables, per spec.md §6.5. Env vars
// always win over the file, matching how operators actually deploy this:
// a checked-in base file plus per-environment secrets/overrides injected by
// the process supervisor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atmigrate/migrator/pkg/vault"
)

// DeploymentMode distinguishes a standalone deployment (any target host a
// user names) from one bound to a single operator-run target PDS.
type DeploymentMode string

const (
	ModeStandalone DeploymentMode = "standalone"
	ModeBound      DeploymentMode = "bound"
)

// InviteCodeMode controls whether create_migration requires, accepts, or
// hides the invite_code field.
type InviteCodeMode string

const (
	InviteCodeRequired InviteCodeMode = "required"
	InviteCodeOptional InviteCodeMode = "optional"
	InviteCodeHidden   InviteCodeMode = "hidden"
)

// Config is the full set of options spec.md §6.5 recognizes.
type Config struct {
	MasterKeyHex string `yaml:"master_key"`

	MaxConcurrentMigrations int `yaml:"max_concurrent_migrations"`

	DirectoryHost string `yaml:"directory_host"`
	TargetPDSHost string `yaml:"target_pds_host"`

	DeploymentMode DeploymentMode `yaml:"deployment_mode"`
	InviteCodeMode InviteCodeMode `yaml:"invite_code_mode"`

	ConvertLegacyBlobs bool `yaml:"convert_legacy_blobs"`

	DataDir  string `yaml:"data_dir"`
	WorkRoot string `yaml:"work_root"`

	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// SMTP fields are carried for completeness (spec.md §6.5 lists them)
	// even though notification delivery itself is out of scope (spec.md §1).
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
}

// Default returns a Config with the same defaults the teacher's cobra flags
// used for local development.
func Default() Config {
	return Config{
		MaxConcurrentMigrations: 15,
		DirectoryHost:           "https://plc.directory",
		DeploymentMode:          ModeStandalone,
		InviteCodeMode:          InviteCodeOptional,
		DataDir:                 "./migrator-data",
		WorkRoot:                "./migrator-work",
		APIAddr:                 "127.0.0.1:8080",
		MetricsAddr:             "127.0.0.1:9090",
		LogLevel:                "info",
	}
}

// Load reads an optional YAML file at path (skipped if path is empty or the
// file does not exist), then overlays environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("MASTER_KEY"); v != "" {
		cfg.MasterKeyHex = v
	}
	if v := os.Getenv("MAX_CONCURRENT_MIGRATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentMigrations = n
		}
	}
	if v := os.Getenv("DIRECTORY_HOST"); v != "" {
		cfg.DirectoryHost = v
	}
	if v := os.Getenv("TARGET_PDS_HOST"); v != "" {
		cfg.TargetPDSHost = v
	}
	if v := os.Getenv("DEPLOYMENT_MODE"); v != "" {
		cfg.DeploymentMode = DeploymentMode(strings.ToLower(v))
	}
	if v := os.Getenv("INVITE_CODE_MODE"); v != "" {
		cfg.InviteCodeMode = InviteCodeMode(strings.ToLower(v))
	}
	if v := os.Getenv("CONVERT_LEGACY_BLOBS"); v != "" {
		cfg.ConvertLegacyBlobs = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WORK_ROOT"); v != "" {
		cfg.WorkRoot = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LogJSON = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTPUser = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTPPass = v
	}
}

// Validate enforces the invariants the rest of the daemon assumes hold.
func (c Config) Validate() error {
	if c.DeploymentMode != ModeStandalone && c.DeploymentMode != ModeBound {
		return fmt.Errorf("config: DEPLOYMENT_MODE must be %q or %q, got %q", ModeStandalone, ModeBound, c.DeploymentMode)
	}
	if c.DeploymentMode == ModeBound && c.TargetPDSHost == "" {
		return fmt.Errorf("config: TARGET_PDS_HOST is required when DEPLOYMENT_MODE=bound")
	}
	switch c.InviteCodeMode {
	case InviteCodeRequired, InviteCodeOptional, InviteCodeHidden:
	default:
		return fmt.Errorf("config: INVITE_CODE_MODE must be required, optional, or hidden, got %q", c.InviteCodeMode)
	}
	if c.MaxConcurrentMigrations <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT_MIGRATIONS must be positive")
	}
	return nil
}

// BuildVault constructs the Secret Vault from MasterKeyHex, or a
// deterministic development vault if it is empty — callers must gate the
// latter on non-production deployment themselves (this function does not
// know what environment it's running in).
func (c Config) BuildVault() (*vault.Vault, error) {
	if c.MasterKeyHex == "" {
		return vault.NewDevelopment(), nil
	}
	return vault.NewFromHex(c.MasterKeyHex)
}
