// Package config loads settings from an optional YAML file overlaid by environment
// variables. Command-line flags are applied by each binary on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duoclean.org/internal/duo"
)

var ErrMissingCredentials = errors.New("config: missing admin API credentials")

// Duration accepts Go duration strings such as "800ms" or "1m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type DuoSection struct {
	IntegrationKey string   `yaml:"integration_key"`
	SecretKey      string   `yaml:"secret_key"`
	Host           string   `yaml:"host"`
	RateLimit      Duration `yaml:"rate_limit"`
	Timeout        Duration `yaml:"timeout"`
}

type CleanupSection struct {
	Pattern    string `yaml:"pattern"`
	PageSize   int    `yaml:"page_size"`
	BatchSize  int    `yaml:"batch_size"`
	UseBulk    bool   `yaml:"use_bulk"`
	BackupDir  string `yaml:"backup_dir"`
	ResultsDir string `yaml:"results_dir"`
}

type StoreSection struct {
	DSN string `yaml:"dsn"`
}

type HTTPSection struct {
	Addr            string   `yaml:"addr"`
	AuthSecret      string   `yaml:"auth_secret"`
	TokenTTL        Duration `yaml:"token_ttl"`
	RequestsPerSec  float64  `yaml:"requests_per_sec"`
	Burst           int      `yaml:"burst"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type Config struct {
	Duo     DuoSection     `yaml:"duo"`
	Cleanup CleanupSection `yaml:"cleanup"`
	Store   StoreSection   `yaml:"store"`
	HTTP    HTTPSection    `yaml:"http"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Duo: DuoSection{
			RateLimit: Duration{duo.DefaultInterval},
			Timeout:   Duration{30 * time.Second},
		},
		Cleanup: CleanupSection{
			PageSize:   duo.DefaultPageSize,
			BatchSize:  duo.MaxBatch,
			BackupDir:  "backups",
			ResultsDir: "logs",
		},
		HTTP: HTTPSection{
			Addr:            ":8080",
			TokenTTL:        Duration{8 * time.Hour},
			RequestsPerSec:  5,
			Burst:           10,
			ShutdownTimeout: Duration{10 * time.Second},
		},
	}
}

// Load reads path (skipped when empty) over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Duo.IntegrationKey, "DUO_IKEY")
	setString(&cfg.Duo.SecretKey, "DUO_SKEY")
	setString(&cfg.Duo.Host, "DUO_HOST")
	setString(&cfg.Store.DSN, "DUOCLEAN_PG_DSN")
	setString(&cfg.HTTP.AuthSecret, "DUOCLEAN_AUTH_SECRET")
	setString(&cfg.HTTP.Addr, "DUOCLEAN_ADDR")
	setString(&cfg.Cleanup.Pattern, "DUOCLEAN_PATTERN")
	setString(&cfg.Cleanup.BackupDir, "DUOCLEAN_BACKUP_DIR")
	setString(&cfg.Cleanup.ResultsDir, "DUOCLEAN_RESULTS_DIR")

	if ms := strings.TrimSpace(os.Getenv("DUOCLEAN_RATE_LIMIT_MS")); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: invalid DUOCLEAN_RATE_LIMIT_MS %q", ms)
		}
		cfg.Duo.RateLimit = Duration{time.Duration(n) * time.Millisecond}
	}
	if bulk := strings.TrimSpace(os.Getenv("DUOCLEAN_USE_BULK")); bulk != "" {
		b, err := strconv.ParseBool(bulk)
		if err != nil {
			return fmt.Errorf("config: invalid DUOCLEAN_USE_BULK %q: %w", bulk, err)
		}
		cfg.Cleanup.UseBulk = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate reports missing credentials and out of range settings.
func (c Config) Validate() error {
	var missing []string
	if c.Duo.IntegrationKey == "" {
		missing = append(missing, "DUO_IKEY")
	}
	if c.Duo.SecretKey == "" {
		missing = append(missing, "DUO_SKEY")
	}
	if c.Duo.Host == "" {
		missing = append(missing, "DUO_HOST")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if c.Duo.RateLimit.Duration <= 0 {
		return errors.New("config: duo.rate_limit must be positive")
	}
	if c.Cleanup.BatchSize < 1 || c.Cleanup.BatchSize > duo.MaxBatch {
		return fmt.Errorf("config: cleanup.batch_size must be between 1 and %d", duo.MaxBatch)
	}
	if c.Cleanup.PageSize < 1 || c.Cleanup.PageSize > duo.MaxPageSize {
		return fmt.Errorf("config: cleanup.page_size must be between 1 and %d", duo.MaxPageSize)
	}
	return nil
}

func (c Config) Credential() duo.Credential {
	return duo.Credential{
		IntegrationKey: c.Duo.IntegrationKey,
		SecretKey:      c.Duo.SecretKey,
		Host:           c.Duo.Host,
	}
}
