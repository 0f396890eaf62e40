package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the settlement service.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"env"`
	Log           LogConfig        `yaml:"log"`
	Database      DatabaseConfig   `yaml:"database"`
	DecryptKey    DecryptKeyConfig `yaml:"decrypt_key"`
	Replay        ReplayConfig     `yaml:"replay"`
	Chain         ChainConfig      `yaml:"chain"`
	Settlement    SettlementConfig `yaml:"settlement"`
	HTTP          HTTPConfig       `yaml:"http"`
	Recon         ReconConfig      `yaml:"recon"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
}

// LogConfig controls the optional rotated file sink.
type LogConfig struct {
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DatabaseConfig points at the ledger database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// DecryptKeyConfig locates the RSA key payloads are decrypted with.
type DecryptKeyConfig struct {
	Path string `yaml:"path"`
}

// ReplayConfig tunes the replay window.
type ReplayConfig struct {
	TTL       Duration `yaml:"ttl"`
	Capacity  int      `yaml:"capacity"`
	StorePath string   `yaml:"store_path"`
}

// ChainConfig describes the reward contract and signer.
type ChainConfig struct {
	ChainID       uint64   `yaml:"chain_id"`
	Contract      string   `yaml:"contract"`
	GasLimit      uint64   `yaml:"gas_limit"`
	Confirmations uint64   `yaml:"confirmations"`
	Endpoints     []string `yaml:"endpoints"`
	KeystorePath  string   `yaml:"keystore"`
	PassphraseEnv string   `yaml:"passphrase_env"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	RetryCap      uint32   `yaml:"retry_cap"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffCap    Duration `yaml:"backoff_cap"`
	PollInterval  Duration `yaml:"poll_interval"`
	PollTimeout   Duration `yaml:"poll_timeout"`
	Workers       int      `yaml:"workers"`
	QueueCapacity int      `yaml:"queue_capacity"`
}

// HTTPConfig tunes the public facade.
type HTTPConfig struct {
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
	JWTSecret          string `yaml:"jwt_secret"`
	JWTSecretEnv       string `yaml:"jwt_secret_env"`
	LeaderboardLimit   int    `yaml:"leaderboard_limit"`
}

// ReconConfig schedules the nightly reconciliation job.
type ReconConfig struct {
	Enabled    bool     `yaml:"enabled"`
	OutputDir  string   `yaml:"output_dir"`
	RunHour    int      `yaml:"run_hour"`
	RunMinute  int      `yaml:"run_minute"`
	Timezone   string   `yaml:"timezone"`
	Window     Duration `yaml:"window"`
	StaleAfter Duration `yaml:"stale_after"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.HTTP.normalise(); err != nil {
		return cfg, fmt.Errorf("http config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Replay.TTL.Duration == 0 {
		cfg.Replay.TTL.Duration = 30 * time.Minute
	}
	if cfg.Replay.Capacity <= 0 {
		cfg.Replay.Capacity = 262_144
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 150_000
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 3
	}
	if cfg.Settlement.RetryCap == 0 {
		cfg.Settlement.RetryCap = 5
	}
	if cfg.Settlement.BackoffBase.Duration == 0 {
		cfg.Settlement.BackoffBase.Duration = 2 * time.Second
	}
	if cfg.Settlement.BackoffCap.Duration == 0 {
		cfg.Settlement.BackoffCap.Duration = 2 * time.Minute
	}
	if cfg.Settlement.PollInterval.Duration == 0 {
		cfg.Settlement.PollInterval.Duration = 6 * time.Second
	}
	if cfg.Settlement.PollTimeout.Duration == 0 {
		cfg.Settlement.PollTimeout.Duration = 3 * time.Minute
	}
	if cfg.Settlement.Workers <= 0 {
		cfg.Settlement.Workers = 2
	}
	if cfg.Settlement.QueueCapacity <= 0 {
		cfg.Settlement.QueueCapacity = 4096
	}
	if cfg.HTTP.RateLimitPerMinute <= 0 {
		cfg.HTTP.RateLimitPerMinute = 30
	}
	if cfg.HTTP.RateLimitBurst <= 0 {
		cfg.HTTP.RateLimitBurst = 5
	}
	if cfg.HTTP.LeaderboardLimit <= 0 {
		cfg.HTTP.LeaderboardLimit = 25
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon-reports"
	}
	if cfg.Recon.Timezone == "" {
		cfg.Recon.Timezone = "UTC"
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
	if cfg.Recon.StaleAfter.Duration == 0 {
		cfg.Recon.StaleAfter.Duration = time.Hour
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.DecryptKey.Path) == "" {
		return fmt.Errorf("decrypt key path must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain id must be configured")
	}
	if strings.TrimSpace(cfg.Chain.Contract) == "" {
		return fmt.Errorf("reward contract must be configured")
	}
	if len(cfg.Chain.Endpoints) == 0 {
		return fmt.Errorf("at least one chain endpoint must be configured")
	}
	for _, endpoint := range cfg.Chain.Endpoints {
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("chain endpoints must not be empty")
		}
	}
	if strings.TrimSpace(cfg.Chain.KeystorePath) == "" {
		return fmt.Errorf("signer keystore must be configured")
	}
	if cfg.HTTP.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be configured")
	}
	return nil
}

func (h *HTTPConfig) normalise() error {
	if h == nil {
		return fmt.Errorf("http configuration missing")
	}
	h.JWTSecret = strings.TrimSpace(h.JWTSecret)
	h.JWTSecretEnv = strings.TrimSpace(h.JWTSecretEnv)
	if h.JWTSecret != "" {
		return nil
	}
	if h.JWTSecretEnv != "" {
		value := strings.TrimSpace(os.Getenv(h.JWTSecretEnv))
		if value == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", h.JWTSecretEnv)
		}
		h.JWTSecret = value
	}
	return nil
}
