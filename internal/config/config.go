package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Google      GoogleConfig      `yaml:"google"`
	Gmail       GmailConfig       `yaml:"gmail"`
	Bedrock     BedrockConfig     `yaml:"bedrock"`
	Detection   DetectionConfig   `yaml:"detection"`
	Scan        ScanConfig        `yaml:"scan"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
	Reminders   RemindersConfig   `yaml:"reminders"`
	Workers     WorkersConfig     `yaml:"workers"`
	Vault       VaultConfig       `yaml:"vault"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// RedisConfig holds Redis settings for the classifier throttle
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GoogleConfig holds the OAuth client used to refresh Gmail tokens
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// GmailConfig holds mail source adapter settings
type GmailConfig struct {
	BaseURL        string `yaml:"base_url"`
	SearchQuery    string `yaml:"search_query"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BedrockConfig holds the semantic classifier backend settings
type BedrockConfig struct {
	Region         string  `yaml:"region"`
	ModelID        string  `yaml:"model_id"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	// Client-side throttle, shared across all scan sessions via Redis.
	RatePerSecond int `yaml:"rate_per_second"`
	RatePerMinute int `yaml:"rate_per_minute"`
	DailyLimit    int `yaml:"daily_limit"`
}

// DetectionConfig holds extraction and merge policy knobs. These are policy
// parameters, not constants: tune against real mailboxes before trusting them.
type DetectionConfig struct {
	RuleConfidenceThreshold float64 `yaml:"rule_confidence_threshold"`
	CreationThreshold       float64 `yaml:"creation_threshold"`
	PriceTolerancePct       float64 `yaml:"price_tolerance_pct"`
}

// ScanConfig holds scan orchestrator settings
type ScanConfig struct {
	MaxFetchRetries    int `yaml:"max_fetch_retries"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	BackoffMaxMs       int `yaml:"backoff_max_ms"`
	DefaultWindowYears int `yaml:"default_window_years"`
}

// UnsubscribeConfig holds cancellation workflow settings
type UnsubscribeConfig struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	ConfirmationWindowDays int `yaml:"confirmation_window_days"`
}

// RemindersConfig holds renewal reminder settings
type RemindersConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LeadDays  int    `yaml:"lead_days"`
	FromEmail string `yaml:"from_email"`
	SESRegion string `yaml:"ses_region"`
}

// WorkersConfig holds background worker pool settings
type WorkersConfig struct {
	ScanWorkers         int `yaml:"scan_workers"`
	ActionWorkers       int `yaml:"action_workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// VaultConfig holds credential vault settings. The encryption key protects
// stored refresh tokens and must be 32 bytes, hex-encoded.
type VaultConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Secrets stay out of the file as ${VAR} references.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		// Config file is optional when everything comes from the env.
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("VAULT_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.EncryptionKey = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Bedrock.ModelID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Bedrock.Region = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Gmail.BaseURL == "" {
		cfg.Gmail.BaseURL = "https://gmail.googleapis.com"
	}
	if cfg.Gmail.SearchQuery == "" {
		cfg.Gmail.SearchQuery = "subscription OR receipt OR invoice OR renewal OR billing"
	}
	if cfg.Gmail.PageSize == 0 {
		cfg.Gmail.PageSize = 100
	}
	if cfg.Gmail.TimeoutSeconds == 0 {
		cfg.Gmail.TimeoutSeconds = 30
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Bedrock.MaxTokens == 0 {
		cfg.Bedrock.MaxTokens = 1024
	}
	if cfg.Bedrock.TimeoutSeconds == 0 {
		cfg.Bedrock.TimeoutSeconds = 45
	}
	if cfg.Bedrock.RatePerSecond == 0 {
		cfg.Bedrock.RatePerSecond = 5
	}
	if cfg.Bedrock.RatePerMinute == 0 {
		cfg.Bedrock.RatePerMinute = 120
	}
	if cfg.Bedrock.DailyLimit == 0 {
		cfg.Bedrock.DailyLimit = 50000
	}
	if cfg.Detection.RuleConfidenceThreshold == 0 {
		cfg.Detection.RuleConfidenceThreshold = 0.7
	}
	if cfg.Detection.CreationThreshold == 0 {
		cfg.Detection.CreationThreshold = 0.5
	}
	if cfg.Detection.PriceTolerancePct == 0 {
		cfg.Detection.PriceTolerancePct = 10
	}
	if cfg.Scan.MaxFetchRetries == 0 {
		cfg.Scan.MaxFetchRetries = 5
	}
	if cfg.Scan.BackoffBaseMs == 0 {
		cfg.Scan.BackoffBaseMs = 500
	}
	if cfg.Scan.BackoffMaxMs == 0 {
		cfg.Scan.BackoffMaxMs = 60000
	}
	if cfg.Scan.DefaultWindowYears == 0 {
		cfg.Scan.DefaultWindowYears = 3
	}
	if cfg.Unsubscribe.TimeoutSeconds == 0 {
		cfg.Unsubscribe.TimeoutSeconds = 30
	}
	if cfg.Unsubscribe.ConfirmationWindowDays == 0 {
		cfg.Unsubscribe.ConfirmationWindowDays = 7
	}
	if cfg.Reminders.LeadDays == 0 {
		cfg.Reminders.LeadDays = 3
	}
	if cfg.Reminders.SESRegion == "" {
		cfg.Reminders.SESRegion = "us-east-1"
	}
	if cfg.Workers.ScanWorkers == 0 {
		cfg.Workers.ScanWorkers = 4
	}
	if cfg.Workers.ActionWorkers == 0 {
		cfg.Workers.ActionWorkers = 2
	}
	if cfg.Workers.PollIntervalSeconds == 0 {
		cfg.Workers.PollIntervalSeconds = 10
	}
}

// GmailTimeout returns the mail fetch timeout as a duration.
func (cfg *Config) GmailTimeout() time.Duration {
	return time.Duration(cfg.Gmail.TimeoutSeconds) * time.Second
}

// BedrockTimeout returns the classification call timeout as a duration.
func (cfg *Config) BedrockTimeout() time.Duration {
	return time.Duration(cfg.Bedrock.TimeoutSeconds) * time.Second
}

// ConfirmationWindow returns the unsubscribe monitoring window as a duration.
func (cfg *Config) ConfirmationWindow() time.Duration {
	return time.Duration(cfg.Unsubscribe.ConfirmationWindowDays) * 24 * time.Hour
}
