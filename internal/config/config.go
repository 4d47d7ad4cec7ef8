package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

const Version = "0.1.0"

const (
	DefaultRPCURL          = "https://api.mainnet-beta.solana.com"
	DefaultTokenMint       = "CsZmZ4fz9bBjGRcu3Ram4tmLRMmKS6GPWqz4ZVxsxpNX"
	DefaultRecipientWallet = "Dt4ansTyBp3ygaDnK1UeR1YVPtyLm5VDqnisqvDR5LM7"
	DefaultJobsBaseURL     = "https://api.summarization.service"
)

type Config struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
	PIDFile  string `toml:"pid_file"`

	Telegram      TelegramConfig      `toml:"telegram"`
	Solana        SolanaConfig        `toml:"solana"`
	Jobs          JobsConfig          `toml:"jobs"`
	TTS           TTSConfig           `toml:"tts"`
	Members       MembersConfig       `toml:"members"`
	Notifications NotificationsConfig `toml:"notifications"`
	Ops           OpsConfig           `toml:"ops"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type TelegramConfig struct {
	Token       string `toml:"token"`
	PollTimeout int    `toml:"poll_timeout"` // long-poll seconds
	Debug       bool   `toml:"debug"`
}

type SolanaConfig struct {
	RPCURL          string `toml:"rpc_url"`
	TokenMint       string `toml:"token_mint"`
	TokenSymbol     string `toml:"token_symbol"`
	RecipientWallet string `toml:"recipient_wallet"`
	TextCost        int64  `toml:"text_cost"`
	AudioCost       int64  `toml:"audio_cost"`
	TxTimeout       string `toml:"tx_timeout"`
	SNSResolverURL  string `toml:"sns_resolver_url"`
}

type JobsConfig struct {
	BaseURL      string `toml:"base_url"`
	APIKey       string `toml:"api_key"`
	PollInterval string `toml:"poll_interval"`
	MaxAttempts  int    `toml:"max_attempts"`
	GracePeriod  string `toml:"grace_period"`
	MaxPollers   int    `toml:"max_pollers"`
	EditWindow   string `toml:"edit_window"`
}

type TTSConfig struct {
	BaseURL  string `toml:"base_url"`
	Language string `toml:"language"`
	TempDir  string `toml:"temp_dir"`
}

type MembersConfig struct {
	Authorized []string `toml:"authorized"`
	Support    string   `toml:"support"`
}

type NotificationsConfig struct {
	WebhookURL    string   `toml:"webhook_url"`
	SlackWebhook  string   `toml:"slack_webhook"`
	Triggers      []string `toml:"triggers"`        // nil means all refund events
	SupportChatID int64    `toml:"support_chat_id"` // refund alerts via the bot itself
}

type OpsConfig struct {
	Listen string `toml:"listen"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	fileSecrets := cfg.secrets()
	loadDotEnv(cfg.BaseDir)
	applyDefaults(cfg)
	applyEnv(cfg)
	warnSecretsInFile(fileSecrets)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

// LoadMinimal loads config without running validate(). Used by commands that
// only read the local database.
func LoadMinimal(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	loadDotEnv(cfg.BaseDir)
	applyDefaults(cfg)
	applyEnv(cfg)
	resolvePaths(cfg)
	return cfg, nil
}

// loadDotEnv reads .env next to the config file and in the working
// directory. Variables already set in the environment win.
func loadDotEnv(baseDir string) {
	for _, p := range []string{filepath.Join(baseDir, ".env"), ".env"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("failed to load .env", "path", p, "err", err)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "sqragent.db")
		} else {
			cfg.DBPath = "sqragent.db"
		}
	}
	if cfg.LogFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.LogFile = filepath.Join(d, "sqragent.log")
		} else {
			cfg.LogFile = "sqragent.log"
		}
	}
	if cfg.PIDFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.PIDFile = filepath.Join(d, "sqragent.pid")
		} else {
			cfg.PIDFile = "sqragent.pid"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = 60
	}
	if cfg.Solana.RPCURL == "" {
		cfg.Solana.RPCURL = DefaultRPCURL
	}
	if cfg.Solana.TokenMint == "" {
		cfg.Solana.TokenMint = DefaultTokenMint
	}
	if cfg.Solana.TokenSymbol == "" {
		cfg.Solana.TokenSymbol = "SQR"
	}
	if cfg.Solana.RecipientWallet == "" {
		cfg.Solana.RecipientWallet = DefaultRecipientWallet
	}
	if cfg.Solana.TextCost == 0 {
		cfg.Solana.TextCost = 1000
	}
	if cfg.Solana.AudioCost == 0 {
		cfg.Solana.AudioCost = 2000
	}
	if cfg.Solana.TxTimeout == "" {
		cfg.Solana.TxTimeout = "30m"
	}
	if cfg.Jobs.BaseURL == "" {
		cfg.Jobs.BaseURL = DefaultJobsBaseURL
	}
	if cfg.Jobs.PollInterval == "" {
		cfg.Jobs.PollInterval = "60s"
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 6
	}
	if cfg.Jobs.GracePeriod == "" {
		cfg.Jobs.GracePeriod = "2m"
	}
	if cfg.Jobs.MaxPollers == 0 {
		cfg.Jobs.MaxPollers = 32
	}
	if cfg.Jobs.EditWindow == "" {
		cfg.Jobs.EditWindow = "24h"
	}
	if cfg.TTS.Language == "" {
		cfg.TTS.Language = "en"
	}
	if cfg.Members.Support == "" {
		cfg.Members.Support = "@DarthCastelian"
	}
	if cfg.Ops.Listen == "" {
		cfg.Ops.Listen = "127.0.0.1:9848"
	}
}

type secrets struct {
	telegram, jobs string
}

func (cfg *Config) secrets() secrets {
	return secrets{telegram: cfg.Telegram.Token, jobs: cfg.Jobs.APIKey}
}

// applyEnv lets environment variables override file values for secrets and
// endpoints.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SQR_FUND_API_KEY"); v != "" {
		cfg.Jobs.APIKey = v
	}
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		cfg.Solana.RPCURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notifications.SlackWebhook = v
	}
}

// warnSecretsInFile warns only when a secret was literally written in the
// config file.
func warnSecretsInFile(s secrets) {
	if s.telegram != "" {
		slog.Warn("telegram token found in config file; prefer TELEGRAM_BOT_TOKEN env var or .env")
	}
	if s.jobs != "" {
		slog.Warn("jobs api key found in config file; prefer SQR_FUND_API_KEY env var or .env")
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram token is required (TELEGRAM_BOT_TOKEN)")
	}
	if strings.TrimSpace(cfg.Jobs.APIKey) == "" {
		return fmt.Errorf("jobs api key is required (SQR_FUND_API_KEY)")
	}
	if err := validateHTTPURL(cfg.Solana.RPCURL); err != nil {
		return fmt.Errorf("invalid solana.rpc_url: %w", err)
	}
	if err := validateHTTPURL(cfg.Jobs.BaseURL); err != nil {
		return fmt.Errorf("invalid jobs.base_url: %w", err)
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Solana.TokenMint); err != nil {
		return fmt.Errorf("invalid solana.token_mint %q: %w", cfg.Solana.TokenMint, err)
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Solana.RecipientWallet); err != nil {
		return fmt.Errorf("invalid solana.recipient_wallet %q: %w", cfg.Solana.RecipientWallet, err)
	}
	if cfg.Solana.TextCost < 0 || cfg.Solana.AudioCost < 0 {
		return fmt.Errorf("solana costs must be positive")
	}
	for name, raw := range map[string]string{
		"solana.tx_timeout":  cfg.Solana.TxTimeout,
		"jobs.poll_interval": cfg.Jobs.PollInterval,
		"jobs.grace_period":  cfg.Jobs.GracePeriod,
		"jobs.edit_window":   cfg.Jobs.EditWindow,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", name, raw)
		}
	}
	if cfg.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	if cfg.Jobs.MaxPollers < 1 {
		return fmt.Errorf("jobs.max_pollers must be at least 1")
	}
	if err := validateNotificationsConfig(cfg.Notifications); err != nil {
		return err
	}
	return nil
}

func validateNotificationsConfig(cfg NotificationsConfig) error {
	if cfg.WebhookURL != "" {
		if err := validateHTTPURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateHTTPURL(cfg.SlackWebhook); err != nil {
			return fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
	cfg.PIDFile = absPath(cfg.BaseDir, cfg.PIDFile)
	if cfg.TTS.TempDir != "" {
		cfg.TTS.TempDir = absPath(cfg.BaseDir, cfg.TTS.TempDir)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Durations below are validated by Load; parse errors fall back to zero.

func (cfg *Config) TxTimeout() time.Duration    { return mustDuration(cfg.Solana.TxTimeout) }
func (cfg *Config) PollInterval() time.Duration { return mustDuration(cfg.Jobs.PollInterval) }
func (cfg *Config) GracePeriod() time.Duration  { return mustDuration(cfg.Jobs.GracePeriod) }
func (cfg *Config) EditWindow() time.Duration   { return mustDuration(cfg.Jobs.EditWindow) }

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// Cost returns the fee in whole tokens for a request type.
func (cfg *Config) Cost(requestType string) int64 {
	if requestType == "audio" {
		return cfg.Solana.AudioCost
	}
	return cfg.Solana.TextCost
}
