package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "sqragent.toml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func clearSecretsEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TELEGRAM_BOT_TOKEN", "SQR_FUND_API_KEY", "SOLANA_RPC_URL", "SLACK_WEBHOOK_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearSecretsEnv(t)
	cfgPath := writeConfig(t, `
db_path = "bot.db"

[telegram]
token = "123:abc"

[jobs]
api_key = "k"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DBPath != filepath.Join(filepath.Dir(cfgPath), "bot.db") {
		t.Fatalf("expected db path resolved against config dir, got %q", cfg.DBPath)
	}
	if cfg.Solana.RPCURL != DefaultRPCURL {
		t.Fatalf("expected default rpc url, got %q", cfg.Solana.RPCURL)
	}
	if cfg.Solana.TokenMint != DefaultTokenMint || cfg.Solana.RecipientWallet != DefaultRecipientWallet {
		t.Fatalf("unexpected solana defaults %+v", cfg.Solana)
	}
	if cfg.Cost("text") != 1000 || cfg.Cost("audio") != 2000 {
		t.Fatalf("unexpected costs text=%d audio=%d", cfg.Cost("text"), cfg.Cost("audio"))
	}
	if cfg.TxTimeout() != 30*time.Minute {
		t.Fatalf("expected 30m tx timeout, got %s", cfg.TxTimeout())
	}
	if cfg.PollInterval() != time.Minute || cfg.Jobs.MaxAttempts != 6 || cfg.GracePeriod() != 2*time.Minute {
		t.Fatalf("unexpected jobs defaults %+v", cfg.Jobs)
	}
	if cfg.EditWindow() != 24*time.Hour {
		t.Fatalf("expected 24h edit window, got %s", cfg.EditWindow())
	}
	if cfg.Members.Support != "@DarthCastelian" {
		t.Fatalf("unexpected support contact %q", cfg.Members.Support)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.SlogLevel())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfgPath := writeConfig(t, `log_level = "debug"`)

	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("SQR_FUND_API_KEY", "env-key")
	t.Setenv("SOLANA_RPC_URL", "https://rpc.example.com")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/x")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Jobs.APIKey != "env-key" {
		t.Fatalf("expected secrets from env, got %q %q", cfg.Telegram.Token, cfg.Jobs.APIKey)
	}
	if cfg.Solana.RPCURL != "https://rpc.example.com" {
		t.Fatalf("expected rpc url from env, got %q", cfg.Solana.RPCURL)
	}
	if cfg.Notifications.SlackWebhook != "https://hooks.slack.com/services/x" {
		t.Fatalf("expected slack webhook from env, got %q", cfg.Notifications.SlackWebhook)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.SlogLevel())
	}
}

func TestLoadReadsDotEnvNextToConfig(t *testing.T) {
	clearSecretsEnv(t)
	os.Unsetenv("TELEGRAM_BOT_TOKEN")
	os.Unsetenv("SQR_FUND_API_KEY")
	cfgPath := writeConfig(t, ``)
	env := "TELEGRAM_BOT_TOKEN=dotenv-token\nSQR_FUND_API_KEY=dotenv-key\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.Token != "dotenv-token" || cfg.Jobs.APIKey != "dotenv-key" {
		t.Fatalf("expected secrets from .env, got %q %q", cfg.Telegram.Token, cfg.Jobs.APIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing token", `[jobs]
api_key = "k"`, "telegram token is required"},
		{"missing api key", `[telegram]
token = "t"`, "jobs api key is required"},
		{"bad log level", `log_level = "trace"
[telegram]
token = "t"
[jobs]
api_key = "k"`, "unsupported log_level"},
		{"bad mint", `[telegram]
token = "t"
[jobs]
api_key = "k"
[solana]
token_mint = "not-a-key"`, "invalid solana.token_mint"},
		{"bad duration", `[telegram]
token = "t"
[jobs]
api_key = "k"
poll_interval = "soon"`, "invalid jobs.poll_interval"},
		{"bad rpc scheme", `[telegram]
token = "t"
[jobs]
api_key = "k"
[solana]
rpc_url = "ftp://rpc"`, "invalid solana.rpc_url"},
		{"bad webhook", `[telegram]
token = "t"
[jobs]
api_key = "k"
[notifications]
webhook_url = "hooks.example.com"`, "invalid notifications.webhook_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearSecretsEnv(t)
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMinimalSkipsValidation(t *testing.T) {
	clearSecretsEnv(t)
	cfg, err := LoadMinimal(writeConfig(t, `db_path = "x.db"`))
	if err != nil {
		t.Fatalf("load minimal: %v", err)
	}
	if !filepath.IsAbs(cfg.DBPath) {
		t.Fatalf("expected absolute db path, got %q", cfg.DBPath)
	}
}
