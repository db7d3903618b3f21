package config_test

import (
	"strings"
	"testing"

	"github.com/dialvox/dialvox/internal/config"
)

func TestLoad_ExpandsSecretEnvVars(t *testing.T) {
	t.Setenv("DIALVOX_TEST_PG", "postgres://dial:hunter2@db:5432/dialvox")
	t.Setenv("DIALVOX_TEST_KEY", "sk-from-env")
	t.Setenv("DIALVOX_TEST_SECRET", "seal-me")

	yaml := `
postgres:
  dsn: "${DIALVOX_TEST_PG}"
telephony:
  credential_secret: "${DIALVOX_TEST_SECRET}"
providers:
  llm:
    name: openai
    api_key: "${DIALVOX_TEST_KEY}"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://dial:hunter2@db:5432/dialvox" {
		t.Errorf("postgres.dsn: got %q", cfg.Postgres.DSN)
	}
	if cfg.Telephony.CredentialSecret != "seal-me" {
		t.Errorf("telephony.credential_secret: got %q", cfg.Telephony.CredentialSecret)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("providers.llm.api_key: got %q", cfg.Providers.LLM.APIKey)
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
    api_key: "${DIALVOX_DEFINITELY_UNSET_VAR}"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "" {
		t.Errorf("api_key from unset var: got %q, want empty", cfg.Providers.LLM.APIKey)
	}
}

func TestLoad_LiteralValuesSurviveExpansion(t *testing.T) {
	yaml := `
redis:
  password: "plain-password"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Password != "plain-password" {
		t.Errorf("redis.password: got %q", cfg.Redis.Password)
	}
}

func TestLoad_DefaultsDoNotOverrideExplicit(t *testing.T) {
	yaml := `
server:
  listen_addr: ":7070"
  log_level: warn
redis:
  addr: "other:6380"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Redis.Addr != "other:6380" {
		t.Errorf("redis.addr: got %q", cfg.Redis.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/dialvox.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	// Sanity-check that the map is populated for every kind the registry
	// serves.
	for _, kind := range []string{"llm", "stt", "tts", "embeddings"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] should not be empty", kind)
		}
	}
	found := false
	for _, n := range config.ValidProviderNames["stt"] {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"deepgram\"")
	}
}
