package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "mistral", "groq", "ollama", "deepseek", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "sarvam", "whisper"},
	"tts":        {"elevenlabs", "sarvam", "openai"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// secret fields, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${VAR} references in every field that may carry a
// credential. Non-secret fields are left verbatim so a literal dollar sign
// in, say, a campaign name survives.
func expandSecrets(cfg *Config) {
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.Postgres.DSN = os.ExpandEnv(cfg.Postgres.DSN)
	cfg.Telephony.CredentialSecret = os.ExpandEnv(cfg.Telephony.CredentialSecret)
	for _, e := range providerEntries(cfg) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
}

// applyDefaults fills the few fields that have no downstream package default.
// Everything else leaves zero to mean "use the owning package's default" so
// each knob keeps a single source of truth.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Incomplete-but-wellformed configs validate with warnings: completeness is
// enforced at wire-up, where the missing piece can be named precisely.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL))
		}
	}

	// Duration strings
	durations := []struct {
		field string
		value string
	}{
		{"telephony.connect_timeout", cfg.Telephony.ConnectTimeout},
		{"dialer.job_timeout", cfg.Dialer.JobTimeout},
		{"dialer.purge_grace", cfg.Dialer.PurgeGrace},
		{"stt_pool.acquire_timeout", cfg.STTPool.AcquireTimeout},
		{"reconcile.sweep_interval", cfg.Reconcile.SweepInterval},
		{"reconcile.waitlist_interval", cfg.Reconcile.WaitlistInterval},
		{"reconcile.ledger_interval", cfg.Reconcile.LedgerInterval},
		{"reconcile.max_call_age", cfg.Reconcile.MaxCallAge},
		{"reconcile.stuck_after", cfg.Reconcile.StuckAfter},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if parsed, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a valid duration", d.field, d.value))
		} else if parsed < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.field))
		}
	}

	// Numeric ranges
	if cfg.Dialer.DialRate < 0 {
		errs = append(errs, fmt.Errorf("dialer.dial_rate %.2f must not be negative", cfg.Dialer.DialRate))
	}
	if cfg.STTPool.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("stt_pool.max_streams %d must not be negative", cfg.STTPool.MaxStreams))
	}
	if cfg.STTPool.QueueCap < 0 {
		errs = append(errs, fmt.Errorf("stt_pool.queue_cap %d must not be negative", cfg.STTPool.QueueCap))
	}
	if cfg.Knowledge.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("knowledge.embedding_dimensions %d must not be negative", cfg.Knowledge.EmbeddingDimensions))
	}
	if cfg.Knowledge.TopK < 0 {
		errs = append(errs, fmt.Errorf("knowledge.top_k %d must not be negative", cfg.Knowledge.TopK))
	}
	if cfg.Knowledge.MinScore < 0 || cfg.Knowledge.MinScore > 1 {
		errs = append(errs, fmt.Errorf("knowledge.min_score %.2f is out of range [0, 1]", cfg.Knowledge.MinScore))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", "providers.llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", "providers.stt", cfg.Providers.STT.Name)
	validateProviderName("stt", "providers.stt_regional", cfg.Providers.STTRegional.Name)
	validateProviderName("stt", "providers.stt_batch", cfg.Providers.STTBatch.Name)
	validateProviderName("tts", "providers.tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", "providers.embeddings", cfg.Providers.Embeddings.Name)

	// Completeness warnings
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; campaigns, contacts, and call sessions cannot be persisted")
	}
	if cfg.Telephony.CredentialSecret == "" {
		slog.Warn("telephony.credential_secret is empty; sealed phone credentials cannot be opened")
	}
	if cfg.Providers.STT.Name == "" && cfg.Providers.STTBatch.Name == "" {
		slog.Warn("no recognizer configured; calls cannot transcribe caller speech")
	}
	if cfg.Providers.LLM.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.llm and providers.tts are both required for calls to speak",
			"llm", cfg.Providers.LLM.Name,
			"tts", cfg.Providers.TTS.Name,
		)
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
	}

	return errors.Join(errs...)
}

// providerEntries returns every provider block for uniform treatment.
func providerEntries(cfg *Config) []*ProviderEntry {
	return []*ProviderEntry{
		&cfg.Providers.LLM,
		&cfg.Providers.STT,
		&cfg.Providers.STTRegional,
		&cfg.Providers.STTBatch,
		&cfg.Providers.TTS,
		&cfg.Providers.Embeddings,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, field, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", known,
	)
}
