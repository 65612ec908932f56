package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	UpstreamAnthropic    = "anthropic"
	UpstreamOpenAICompat = "openai_compat"
	UpstreamCustomHTTP   = "custom_http"

	DefaultModel = "claude-sonnet-4-20250514"
)

var (
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrInvalidUpstreamKind = errors.New("UPSTREAM_KIND must be 'anthropic', 'openai_compat' or 'custom_http'")
	ErrMissingUpstreamURL  = errors.New("UPSTREAM_BASE_URL is required for custom_http")
	ErrMissingTemplate     = errors.New("UPSTREAM_BODY_TEMPLATE is required for custom_http")
	ErrInvalidRateLimit    = errors.New("RATE_LIMIT_PER_HOUR must be > 0")
)

type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Upstream UpstreamConfig
	Breaker  BreakerConfig
	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Rate     RateConfig
	Crypto   CryptoConfig
	Telegram TelegramConfig
	Log      LogConfig
}

type ServerConfig struct {
	ListenAddr      string
	HealthPath      string
	MetricsPath     string
	ShutdownTimeout time.Duration
	// OriginPatterns lists extra hosts allowed to open the websocket.
	OriginPatterns []string
}

// AuthConfig maps bearer tokens to owners. An empty map means single-user
// mode where every client is owner "local".
type AuthConfig struct {
	Tokens map[string]string
}

type UpstreamConfig struct {
	Kind         string
	BaseURL      string
	Model        string
	MaxTokens    int
	Grammar      string
	BodyTemplate string
	Method       string
	Headers      map[string]string
}

type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type DBConfig struct {
	Driver       string
	DSN          string
	AutoMigrate  bool
	HistoryLimit int
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	UpdateTTL time.Duration
	EditTTL   time.Duration
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type RateConfig struct {
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// Enabled reports whether any master key was configured.
func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

type TelegramConfig struct {
	BotToken string
}

func (t TelegramConfig) Enabled() bool { return t.BotToken != "" }

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			ShutdownTimeout: mustDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Upstream: UpstreamConfig{
			Kind:         strings.ToLower(mustEnv("UPSTREAM_KIND", UpstreamAnthropic)),
			BaseURL:      mustEnv("UPSTREAM_BASE_URL", ""),
			Model:        mustEnv("UPSTREAM_MODEL", DefaultModel),
			MaxTokens:    mustInt("UPSTREAM_MAX_TOKENS", 4096),
			Grammar:      strings.ToLower(mustEnv("UPSTREAM_GRAMMAR", "")),
			BodyTemplate: mustEnv("UPSTREAM_BODY_TEMPLATE", ""),
			Method:       strings.ToUpper(mustEnv("UPSTREAM_METHOD", "")),
		},
		Breaker: BreakerConfig{
			MaxFailures: uint32(mustInt("BREAKER_MAX_FAILURES", 5)),
			Timeout:     mustDuration("BREAKER_TIMEOUT", 30*time.Second),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 0),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		DB: DBConfig{
			Driver:       strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:          mustEnv("DB_DSN", "file:rafined.db"),
			AutoMigrate:  mustBool("AUTO_MIGRATE", true),
			HistoryLimit: mustInt("HISTORY_LIMIT", 100),
		},
		Redis: RedisConfig{
			Addr:      mustEnv("REDIS_ADDR", ""),
			Password:  mustEnv("REDIS_PASSWORD", ""),
			DB:        mustInt("REDIS_DB", 0),
			UpdateTTL: mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			EditTTL:   mustDuration("EDIT_TTL", 20*time.Minute),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 60),
		},
		Telegram: TelegramConfig{
			BotToken: mustEnv("TELEGRAM_BOT_TOKEN", ""),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	switch cfg.Upstream.Kind {
	case UpstreamAnthropic, UpstreamOpenAICompat:
	case UpstreamCustomHTTP:
		if cfg.Upstream.BaseURL == "" {
			return nil, ErrMissingUpstreamURL
		}
		if cfg.Upstream.BodyTemplate == "" {
			return nil, ErrMissingTemplate
		}
	default:
		return nil, ErrInvalidUpstreamKind
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Rate.PerHour <= 0 {
		return nil, ErrInvalidRateLimit
	}

	headers, err := stringMap("UPSTREAM_HEADERS_JSON")
	if err != nil {
		return nil, err
	}
	cfg.Upstream.Headers = headers

	tokens, err := stringMap("AUTH_TOKENS_JSON")
	if err != nil {
		return nil, err
	}
	cfg.Auth.Tokens = tokens

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func stringMap(key string) (map[string]string, error) {
	raw := mustEnv(key, "")
	if raw == "" {
		return map[string]string{}, nil
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	out := make(map[string]string, len(parsed))
	for k, v := range parsed {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// loadCryptoConfig collects master keys from MASTER_KEYS_JSON,
// MASTER_KEY_<ID>_B64 and MASTER_KEY_B64. No keys at all is allowed; API
// keys are then stored unsealed.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") || k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with more than one master key")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustList(key string) []string {
	var out []string
	for _, v := range strings.Split(mustEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
