package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Transly server.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Translation TranslationConfig
	Credits     CreditsConfig
	Queue       QueueConfig
	Limits      LimitsConfig
}

type ServerConfig struct {
	Port int
	Env  string

	// TrustProxyHeaders derives the client address from X-Forwarded-For
	// and X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type LogConfig struct {
	Level string
}

type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver        string
	SQLitePath    string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type TranslationConfig struct {
	Provider        string
	Timeout         time.Duration
	NLLB            NLLBConfig
	HuggingFace     HuggingFaceConfig
	LanguageMapFile string

	TextChunkSize         int
	DocumentChunkSize     int
	MaxTextCharacters     int
	MaxDocumentCharacters int
	CacheTTL              time.Duration

	Retry RetryConfig
	Batch BatchConfig
}

type NLLBConfig struct {
	URL       string
	MaxLength int
}

type HuggingFaceConfig struct {
	APIURL string
	Model  string
	APIKey string
}

type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

type BatchConfig struct {
	Size                  int
	Concurrent            int
	MaxConcurrentRequests int
	Delay                 time.Duration
	// FailFast aborts a job on the first failed chunk instead of inserting a marker.
	FailFast bool
}

type CreditsConfig struct {
	FreeCharacters int
	// RatePerCharacter is kept as text so it can be parsed exactly.
	RatePerCharacter string
	StartingBalance  int
}

type QueueConfig struct {
	Workers        int
	PollInterval   time.Duration
	Retention      time.Duration
	// Lease fails processing jobs with no progress for this long.
	Lease          time.Duration
	StatusCacheTTL time.Duration
	JanitorEvery   time.Duration
}

type LimitsConfig struct {
	RequestsPerMinute int
	GuestDailyLimit   int
}

var validProviders = map[string]bool{
	"nllb":        true,
	"huggingface": true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorage reads the same environment as Load but validates only the
// store, database and credit settings. Admin tooling uses it so it can run
// without a cache or translation backend configured.
func LoadStorage() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	if _, ok := new(big.Rat).SetString(cfg.Credits.RatePerCharacter); !ok {
		return nil, fmt.Errorf("CREDITS_RATE_PER_CHARACTER must be a decimal number; got %q", cfg.Credits.RatePerCharacter)
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              envInt("TRANSLY_PORT", 8080),
			Env:               envString("TRANSLY_ENV", "development"),
			TrustProxyHeaders: envBool("TRUST_PROXY_HEADERS", false),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Driver:        envString("STORE_DRIVER", "postgres"),
			SQLitePath:    envString("SQLITE_PATH", "transly.db"),
			MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Translation: TranslationConfig{
			Provider: envString("TRANSLATION_PROVIDER", "nllb"),
			Timeout:  envDurationSecs("TRANSLATION_TIMEOUT_SECS", 25*time.Second),
			NLLB: NLLBConfig{
				URL:       os.Getenv("NLLB_BASE_URL"),
				MaxLength: envInt("NLLB_MAX_LENGTH", 1000),
			},
			HuggingFace: HuggingFaceConfig{
				APIURL: envString("HUGGINGFACE_API_URL", "https://api-inference.huggingface.co/models"),
				Model:  envString("HUGGINGFACE_MODEL", "facebook/nllb-200-distilled-600M"),
				APIKey: os.Getenv("HUGGINGFACE_API_KEY"),
			},
			LanguageMapFile:       os.Getenv("LANGUAGE_MAP_FILE"),
			TextChunkSize:         envInt("CHUNK_MAX_SIZE", 600),
			DocumentChunkSize:     envInt("DOCUMENT_CHUNK_MAX_SIZE", 700),
			MaxTextCharacters:     envInt("MAX_TEXT_CHARACTERS", 10000),
			MaxDocumentCharacters: envInt("MAX_DOCUMENT_CHARACTERS", 100000),
			CacheTTL:              envDuration("TRANSLATION_CACHE_TTL", 24*time.Hour),
			Retry: RetryConfig{
				MaxRetries: envInt("RETRY_MAX", 3),
				Delay:      envDuration("RETRY_DELAY", 1500*time.Millisecond),
				MaxDelay:   envDuration("RETRY_MAX_DELAY", 30*time.Second),
				Multiplier: envFloat("RETRY_MULTIPLIER", 2),
				Jitter:     envFloat("RETRY_JITTER", 0.1),
			},
			Batch: BatchConfig{
				Size:                  envInt("BATCH_SIZE", 2),
				Concurrent:            envInt("CONCURRENT_BATCHES", 2),
				MaxConcurrentRequests: envInt("MAX_CONCURRENT_REQUESTS", 4),
				Delay:                 envDuration("BATCH_DELAY", 1500*time.Millisecond),
				FailFast:              envBool("TRANSLATION_FAIL_FAST", false),
			},
		},
		Credits: CreditsConfig{
			FreeCharacters:   envInt("CREDITS_FREE_CHARACTERS", 500),
			RatePerCharacter: envString("CREDITS_RATE_PER_CHARACTER", "0.1"),
			StartingBalance:  envInt("CREDITS_STARTING_BALANCE", 500),
		},
		Queue: QueueConfig{
			Workers:        envInt("WORKER_COUNT", 2),
			PollInterval:   envDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			Retention:      envDuration("JOB_RETENTION", 7*24*time.Hour),
			Lease:          envDuration("JOB_LEASE", 30*time.Minute),
			StatusCacheTTL: envDuration("JOB_STATUS_CACHE_TTL", 30*time.Minute),
			JanitorEvery:   envDuration("JANITOR_INTERVAL", time.Hour),
		},
		Limits: LimitsConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			GuestDailyLimit:   envInt("GUEST_DAILY_LIMIT", 10),
		},
	}
}

func (c *Config) validateStorage() error {
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite; got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	t := c.Translation
	if !validProviders[t.Provider] {
		return fmt.Errorf("TRANSLATION_PROVIDER must be one of nllb, huggingface; got %q", t.Provider)
	}
	if t.Provider == "nllb" {
		if t.NLLB.URL == "" {
			return fmt.Errorf("NLLB_BASE_URL is required when TRANSLATION_PROVIDER is nllb")
		}
		if !isHTTPURL(t.NLLB.URL) {
			return fmt.Errorf("NLLB_BASE_URL must start with http:// or https://, got %q", t.NLLB.URL)
		}
	}
	if t.Provider == "huggingface" {
		if t.HuggingFace.APIKey == "" {
			return fmt.Errorf("HUGGINGFACE_API_KEY is required when TRANSLATION_PROVIDER is huggingface")
		}
		if !isHTTPURL(t.HuggingFace.APIURL) {
			return fmt.Errorf("HUGGINGFACE_API_URL must start with http:// or https://, got %q", t.HuggingFace.APIURL)
		}
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("TRANSLATION_TIMEOUT_SECS must be positive")
	}
	if t.TextChunkSize < 1 || t.DocumentChunkSize < 1 {
		return fmt.Errorf("CHUNK_MAX_SIZE and DOCUMENT_CHUNK_MAX_SIZE must be at least 1")
	}
	if t.MaxTextCharacters < 1 || t.MaxDocumentCharacters < 1 {
		return fmt.Errorf("MAX_TEXT_CHARACTERS and MAX_DOCUMENT_CHARACTERS must be at least 1")
	}
	if t.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", t.Retry.MaxRetries)
	}
	if t.Retry.Delay < 0 || t.Retry.MaxDelay < 0 {
		return fmt.Errorf("RETRY_DELAY and RETRY_MAX_DELAY must not be negative")
	}
	if t.Retry.Jitter < 0 || t.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1), got %v", t.Retry.Jitter)
	}
	if t.Batch.Size < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", t.Batch.Size)
	}
	if t.Batch.Concurrent < 1 {
		return fmt.Errorf("CONCURRENT_BATCHES must be at least 1, got %d", t.Batch.Concurrent)
	}
	if t.Batch.MaxConcurrentRequests < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1, got %d", t.Batch.MaxConcurrentRequests)
	}

	if c.Credits.FreeCharacters < 0 {
		return fmt.Errorf("CREDITS_FREE_CHARACTERS must not be negative")
	}
	rate, ok := new(big.Rat).SetString(c.Credits.RatePerCharacter)
	if !ok || rate.Sign() < 0 {
		return fmt.Errorf("CREDITS_RATE_PER_CHARACTER must be a non-negative number, got %q", c.Credits.RatePerCharacter)
	}
	if c.Credits.StartingBalance < 0 {
		return fmt.Errorf("CREDITS_STARTING_BALANCE must not be negative")
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Queue.Lease < 0 {
		return fmt.Errorf("JOB_LEASE must not be negative")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go duration strings ("1.5s") or a bare number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
