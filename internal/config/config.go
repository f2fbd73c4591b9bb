// Package config holds the process-wide configuration value, built once at
// startup and injected explicitly into every component. Nothing below the
// main package reads the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the closed set of configuration keys for the core pipeline
// (spec §6). It is a plain value type — no live env reads anywhere else.
type Config struct {
	// Concurrency
	MaxConcurrentExternal int
	MaxConcurrentPerUser  int

	// Timeouts
	RequestTimeout time.Duration
	ScraperTimeout time.Duration
	LLMTimeout     time.Duration

	// Retry
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitterRatio float64

	// Models
	PrimaryModel      string
	FallbackModels    []string
	LongContextModel  string
	LongContextWindow int // tokens; above this, route straight to LongContextModel

	// Preset parameters
	TempStrict, TopPStrict   float64
	TempRelaxed, TopPRelaxed float64
	TempJSON, TopPJSON       float64

	// LLM provider
	LLMAPIBase string
	LLMAPIKey  string

	// Scraper provider
	ScraperAPIBase string
	ScraperAPIKey  string

	// Summary contract limits (defaults per spec §4.7)
	Summary250Chars   int
	Summary1000Chars  int
	KeyIdeasMin       int
	KeyIdeasMax       int
	TopicTagsMin      int
	TopicTagsMax      int
	SEOKeywordsMin    int
	SEOKeywordsMax    int

	// Chunking
	ChunkTokenCap    int
	PrimaryWindow    int // tokens
	MaxChunks        int

	// Video
	StorageRoot        string
	MaxVideoMB         int
	MaxStorageGB       float64
	PreferredQuality   string
	SubtitleLangs      []string
	AutoCleanupDays    int
	CleanupTriggerPct  float64

	// Language
	PreferredLang string

	// Extraction
	FreeTextScanCap int // characters, >= 50000

	// Storage backend
	StoreBackend string // "sqlite" | "postgres"
	StorePath    string
	DatabaseURL  string

	// Lock backend
	LockBackend   string // "memory" | "redis"
	RedisURL      string
	RedisRequired bool
	LockTTL       time.Duration

	// Batch orchestrator
	BatchPerBatchCap        int
	BatchSubmissionTimeout  time.Duration
	CircuitCooldown         time.Duration
	CircuitProbeSuccesses   int

	// Ambient
	MetricsAddr string
	LogLevel    string
}

// Default returns the baseline configuration with spec-listed defaults.
func Default() Config {
	return Config{
		MaxConcurrentExternal: 5,
		MaxConcurrentPerUser:  3,

		RequestTimeout: 600 * time.Second,
		ScraperTimeout: 45 * time.Second,
		LLMTimeout:     60 * time.Second,

		RetryAttempts:    3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
		RetryJitterRatio: 0.2,

		PrimaryModel:      "gpt-4o-mini",
		FallbackModels:    []string{"gpt-4o", "claude-3-5-haiku"},
		LongContextModel:  "gpt-4o-long",
		LongContextWindow: 128_000,

		TempStrict: 0.2, TopPStrict: 0.9,
		TempRelaxed: 0.5, TopPRelaxed: 0.95,
		TempJSON: 0.1, TopPJSON: 0.85,

		Summary250Chars:  250,
		Summary1000Chars: 1000,
		KeyIdeasMin:      3,
		KeyIdeasMax:      8,
		TopicTagsMin:     3,
		TopicTagsMax:     10,
		SEOKeywordsMin:   3,
		SEOKeywordsMax:   10,

		ChunkTokenCap: 4000,
		PrimaryWindow: 32_000,
		MaxChunks:     20,

		StorageRoot:       "./data/media",
		MaxVideoMB:        2048,
		MaxStorageGB:      20,
		PreferredQuality:  "1080p",
		SubtitleLangs:     []string{"en"},
		AutoCleanupDays:   30,
		CleanupTriggerPct: 0.9,

		PreferredLang: "auto",

		FreeTextScanCap: 50_000,

		StoreBackend: "sqlite",
		StorePath:    "./data/digestor.db",

		LockBackend: "memory",
		LockTTL:     5 * time.Minute,

		BatchPerBatchCap:       5,
		BatchSubmissionTimeout: 600 * time.Second,
		CircuitCooldown:        60 * time.Second,
		CircuitProbeSuccesses:  3,

		MetricsAddr: ":8099",
		LogLevel:    "info",
	}
}

// fileOverlay is the subset of Config an optional YAML file may set,
// applied between Default() and the environment overlay so env vars
// always win over the file (spec §6 layering).
type fileOverlay struct {
	MaxConcurrentExternal *int     `yaml:"max_concurrent_external"`
	MaxConcurrentPerUser  *int     `yaml:"max_concurrent_per_user"`
	PrimaryModel          *string  `yaml:"primary_model"`
	FallbackModels        []string `yaml:"fallback_models"`
	LLMAPIBase            *string  `yaml:"llm_api_base"`
	ScraperAPIBase        *string  `yaml:"scraper_api_base"`
	StorageRoot           *string  `yaml:"storage_root"`
	PreferredLang         *string  `yaml:"preferred_lang"`
	StoreBackend          *string  `yaml:"store_backend"`
	StorePath             *string  `yaml:"store_path"`
	LockBackend           *string  `yaml:"lock_backend"`
	RedisURL              *string  `yaml:"redis_url"`
	BatchPerBatchCap      *int     `yaml:"batch_per_batch_cap"`
	LogLevel              *string  `yaml:"log_level"`
}

// LoadFile overlays c with values from a YAML config file at path. Absent
// keys leave c untouched; an absent file is not an error (config files are
// optional, env-var-only operation is the default).
func LoadFile(path string, c Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("config: read file %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return c, fmt.Errorf("config: parse file %s: %w", path, err)
	}

	if overlay.MaxConcurrentExternal != nil {
		c.MaxConcurrentExternal = *overlay.MaxConcurrentExternal
	}
	if overlay.MaxConcurrentPerUser != nil {
		c.MaxConcurrentPerUser = *overlay.MaxConcurrentPerUser
	}
	if overlay.PrimaryModel != nil {
		c.PrimaryModel = *overlay.PrimaryModel
	}
	if len(overlay.FallbackModels) > 0 {
		c.FallbackModels = overlay.FallbackModels
	}
	if overlay.LLMAPIBase != nil {
		c.LLMAPIBase = *overlay.LLMAPIBase
	}
	if overlay.ScraperAPIBase != nil {
		c.ScraperAPIBase = *overlay.ScraperAPIBase
	}
	if overlay.StorageRoot != nil {
		c.StorageRoot = *overlay.StorageRoot
	}
	if overlay.PreferredLang != nil {
		c.PreferredLang = *overlay.PreferredLang
	}
	if overlay.StoreBackend != nil {
		c.StoreBackend = *overlay.StoreBackend
	}
	if overlay.StorePath != nil {
		c.StorePath = *overlay.StorePath
	}
	if overlay.LockBackend != nil {
		c.LockBackend = *overlay.LockBackend
	}
	if overlay.RedisURL != nil {
		c.RedisURL = *overlay.RedisURL
	}
	if overlay.BatchPerBatchCap != nil {
		c.BatchPerBatchCap = *overlay.BatchPerBatchCap
	}
	if overlay.LogLevel != nil {
		c.LogLevel = *overlay.LogLevel
	}
	return c, nil
}

// Load overlays Default() with an optional CONFIG_FILE YAML file, then with
// values read from the environment once, at process startup. Call sites
// elsewhere never touch os.Getenv directly.
func Load() (Config, error) {
	c := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		c, err = LoadFile(path, c)
		if err != nil {
			return c, err
		}
	}

	c.MaxConcurrentExternal = envInt("MAX_CONCURRENT_EXTERNAL", c.MaxConcurrentExternal)
	c.MaxConcurrentPerUser = envInt("MAX_CONCURRENT_PER_USER", c.MaxConcurrentPerUser)

	c.RequestTimeout = envDuration("REQUEST_TIMEOUT_SEC", c.RequestTimeout)
	c.ScraperTimeout = envDuration("SCRAPER_TIMEOUT_SEC", c.ScraperTimeout)
	c.LLMTimeout = envDuration("LLM_TIMEOUT_SEC", c.LLMTimeout)

	c.RetryAttempts = envInt("RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryBaseDelay = envDurationMS("RETRY_BASE_DELAY_MS", c.RetryBaseDelay)
	c.RetryMaxDelay = envDurationMS("RETRY_MAX_DELAY_MS", c.RetryMaxDelay)
	c.RetryJitterRatio = envFloat("RETRY_JITTER_RATIO", c.RetryJitterRatio)

	c.PrimaryModel = envString("PRIMARY_MODEL", c.PrimaryModel)
	if v := os.Getenv("FALLBACK_MODELS"); v != "" {
		c.FallbackModels = strings.Split(v, ",")
	}
	c.LongContextModel = envString("LONG_CONTEXT_MODEL", c.LongContextModel)

	c.LLMAPIBase = envString("LLM_API_BASE", c.LLMAPIBase)
	c.LLMAPIKey = os.Getenv("LLM_API_KEY")
	c.ScraperAPIBase = envString("SCRAPER_API_BASE", c.ScraperAPIBase)
	c.ScraperAPIKey = os.Getenv("SCRAPER_API_KEY")

	c.StorageRoot = envString("STORAGE_ROOT", c.StorageRoot)
	c.MaxVideoMB = envInt("MAX_VIDEO_MB", c.MaxVideoMB)
	c.MaxStorageGB = envFloat("MAX_STORAGE_GB", c.MaxStorageGB)
	c.PreferredQuality = envString("PREFERRED_QUALITY", c.PreferredQuality)
	if v := os.Getenv("SUBTITLE_LANGS"); v != "" {
		c.SubtitleLangs = strings.Split(v, ",")
	}
	c.AutoCleanupDays = envInt("AUTO_CLEANUP_DAYS", c.AutoCleanupDays)
	c.CleanupTriggerPct = envFloat("CLEANUP_TRIGGER_PCT", c.CleanupTriggerPct)

	c.PreferredLang = envString("PREFERRED_LANG", c.PreferredLang)

	c.StoreBackend = envString("STORE_BACKEND", c.StoreBackend)
	c.StorePath = envString("STORE_PATH", c.StorePath)
	c.DatabaseURL = os.Getenv("DATABASE_URL")

	c.LockBackend = envString("LOCK_BACKEND", c.LockBackend)
	c.RedisURL = envString("REDIS_URL", c.RedisURL)
	c.RedisRequired = envBool("REDIS_REQUIRED", c.RedisRequired)

	c.MetricsAddr = envString("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)

	if c.StoreBackend != "sqlite" && c.StoreBackend != "postgres" {
		return c, fmt.Errorf("config: invalid store_backend %q", c.StoreBackend)
	}
	if c.LockBackend != "memory" && c.LockBackend != "redis" {
		return c, fmt.Errorf("config: invalid lock_backend %q", c.LockBackend)
	}
	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
