package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/flowlens/internal/signature"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config captures runtime settings for the FlowLens service.
type Config struct {
	Addr        string `yaml:"addr"`
	Store       string `yaml:"store"`
	SQLitePath  string `yaml:"sqlitePath"`
	DatabaseURL string `yaml:"databaseUrl"`

	HMACSecret     string `yaml:"hmacSecret"`
	SkipSignature  bool   `yaml:"skipSignature"`
	AllowDevSecret bool   `yaml:"allowDevSecret"`

	RecentLimit  int   `yaml:"recentLimit"`
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`

	HubSpotToken   string        `yaml:"hubspotToken"`
	HubSpotBaseURL string        `yaml:"hubspotBaseUrl"`
	EnrichTimeout  time.Duration `yaml:"enrichTimeout"`
	EnrichRetries  int           `yaml:"enrichRetries"`
	RedisAddr      string        `yaml:"redisAddr"`
	RedisTTL       time.Duration `yaml:"redisTtl"`

	KafkaBrokers  []string `yaml:"kafkaBrokers"`
	KafkaTopic    string   `yaml:"kafkaTopic"`
	ArchiveBucket string   `yaml:"archiveBucket"`
	ArchivePrefix string   `yaml:"archivePrefix"`

	ReadJWTSecret string  `yaml:"readJwtSecret"`
	IngestRPS     float64 `yaml:"ingestRps"`
	IngestBurst   int     `yaml:"ingestBurst"`
	AllowedOrigin string  `yaml:"allowedOrigin"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

const (
	defaultAddr          = ":8080"
	defaultSQLitePath    = "flowlens.db"
	defaultRecentLimit   = 20
	defaultMaxBodyBytes  = 64 * 1024
	defaultHubSpotURL    = "https://api.hubapi.com"
	defaultEnrichTimeout = 3 * time.Second
	defaultEnrichRetries = 1
	defaultRedisTTL      = 5 * time.Minute
	defaultKafkaTopic    = "flowlens.checkpoints"
	defaultArchivePrefix = "flowlens"
	defaultIngestRPS     = 50
	defaultIngestBurst   = 100
	defaultOrigin        = "*"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:           defaultAddr,
		Store:          StoreSQLite,
		SQLitePath:     defaultSQLitePath,
		HMACSecret:     signature.DevSecret,
		RecentLimit:    defaultRecentLimit,
		MaxBodyBytes:   defaultMaxBodyBytes,
		HubSpotBaseURL: defaultHubSpotURL,
		EnrichTimeout:  defaultEnrichTimeout,
		EnrichRetries:  defaultEnrichRetries,
		RedisTTL:       defaultRedisTTL,
		KafkaTopic:     defaultKafkaTopic,
		ArchivePrefix:  defaultArchivePrefix,
		IngestRPS:      defaultIngestRPS,
		IngestBurst:    defaultIngestBurst,
		AllowedOrigin:  defaultOrigin,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads FLOWLENS_CONFIG_FILE when set, applies environment variables on
// top and validates the result.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("FLOWLENS_CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("FLOWLENS_ADDR", cfg.Addr)
	cfg.Store = strings.ToLower(getEnv("FLOWLENS_STORE", cfg.Store))
	cfg.SQLitePath = getEnv("FLOWLENS_SQLITE_PATH", cfg.SQLitePath)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("FLOWLENS_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)

	cfg.HMACSecret = getEnv("FLOWLENS_HMAC_SECRET", cfg.HMACSecret)
	cfg.SkipSignature = getBool("FLOWLENS_SKIP_SIGNATURE", cfg.SkipSignature)
	cfg.AllowDevSecret = getBool("FLOWLENS_ALLOW_DEV_SECRET", cfg.AllowDevSecret)

	cfg.RecentLimit = getInt("FLOWLENS_RECENT_LIMIT", positiveInt(cfg.RecentLimit, defaultRecentLimit))
	cfg.MaxBodyBytes = int64(getInt("FLOWLENS_MAX_BODY_BYTES", positiveInt(int(cfg.MaxBodyBytes), defaultMaxBodyBytes)))

	cfg.HubSpotToken = getEnv("HUBSPOT_ACCESS_TOKEN", cfg.HubSpotToken)
	cfg.HubSpotBaseURL = getEnv("FLOWLENS_HUBSPOT_BASE_URL", cfg.HubSpotBaseURL)
	cfg.EnrichTimeout = getDuration("FLOWLENS_ENRICH_TIMEOUT", positiveDuration(cfg.EnrichTimeout, defaultEnrichTimeout))
	cfg.EnrichRetries = getNonNegativeInt("FLOWLENS_ENRICH_RETRIES", cfg.EnrichRetries)
	cfg.RedisAddr = getEnv("FLOWLENS_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisTTL = getDuration("FLOWLENS_REDIS_TTL", positiveDuration(cfg.RedisTTL, defaultRedisTTL))

	if v := os.Getenv("FLOWLENS_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaTopic = getEnv("FLOWLENS_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.ArchiveBucket = getEnv("FLOWLENS_ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.ArchivePrefix = getEnv("FLOWLENS_ARCHIVE_PREFIX", cfg.ArchivePrefix)

	cfg.ReadJWTSecret = getEnv("FLOWLENS_READ_JWT_SECRET", cfg.ReadJWTSecret)
	cfg.IngestRPS = getFloat("FLOWLENS_INGEST_RPS", cfg.IngestRPS)
	cfg.IngestBurst = getNonNegativeInt("FLOWLENS_INGEST_BURST", cfg.IngestBurst)
	cfg.AllowedOrigin = getEnv("FLOWLENS_ALLOWED_ORIGIN", cfg.AllowedOrigin)

	cfg.LogLevel = getEnv("FLOWLENS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("FLOWLENS_LOG_FORMAT", cfg.LogFormat)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("FLOWLENS_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or FLOWLENS_DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want sqlite, postgres or memory)", c.Store)
	}
	if !c.SkipSignature {
		if c.HMACSecret == "" {
			return fmt.Errorf("FLOWLENS_HMAC_SECRET is required")
		}
		if c.HMACSecret == signature.DevSecret && !c.AllowDevSecret {
			return fmt.Errorf("FLOWLENS_HMAC_SECRET is the development placeholder; set a real secret or FLOWLENS_ALLOW_DEV_SECRET=true")
		}
	}
	if c.IngestRPS < 0 {
		return fmt.Errorf("FLOWLENS_INGEST_RPS must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getNonNegativeInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func positiveInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
