package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/digkill/mediaroute/internal/models"
)

// Config aggregates runtime configuration for the pipeline and supporting services.
type Config struct {
	ListenAddr string
	MySQLDSN   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClassifierBaseURL string
	ClassifierAPIKey  string
	ProviderBaseURL   string
	ProviderAPIKey    string
	RequestTimeout    time.Duration

	SessionTTL time.Duration
	CacheTTL   time.Duration

	RateLimitPerMinute int
	RateLimitPerHour   int
	CostCeilingPerHour int

	BreakerFailureThreshold  int
	BreakerCooldown          time.Duration
	BreakerHalfOpenSuccesses int

	ClassifyMaxAttempts int
	ClassifyRetryBase   time.Duration

	DefaultTier models.Tier

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		ListenAddr:               getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getInt("REDIS_DB", 0),
		ClassifierBaseURL:        getEnv("CLASSIFIER_BASE_URL", "https://api.intentwire.dev"),
		ProviderBaseURL:          getEnv("PROVIDER_BASE_URL", "https://api.kie.ai"),
		RequestTimeout:           time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		SessionTTL:               time.Minute * time.Duration(getInt("SESSION_TTL_MINUTES", 60)),
		CacheTTL:                 time.Minute * time.Duration(getInt("CACHE_TTL_MINUTES", 15)),
		RateLimitPerMinute:       getInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitPerHour:         getInt("RATE_LIMIT_PER_HOUR", 120),
		CostCeilingPerHour:       getInt("COST_CEILING_PER_HOUR", 500),
		BreakerFailureThreshold:  getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:          time.Second * time.Duration(getInt("BREAKER_COOLDOWN_SECONDS", 30)),
		BreakerHalfOpenSuccesses: getInt("BREAKER_HALF_OPEN_SUCCESSES", 2),
		ClassifyMaxAttempts:      getInt("CLASSIFY_MAX_ATTEMPTS", 3),
		ClassifyRetryBase:        time.Millisecond * time.Duration(getInt("CLASSIFY_RETRY_BASE_MS", 200)),
		DefaultTier:              models.Tier(strings.ToLower(getEnv("DEFAULT_TIER", string(models.TierFree)))),
		S3Endpoint:               getEnv("S3_ENDPOINT", ""),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                 getEnv("S3_PREFIX", "generations"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.ClassifierAPIKey = os.Getenv("CLASSIFIER_API_KEY")
	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.ClassifierAPIKey == "" {
		missing = append(missing, "CLASSIFIER_API_KEY")
	}
	if cfg.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile loads the first env file found; absence is not an error
// so containerized deployments can rely on real environment variables.
func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, filepath.Join("configs", ".env"), ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
