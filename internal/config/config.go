package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          int
	DataDir       string
	CatalogFile   string
	LogLevel      string
	AllowedOrigin string

	CacheMemoryTiles int
	CacheMaxBytes    int64

	TileStore       string
	TileStoreDir    string
	TileStoreTTL    time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	GCSBucket       string
	GCSPrefix       string
	CredentialsFile string

	StyleSource         string
	StyleDir            string
	FirestoreProject    string
	FirestoreCollection string

	RenderWorkers  int
	RenderTimeout  time.Duration
	StrictMode     bool
	RuleEvaluation string

	WarmupLevels    int
	WarmupWorkers   int
	VipsMaxCacheMB  int
	VipsConcurrency int
	JPEGQuality     int
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:          getEnvInt("PORT", 8080),
		DataDir:       dataDir,
		CatalogFile:   getEnv("CATALOG_FILE", filepath.Join(dataDir, "catalog.yaml")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),

		CacheMemoryTiles: getEnvInt("CACHE_MEMORY_TILES", 2000),
		CacheMaxBytes:    getEnvInt64("CACHE_MAX_BYTES", 1<<30), // 1GB default

		TileStore:       getEnv("TILE_STORE", "file"),
		TileStoreDir:    getEnv("TILE_STORE_DIR", filepath.Join(dataDir, "cache")),
		TileStoreTTL:    getEnvDuration("TILE_STORE_TTL", 24*time.Hour),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		GCSBucket:       getEnv("GCS_BUCKET", ""),
		GCSPrefix:       getEnv("GCS_PREFIX", "tiles"),
		CredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),

		StyleSource:         getEnv("STYLE_SOURCE", "file"),
		StyleDir:            getEnv("STYLE_DIR", filepath.Join(dataDir, "styles")),
		FirestoreProject:    getEnv("FIRESTORE_PROJECT", ""),
		FirestoreCollection: getEnv("FIRESTORE_COLLECTION", "styles"),

		RenderWorkers:  getEnvInt("RENDER_WORKERS", 4),
		RenderTimeout:  getEnvDuration("RENDER_TIMEOUT", 30*time.Second),
		StrictMode:     getEnvBool("STRICT_MODE", false),
		RuleEvaluation: getEnv("RULE_EVALUATION", "all"),

		WarmupLevels:    getEnvInt("WARMUP_LEVELS", 0),
		WarmupWorkers:   getEnvInt("WARMUP_WORKERS", 1),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		JPEGQuality:     getEnvInt("JPEG_QUALITY", 82),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
