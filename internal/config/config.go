// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application configuration.
type Config struct {
	Port      string
	DataDir   string
	StaticDir string
	LogDir    string
	DebugMode bool

	// Text generation collaborator
	TextEndpoint string
	TextAPIKey   string
	TextModel    string

	// Image generation collaborator
	ImageGenEndpoint  string
	ImageEditEndpoint string
	ImageAPIKey       string

	// Quiet delay before the background prefetcher starts after a scene settles.
	PrefetchDelay time.Duration
}

// Load reads configuration from the environment. A .env file is honored when
// present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DataDir:           getEnvPath("DATA_DIR", "data"),
		StaticDir:         getEnvPath("STATIC_DIR", "static"),
		LogDir:            getEnvPath("LOG_DIR", "logs"),
		DebugMode:         getEnvBool("DEBUG_MODE", true),
		TextEndpoint:      getEnv("TEXT_ENDPOINT", ""),
		TextAPIKey:        getEnv("TEXT_API_KEY", ""),
		TextModel:         getEnv("TEXT_MODEL", "gpt-5.1-chat"),
		ImageGenEndpoint:  getEnv("IMAGE_GEN_ENDPOINT", ""),
		ImageEditEndpoint: getEnv("IMAGE_EDIT_ENDPOINT", ""),
		ImageAPIKey:       getEnv("IMAGE_API_KEY", ""),
		PrefetchDelay:     getEnvDuration("PREFETCH_DELAY_MS", 1000*time.Millisecond),
	}

	if cfg.TextEndpoint == "" || cfg.TextAPIKey == "" {
		logrus.Warn("text generation endpoint not configured; story generation will fail until TEXT_ENDPOINT and TEXT_API_KEY are set")
	}
	if cfg.ImageGenEndpoint == "" || cfg.ImageAPIKey == "" {
		logrus.Warn("image generation endpoint not configured; scenes will render without illustrations")
	}

	return cfg, nil
}

// getEnv returns the environment value or the default.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath returns a directory path from the environment, creating it when
// missing.
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("warning: failed to create directory %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool returns a boolean environment value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvDuration reads a millisecond count from the environment.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
