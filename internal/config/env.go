package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Environment variables that override file settings.
const (
	EnvPlatformURL     = "SJ_PLATFORM_URL"
	EnvRefreshInterval = "SJ_REFRESH_INTERVAL"
	EnvDetectorBackend = "SJ_DETECTOR_BACKEND"
	EnvDetectorURL     = "SJ_DETECTOR_URL"
	EnvModelDir        = "SJ_MODEL_DIR"
	EnvDispatchWorkers = "SJ_DISPATCH_WORKERS"
	EnvStorePath       = "SJ_STORE_PATH"
	EnvAPIListen       = "SJ_API_LISTEN"
	EnvLogLevel        = "SJ_LOG_LEVEL"
	EnvLogFormat       = "SJ_LOG_FORMAT"
)

// loadDotenv populates the process environment from a dotenv file. Variables
// already set in the environment win. A missing file is ignored.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Platform.BaseURL = getEnv(EnvPlatformURL, cfg.Platform.BaseURL)
	cfg.Detector.Backend = getEnv(EnvDetectorBackend, cfg.Detector.Backend)
	cfg.Detector.Endpoint = getEnv(EnvDetectorURL, cfg.Detector.Endpoint)
	cfg.Detector.ModelDir = getEnv(EnvModelDir, cfg.Detector.ModelDir)
	cfg.Store.Path = getEnv(EnvStorePath, cfg.Store.Path)
	cfg.API.Listen = getEnv(EnvAPIListen, cfg.API.Listen)
	cfg.Log.Level = getEnv(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = getEnv(EnvLogFormat, cfg.Log.Format)

	var err error
	if cfg.Registry.RefreshInterval, err = getEnvAsDuration(EnvRefreshInterval, cfg.Registry.RefreshInterval); err != nil {
		return err
	}
	if cfg.Dispatch.Workers, err = getEnvAsInt(EnvDispatchWorkers, cfg.Dispatch.Workers); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", models.ErrInvalidConfig, key, value)
	}
	return n, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", models.ErrInvalidConfig, key, value)
	}
	return d, nil
}
