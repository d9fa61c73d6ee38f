package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like COMFY_BASE_URL, STORAGE_BUCKET_URL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // ignore error if not found

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or any parent that holds
// go.mod, so tests running from package directories pick it up too.
func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders inside config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		if strVal, ok := v.Get(key).(string); ok {
			if strings.Contains(strVal, "${") {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "comfyui-worker"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8000"
	}
	if cfg.Server.JobResultTTL == 0 {
		cfg.Server.JobResultTTL = 30 * time.Minute
	}
	if cfg.Comfy.BaseURL == "" {
		cfg.Comfy.BaseURL = "http://127.0.0.1:8188"
	}
	if cfg.Comfy.WorkflowDir == "" {
		cfg.Comfy.WorkflowDir = "workflows"
	}
	if cfg.Comfy.AvailableMaxRetries == 0 {
		cfg.Comfy.AvailableMaxRetries = 500
	}
	if cfg.Comfy.AvailableInterval == 0 {
		cfg.Comfy.AvailableInterval = 50 * time.Millisecond
	}
	if cfg.Comfy.RequestTimeout == 0 {
		cfg.Comfy.RequestTimeout = 30 * time.Second
	}
	if cfg.Comfy.ExecutionTimeout == 0 {
		cfg.Comfy.ExecutionTimeout = 10 * time.Minute
	}
	if cfg.Comfy.ReconnectAttempts == 0 {
		cfg.Comfy.ReconnectAttempts = 5
	}
	if cfg.Comfy.ReconnectDelay == 0 {
		cfg.Comfy.ReconnectDelay = time.Second
	}
	if cfg.Comfy.ReconnectMaxDelay == 0 {
		cfg.Comfy.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Comfy.HistoryAttempts == 0 {
		cfg.Comfy.HistoryAttempts = 120
	}
	if cfg.Comfy.HistoryDelay == 0 {
		cfg.Comfy.HistoryDelay = 2 * time.Second
	}
	if cfg.Resources.MinFreeMemoryBytes == 0 {
		cfg.Resources.MinFreeMemoryBytes = 512 * 1024 * 1024
	}
	if cfg.Resources.MinFreeDiskBytes == 0 {
		cfg.Resources.MinFreeDiskBytes = 500 * 1024 * 1024
	}
	if cfg.Resources.DiskPath == "" {
		cfg.Resources.DiskPath = "/"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if !strings.HasPrefix(cfg.Comfy.BaseURL, "http://") && !strings.HasPrefix(cfg.Comfy.BaseURL, "https://") {
		return fmt.Errorf("comfy.base_url must be an http(s) URL, got %q", cfg.Comfy.BaseURL)
	}
	if cfg.Storage.Offload() && cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage.bucket_url is set")
	}
	if cfg.Comfy.ReconnectAttempts < 0 {
		return fmt.Errorf("comfy.reconnect_attempts must not be negative")
	}
	return nil
}
