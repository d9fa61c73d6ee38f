package config

import "time"

// Config is the main application configuration struct. It is loaded once at
// startup and passed explicitly into the components that need it; nothing in
// the worker reads process-global configuration after that point.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Comfy     ComfyConfig     `mapstructure:"comfy"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig configures the local job API.
type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	// DebugAddress serves pprof on the default mux; empty disables it.
	DebugAddress string `mapstructure:"debug_address"`
	// JobResultTTL bounds how long finished job results are retained.
	JobResultTTL time.Duration `mapstructure:"job_result_ttl"`
}

// ComfyConfig configures the connection to the local generation server.
type ComfyConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	WorkflowDir string `mapstructure:"workflow_dir"`

	// Availability probing of /system_stats before submission.
	AvailableMaxRetries int           `mapstructure:"available_max_retries"`
	AvailableInterval   time.Duration `mapstructure:"available_interval"`

	// Per-request HTTP timeout and overall execution timeout.
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// Websocket reconnect budget. Backoff is exponential from
	// ReconnectDelay, capped at ReconnectMaxDelay.
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	// Asset readiness polling after the terminal completed event.
	HistoryAttempts int           `mapstructure:"history_attempts"`
	HistoryDelay    time.Duration `mapstructure:"history_delay"`
}

// ResourcesConfig holds the headroom floors checked before each job.
type ResourcesConfig struct {
	MinFreeMemoryBytes uint64 `mapstructure:"min_free_memory_bytes"`
	MinFreeDiskBytes   uint64 `mapstructure:"min_free_disk_bytes"`
	// DiskPath is the mount point measured for free space.
	DiskPath string `mapstructure:"disk_path"`
}

// StorageConfig selects how finalized assets are returned. When BucketURL is
// empty, assets are base64-encoded inline; otherwise they are uploaded to the
// S3-compatible endpoint and returned as URLs.
type StorageConfig struct {
	BucketURL       string `mapstructure:"bucket_url"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// Offload reports whether assets go to object storage instead of inline base64.
func (s StorageConfig) Offload() bool {
	return s.BucketURL != ""
}

// RedisConfig configures the optional redis job store; when Address is empty
// the API server keeps job state in memory.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
