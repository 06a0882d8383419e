package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/aleister1102/vulnerax/internal/common"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 10 * 1024 * 1024

// GlobalConfig contains all configuration sections for the application
type GlobalConfig struct {
	AgentConfig    AgentConfig    `json:"agent_config,omitempty" yaml:"agent_config,omitempty"`
	AuthConfig     AuthConfig     `json:"auth_config,omitempty" yaml:"auth_config,omitempty"`
	DispatchConfig DispatchConfig `json:"dispatch_config,omitempty" yaml:"dispatch_config,omitempty"`
	LogConfig      LogConfig      `json:"log_config,omitempty" yaml:"log_config,omitempty"`
	MetricsConfig  MetricsConfig  `json:"metrics_config,omitempty" yaml:"metrics_config,omitempty"`
	ServerConfig   ServerConfig   `json:"server_config,omitempty" yaml:"server_config,omitempty"`
	StorageConfig  StorageConfig  `json:"storage_config,omitempty" yaml:"storage_config,omitempty"`
}

// NewDefaultGlobalConfig creates a new GlobalConfig with default values
func NewDefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		AgentConfig:    NewDefaultAgentConfig(),
		AuthConfig:     NewDefaultAuthConfig(),
		DispatchConfig: NewDefaultDispatchConfig(),
		LogConfig:      NewDefaultLogConfig(),
		MetricsConfig:  NewDefaultMetricsConfig(),
		ServerConfig:   NewDefaultServerConfig(),
		StorageConfig:  NewDefaultStorageConfig(),
	}
}

// AgentConfig describes how the dispatcher reaches the external scanning agent.
type AgentConfig struct {
	ContractVersion    string `json:"contract_version,omitempty" yaml:"contract_version,omitempty" validate:"required"`
	EnableHTTP2        bool   `json:"enable_http2" yaml:"enable_http2"`
	Endpoint           string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required,url"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	MaxResponseBytes   int    `json:"max_response_bytes,omitempty" yaml:"max_response_bytes,omitempty" validate:"omitempty,min=1"`
	TimeoutSecs        int    `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty" validate:"min=1"`
	UserAgent          string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

func NewDefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ContractVersion:    DefaultAgentContractVersion,
		EnableHTTP2:        true,
		Endpoint:           DefaultAgentEndpoint,
		InsecureSkipVerify: false,
		MaxResponseBytes:   DefaultAgentMaxResponseBytes,
		TimeoutSecs:        DefaultAgentTimeoutSecs,
		UserAgent:          DefaultAgentUserAgent,
	}
}

// Timeout returns the per-request deadline for agent calls.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AuthConfig configures the session guard. Tokens maps bearer credentials to subject ids;
// SeedProfiles lists subject ids whose profile records are created at startup.
type AuthConfig struct {
	LoginPath    string            `json:"login_path,omitempty" yaml:"login_path,omitempty" validate:"required,startswith=/"`
	SeedProfiles []string          `json:"seed_profiles,omitempty" yaml:"seed_profiles,omitempty" validate:"omitempty,dive,required"`
	Tokens       map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
}

func NewDefaultAuthConfig() AuthConfig {
	return AuthConfig{
		LoginPath:    DefaultLoginPath,
		SeedProfiles: []string{},
		Tokens:       make(map[string]string),
	}
}

// DispatchConfig bounds the in-memory idempotency window kept in front of the store.
type DispatchConfig struct {
	IdempotencyCacheSize  int `json:"idempotency_cache_size,omitempty" yaml:"idempotency_cache_size,omitempty" validate:"min=1"`
	IdempotencyWindowSecs int `json:"idempotency_window_secs,omitempty" yaml:"idempotency_window_secs,omitempty" validate:"min=1"`
}

func NewDefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		IdempotencyCacheSize:  DefaultIdempotencyCacheSize,
		IdempotencyWindowSecs: DefaultIdempotencyWindowSecs,
	}
}

// IdempotencyWindow returns the TTL of cached idempotency keys.
func (c DispatchConfig) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowSecs) * time.Second
}

type LogConfig struct {
	LogFile       string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	LogFormat     string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,logformat"`
	LogLevel      string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,loglevel"`
	MaxLogBackups int    `json:"max_log_backups,omitempty" yaml:"max_log_backups,omitempty" validate:"omitempty,min=0"`
	MaxLogSizeMB  int    `json:"max_log_size_mb,omitempty" yaml:"max_log_size_mb,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultLogConfig() LogConfig {
	return LogConfig{
		LogFile:       DefaultLogFile,
		LogFormat:     DefaultLogFormat,
		LogLevel:      DefaultLogLevel,
		MaxLogBackups: DefaultMaxLogBackups,
		MaxLogSizeMB:  DefaultMaxLogSizeMB,
	}
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" validate:"omitempty,startswith=/"`
}

func NewDefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: true,
		Path:    DefaultMetricsPath,
	}
}

type ServerConfig struct {
	ListenAddr          string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty" validate:"required,hostname_port"`
	ReadTimeoutSecs     int    `json:"read_timeout_secs,omitempty" yaml:"read_timeout_secs,omitempty" validate:"min=1"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs,omitempty" yaml:"shutdown_timeout_secs,omitempty" validate:"min=1"`
	WriteTimeoutSecs    int    `json:"write_timeout_secs,omitempty" yaml:"write_timeout_secs,omitempty" validate:"min=1"`
}

func NewDefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          DefaultServerListenAddr,
		ReadTimeoutSecs:     DefaultServerReadTimeoutSecs,
		ShutdownTimeoutSecs: DefaultServerShutdownTimeoutSecs,
		WriteTimeoutSecs:    DefaultServerWriteTimeoutSecs,
	}
}

type StorageConfig struct {
	ArchiveDir       string `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"`
	CompressionCodec string `json:"compression_codec,omitempty" yaml:"compression_codec,omitempty" validate:"omitempty,oneof=zstd gzip snappy"`
	Driver           string `json:"driver,omitempty" yaml:"driver,omitempty" validate:"required,storagedriver"`
	SQLiteDBPath     string `json:"sqlite_db_path,omitempty" yaml:"sqlite_db_path,omitempty" validate:"required_if=Driver sqlite"`
}

func NewDefaultStorageConfig() StorageConfig {
	return StorageConfig{
		ArchiveDir:       DefaultStorageArchiveDir,
		CompressionCodec: DefaultStorageCompressionCodec,
		Driver:           DefaultStorageDriver,
		SQLiteDBPath:     DefaultStorageSQLiteDBPath,
	}
}

// LoadGlobalConfig loads the configuration from a file or default locations.
// It determines the config file path using GetConfigPath, supports both JSON and YAML formats.
// YAML is preferred if the file extension is .yaml or .yml.
func LoadGlobalConfig(providedPath string, logger zerolog.Logger) (*GlobalConfig, error) {
	cfg := NewDefaultGlobalConfig()

	filePath := GetConfigPath(providedPath)
	if filePath == "" {
		if providedPath != "" {
			return nil, common.NewValidationError("config_file", providedPath, "config file does not exist")
		}
		logger.Debug().Msg("No configuration file found, using defaults")
		return cfg, nil
	}

	data, err := loadConfigFileContent(filePath)
	if err != nil {
		return nil, common.WrapError(err, "failed to load config file content")
	}

	if err := parseConfigContent(data, filePath, cfg); err != nil {
		return nil, common.WrapError(err, "failed to parse config content")
	}

	logger.Debug().Str("path", filePath).Msg("Configuration file loaded")
	return cfg, nil
}

// loadConfigFileContent reads the config file, refusing anything unreasonably large
func loadConfigFileContent(filePath string) ([]byte, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, common.NewValidationError("config_file", filePath, "config file exceeds 10MB")
	}
	return os.ReadFile(filePath)
}

// parseConfigContent parses the config content based on file extension
func parseConfigContent(data []byte, filePath string, cfg *GlobalConfig) error {
	if isYAMLFile(filepath.Ext(filePath)) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return common.NewError("failed to unmarshal YAML from '%s': %w", filePath, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return common.NewError("failed to unmarshal JSON from '%s': %w", filePath, err)
	}
	return nil
}

// isYAMLFile checks if the file extension indicates a YAML file
func isYAMLFile(ext string) bool {
	return ext == ".yaml" || ext == ".yml"
}
