package config

const (
	// Agent Defaults
	DefaultAgentContractVersion  = "v1"
	DefaultAgentEndpoint         = "http://localhost:8000"
	DefaultAgentMaxResponseBytes = 1 << 20
	DefaultAgentTimeoutSecs      = 120
	DefaultAgentUserAgent        = "VulneraX-Dispatcher/1.0"

	// Auth Defaults
	DefaultLoginPath = "/login"

	// Dispatch Defaults
	DefaultIdempotencyCacheSize  = 1024
	DefaultIdempotencyWindowSecs = 600

	// Log Defaults
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogFile       = ""
	DefaultMaxLogSizeMB  = 100
	DefaultMaxLogBackups = 3

	// Metrics Defaults
	DefaultMetricsPath = "/metrics"

	// Server Defaults. Write timeout must outlast the agent deadline.
	DefaultServerListenAddr          = "127.0.0.1:8080"
	DefaultServerReadTimeoutSecs     = 15
	DefaultServerShutdownTimeoutSecs = 10
	DefaultServerWriteTimeoutSecs    = 150

	// Storage Defaults
	DefaultStorageArchiveDir       = "database/archive"
	DefaultStorageCompressionCodec = "zstd"
	DefaultStorageDriver           = "sqlite"
	DefaultStorageSQLiteDBPath     = "database/vulnerax.db"
)
