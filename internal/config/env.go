package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultConfigDir returns ~/.fieldsync
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".fieldsync"), nil
}

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for <configDir>/.env)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configDir = dir
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg.configDir = configDir

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// ENV_FILE_PATH wins over the config directory; a missing default file is fine
	if envFilePath := getEnvString("ENV_FILE_PATH", ""); envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else if err := godotenv.Load(configFilePath); err != nil {
		_ = godotenv.Load()
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("FIELDSYNC_DB_PATH", filepath.Join(configDir, "fieldsync.db")),
		BusyTimeout:     getEnvInt("FIELDSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("FIELDSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("FIELDSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("FIELDSYNC_DB_CACHE_SIZE", -16000),
		ForeignKeys:     getEnvBool("FIELDSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("FIELDSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("FIELDSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("FIELDSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("FIELDSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("FIELDSYNC_LOG_OUTPUT", filepath.Join(configDir, "fieldsync.log")),
		AddSource:  getEnvBool("FIELDSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getTimeFormat(getEnvString("FIELDSYNC_LOG_TIME_FORMAT", "RFC3339")),
		MaxSizeMB:  getEnvInt("FIELDSYNC_LOG_MAX_SIZE_MB", 10),
		MaxBackups: getEnvInt("FIELDSYNC_LOG_MAX_BACKUPS", 3),
		MaxAgeDays: getEnvInt("FIELDSYNC_LOG_MAX_AGE_DAYS", 14),
	}

	cfg.Server = ServerConfig{
		URL:               strings.TrimRight(getEnvString("FIELDSYNC_SERVER_URL", "http://localhost:8080"), "/"),
		Token:             getEnvString("FIELDSYNC_SERVER_TOKEN", ""),
		Timeout:           getEnvDuration("FIELDSYNC_SERVER_TIMEOUT", 15*time.Second),
		DeviceName:        getEnvString("FIELDSYNC_DEVICE_NAME", ""),
		RequestsPerMinute: getEnvInt("FIELDSYNC_SERVER_REQUESTS_PER_MINUTE", 600),
		BurstLimit:        getEnvInt("FIELDSYNC_SERVER_BURST_LIMIT", 10),
	}

	cfg.Sync = SyncConfig{
		Enabled:        getEnvBool("FIELDSYNC_SYNC_ENABLED", true),
		Interval:       getEnvDuration("FIELDSYNC_SYNC_INTERVAL", 5*time.Minute),
		BatchSize:      getEnvInt("FIELDSYNC_SYNC_BATCH_SIZE", 20),
		MaxAttempts:    getEnvInt("FIELDSYNC_SYNC_MAX_ATTEMPTS", 3),
		BackoffBase:    getEnvDuration("FIELDSYNC_SYNC_BACKOFF_BASE", 2*time.Second),
		BackoffMax:     getEnvDuration("FIELDSYNC_SYNC_BACKOFF_MAX", 5*time.Minute),
		StaleAfter:     getEnvDuration("FIELDSYNC_SYNC_STALE_AFTER", 2*time.Minute),
		EntityLockWait: getEnvDuration("FIELDSYNC_SYNC_ENTITY_LOCK_WAIT", 30*time.Second),
	}

	cfg.Realtime = RealtimeConfig{
		Enabled:           getEnvBool("FIELDSYNC_REALTIME_ENABLED", false),
		URL:               getEnvString("FIELDSYNC_REALTIME_URL", "ws://localhost:8080/ws"),
		HeartbeatInterval: getEnvDuration("FIELDSYNC_REALTIME_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectMin:      getEnvDuration("FIELDSYNC_REALTIME_RECONNECT_MIN", time.Second),
		ReconnectMax:      getEnvDuration("FIELDSYNC_REALTIME_RECONNECT_MAX", time.Minute),
	}

	cfg.Connectivity = ConnectivityConfig{
		ProbeURL:      getEnvString("FIELDSYNC_CONNECTIVITY_PROBE_URL", ""),
		ProbeInterval: getEnvDuration("FIELDSYNC_CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:  getEnvDuration("FIELDSYNC_CONNECTIVITY_PROBE_TIMEOUT", 5*time.Second),
	}
	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.Server.URL + "/health"
	}

	cfg.Metrics = MetricsConfig{
		Enabled: getEnvBool("FIELDSYNC_METRICS_ENABLED", false),
		Addr:    getEnvString("FIELDSYNC_METRICS_ADDR", "127.0.0.1:9464"),
	}

	return cfg, cfg.Validate()
}
