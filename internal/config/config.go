// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase   = "sqlite"
	PostgresDatabase = "postgres"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	Timezone    string   `mapstructure:"timezone"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabasePath         string `mapstructure:"storagepath"`
	DatabaseName         string `mapstructure:"-"` // Derived from other settings
	PostgresDSN          string `mapstructure:"postgresdsn"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Log store (ClickHouse) settings
	ClickHouseAddr         string `mapstructure:"clickhouseaddr"`
	ClickHouseDatabase     string `mapstructure:"clickhousedatabase"`
	ClickHouseUsername     string `mapstructure:"clickhouseusername"`
	ClickHousePassword     string `mapstructure:"clickhousepassword"`
	ClickHouseTable        string `mapstructure:"clickhousetable"`
	ClickHouseDialTimeout  int    `mapstructure:"clickhousedialtimeoutseconds"`
	ClickHouseQueryTimeout int    `mapstructure:"clickhousequerytimeoutseconds"`

	// Optional collaborators; empty disables them
	RedisURL              string `mapstructure:"redisurl"`
	DeviceCacheTTLSeconds int    `mapstructure:"devicecachettlseconds"`
	GeoDBPath             string `mapstructure:"geodbpath"`
	PushgatewayURL        string `mapstructure:"pushgatewayurl"`

	// Batch settings
	PreviewWorksID     string `mapstructure:"previewworksid"`
	LookupChunkSize    int    `mapstructure:"lookupchunksize"`
	WriteBatchSize     int    `mapstructure:"writebatchsize"`
	RollupBatchSize    int    `mapstructure:"rollupbatchsize"`
	ChannelConcurrency int    `mapstructure:"channelconcurrency"`
	LookupConcurrency  int    `mapstructure:"lookupconcurrency"`

	// Funnel markers
	ChannelPageType   string   `mapstructure:"channelpagetype"`
	PaywallPageType   string   `mapstructure:"paywallpagetype"`
	CreationRefType   string   `mapstructure:"creationreftype"`
	PaywallURLParam   string   `mapstructure:"paywallurlparam"`
	TraceWorksAliases []string `mapstructure:"traceworksaliases"`
	PaidOrderStatus   string   `mapstructure:"paidorderstatus"`
	CurrencyExponent  int      `mapstructure:"currencyexponent"`

	// Job scheduling settings
	JobIntervalSeconds   int `mapstructure:"jobintervalseconds"`
	SessionWindowSeconds int `mapstructure:"sessionwindowseconds"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		loaded, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads defaults and WORKSTATS_* environment variables into a new Config.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "workstats")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelInfo))
	v.SetDefault("timezone", "Asia/Shanghai")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbtype", SQLiteDatabase)
	v.SetDefault("storagepath", "storage")
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("clickhouseaddr", "127.0.0.1:9000")
	v.SetDefault("clickhousedatabase", "default")
	v.SetDefault("clickhouseusername", "default")
	v.SetDefault("clickhousetable", "behavior_logs")
	v.SetDefault("clickhousedialtimeoutseconds", 5)
	v.SetDefault("clickhousequerytimeoutseconds", 60)
	v.SetDefault("devicecachettlseconds", 86400)
	v.SetDefault("previewworksid", "template_preview")
	v.SetDefault("lookupchunksize", 300)
	v.SetDefault("writebatchsize", 200)
	v.SetDefault("rollupbatchsize", 100)
	v.SetDefault("channelconcurrency", 4)
	v.SetDefault("lookupconcurrency", 4)
	v.SetDefault("channelpagetype", "channel_list")
	v.SetDefault("paywallpagetype", "paywall")
	v.SetDefault("creationreftype", "channel")
	v.SetDefault("paywallurlparam", "works_id")
	v.SetDefault("traceworksaliases", []string{"works_id", "workId"})
	v.SetDefault("paidorderstatus", "paid")
	v.SetDefault("currencyexponent", 2)
	v.SetDefault("jobintervalseconds", 3600)
	v.SetDefault("sessionwindowseconds", 3600)

	v.BindEnv("appname", "WORKSTATS_APP_NAME")
	v.BindEnv("environment", "WORKSTATS_ENV")
	v.BindEnv("loglevel", "WORKSTATS_LOG_LEVEL")
	v.BindEnv("timezone", "WORKSTATS_TIMEZONE")
	v.BindEnv("logsdir", "WORKSTATS_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "WORKSTATS_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "WORKSTATS_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "WORKSTATS_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbtype", "WORKSTATS_DB_TYPE")
	v.BindEnv("storagepath", "WORKSTATS_STORAGE_PATH")
	v.BindEnv("postgresdsn", "WORKSTATS_POSTGRES_DSN")
	v.BindEnv("dbmaxopenconns", "WORKSTATS_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "WORKSTATS_DB_MAX_IDLE_CONNS")
	v.BindEnv("clickhouseaddr", "WORKSTATS_CLICKHOUSE_ADDR")
	v.BindEnv("clickhousedatabase", "WORKSTATS_CLICKHOUSE_DATABASE")
	v.BindEnv("clickhouseusername", "WORKSTATS_CLICKHOUSE_USERNAME")
	v.BindEnv("clickhousepassword", "WORKSTATS_CLICKHOUSE_PASSWORD")
	v.BindEnv("clickhousetable", "WORKSTATS_CLICKHOUSE_TABLE")
	v.BindEnv("clickhousedialtimeoutseconds", "WORKSTATS_CLICKHOUSE_DIAL_TIMEOUT_SECONDS")
	v.BindEnv("clickhousequerytimeoutseconds", "WORKSTATS_CLICKHOUSE_QUERY_TIMEOUT_SECONDS")
	v.BindEnv("redisurl", "WORKSTATS_REDIS_URL")
	v.BindEnv("devicecachettlseconds", "WORKSTATS_DEVICE_CACHE_TTL_SECONDS")
	v.BindEnv("geodbpath", "WORKSTATS_GEO_DB_PATH")
	v.BindEnv("pushgatewayurl", "WORKSTATS_PUSHGATEWAY_URL")
	v.BindEnv("previewworksid", "WORKSTATS_PREVIEW_WORKS_ID")
	v.BindEnv("lookupchunksize", "WORKSTATS_LOOKUP_CHUNK_SIZE")
	v.BindEnv("writebatchsize", "WORKSTATS_WRITE_BATCH_SIZE")
	v.BindEnv("rollupbatchsize", "WORKSTATS_ROLLUP_BATCH_SIZE")
	v.BindEnv("channelconcurrency", "WORKSTATS_CHANNEL_CONCURRENCY")
	v.BindEnv("lookupconcurrency", "WORKSTATS_LOOKUP_CONCURRENCY")
	v.BindEnv("channelpagetype", "WORKSTATS_CHANNEL_PAGE_TYPE")
	v.BindEnv("paywallpagetype", "WORKSTATS_PAYWALL_PAGE_TYPE")
	v.BindEnv("creationreftype", "WORKSTATS_CREATION_REF_TYPE")
	v.BindEnv("paywallurlparam", "WORKSTATS_PAYWALL_URL_PARAM")
	v.BindEnv("traceworksaliases", "WORKSTATS_TRACE_WORKS_ALIASES")
	v.BindEnv("paidorderstatus", "WORKSTATS_PAID_ORDER_STATUS")
	v.BindEnv("currencyexponent", "WORKSTATS_CURRENCY_EXPONENT")
	v.BindEnv("jobintervalseconds", "WORKSTATS_JOB_INTERVAL_SECONDS")
	v.BindEnv("sessionwindowseconds", "WORKSTATS_SESSION_WINDOW_SECONDS")

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set derived values
	c.DatabaseName = c.GetDatabasePath()

	return c, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase:   true,
		PostgresDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}
	if c.DatabaseType == PostgresDatabase && c.PostgresDSN == "" {
		return fmt.Errorf("postgres database requires WORKSTATS_POSTGRES_DSN")
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if c.LookupChunkSize <= 0 || c.WriteBatchSize <= 0 || c.RollupBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.ChannelConcurrency <= 0 || c.LookupConcurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if len(c.TraceWorksAliases) == 0 {
		return fmt.Errorf("at least one trace works alias is required")
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// Location returns the reference timezone. validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort implements cartridge.Config. The batch binaries serve no HTTP.
func (c *Config) GetPort() string {
	return ""
}

// GetPublicDirectory implements cartridge.Config.
func (c *Config) GetPublicDirectory() string {
	return ""
}

// GetAssetsPrefix implements cartridge.Config.
func (c *Config) GetAssetsPrefix() string {
	return ""
}

// GetAppName returns the application name (implements cartridge.LogConfigProvider).
func (c *Config) GetAppName() string {
	return c.AppName
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (lookup chunks and channels run concurrently)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// DeviceCacheTTL returns the device cache TTL as a duration.
func (c *Config) DeviceCacheTTL() time.Duration {
	return time.Duration(c.DeviceCacheTTLSeconds) * time.Second
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
