package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8099"
	defaultDBDSN           = "/data/device_intake.db"
	defaultStagingDir      = "/data/staging"
	defaultArchiveDir      = "/data/archive"
	defaultBuildListDir    = "/data/buildlists"
	defaultRequiredScope   = "intake:admin"
	defaultScheduleTimeout = 30 * time.Minute
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel slog.Level
	DBDSN    string

	Remote   RemoteConfig
	Watch    WatchConfig
	Batch    BatchConfig
	Engine   EngineConfig
	Registry RegistryConfig
	API      APIConfig
}

type RemoteConfig struct {
	URL              string
	Username         string
	Password         string
	KnownHostsPath   string
	Dir              string
	ConnectRetries   int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

type WatchConfig struct {
	Interval            time.Duration
	Patterns            []string
	InTransitExt        string
	DeleteAfterDownload bool
	DownloadAttempts    int
	RetryDelay          time.Duration
	FailureBackoff      time.Duration
	StagingDir          string
	ArchiveDir          string
}

type BatchConfig struct {
	Delimiter        string
	DeviceTypePaired string
}

type EngineConfig struct {
	LocationField              string
	ManufacturerStockHandlerID int64
	DefaultSmartCardModel      string
	BuildListDir               string
	MaxWorkers                 int
	DrainTimeout               time.Duration
	SchedulePollInterval       time.Duration
	AddTimeout                 time.Duration
	PerformTimeout             time.Duration
}

type RegistryConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type APIConfig struct {
	JWKSURL       string
	RequiredScope string
}

// AuthEnabled reports whether /api requires a bearer token.
func (c APIConfig) AuthEnabled() bool {
	return c.JWKSURL != ""
}

// ValidationError lists the settings that are missing or unusable.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(e.Fields, ", ")
}

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", defaultHTTPAddr),
		LogLevel: parseLogLevel(getenv("LOG_LEVEL", "info")),
		DBDSN:    getenv("DB_DSN", defaultDBDSN),
		Remote: RemoteConfig{
			URL:              getenv("REMOTE_URL", ""),
			Username:         getenv("REMOTE_USERNAME", ""),
			Password:         os.Getenv("REMOTE_PASSWORD"),
			KnownHostsPath:   getenv("REMOTE_KNOWN_HOSTS", ""),
			Dir:              getenv("REMOTE_DIR", "/"),
			ConnectRetries:   parseInt("REMOTE_CONNECT_RETRIES", 3),
			ConnectTimeout:   parseDuration("REMOTE_CONNECT_TIMEOUT", 15*time.Second),
			OperationTimeout: parseDuration("REMOTE_OPERATION_TIMEOUT", 60*time.Second),
		},
		Watch: WatchConfig{
			Interval:            parseDuration("WATCH_INTERVAL", 30*time.Second),
			Patterns:            parseList("WATCH_PATTERNS", []string{"*.new"}),
			InTransitExt:        getenv("WATCH_IN_TRANSIT_EXT", ".process"),
			DeleteAfterDownload: parseBool("WATCH_DELETE_AFTER_DOWNLOAD", false),
			DownloadAttempts:    parseInt("WATCH_DOWNLOAD_ATTEMPTS", 3),
			RetryDelay:          parseDuration("WATCH_RETRY_DELAY", 3*time.Second),
			FailureBackoff:      parseDuration("WATCH_FAILURE_BACKOFF", 30*time.Second),
			StagingDir:          getenv("STAGING_DIR", defaultStagingDir),
			ArchiveDir:          getenv("ARCHIVE_DIR", defaultArchiveDir),
		},
		Batch: BatchConfig{
			Delimiter:        getenv("RECORD_DELIMITER", "|"),
			DeviceTypePaired: getenv("DEVICE_TYPE_PAIRED", ""),
		},
		Engine: EngineConfig{
			LocationField:              getenv("LOCATION_ID_CUSTOM_FIELD", ""),
			ManufacturerStockHandlerID: int64(parseInt("MANUFACTURER_STOCK_HANDLER_ID", 0)),
			DefaultSmartCardModel:      getenv("DEFAULT_SMART_CARD_MODEL", ""),
			BuildListDir:               getenv("BUILD_LIST_DIR", defaultBuildListDir),
			MaxWorkers:                 parseInt("MAX_WORKERS", 5),
			DrainTimeout:               parseDuration("DRAIN_TIMEOUT", 5*time.Minute),
			SchedulePollInterval:       parseDuration("SCHEDULE_POLL_INTERVAL", 10*time.Second),
			AddTimeout:                 parseDuration("SCHEDULE_ADD_TIMEOUT", defaultScheduleTimeout),
			PerformTimeout:             parseDuration("SCHEDULE_PERFORM_TIMEOUT", defaultScheduleTimeout),
		},
		Registry: RegistryConfig{
			URL:     getenv("REGISTRY_URL", ""),
			Token:   os.Getenv("REGISTRY_TOKEN"),
			Timeout: parseDuration("REGISTRY_TIMEOUT", 30*time.Second),
		},
		API: APIConfig{
			JWKSURL:       getenv("API_JWKS_URL", ""),
			RequiredScope: getenv("API_REQUIRED_SCOPE", defaultRequiredScope),
		},
	}
}

// Validate reports every required setting that is missing.
func (c Config) Validate() error {
	var fields []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			fields = append(fields, key)
		}
	}
	require("REMOTE_URL", c.Remote.URL)
	require("REGISTRY_URL", c.Registry.URL)
	require("DEVICE_TYPE_PAIRED", c.Batch.DeviceTypePaired)
	require("LOCATION_ID_CUSTOM_FIELD", c.Engine.LocationField)
	require("DEFAULT_SMART_CARD_MODEL", c.Engine.DefaultSmartCardModel)
	if c.Engine.ManufacturerStockHandlerID <= 0 {
		fields = append(fields, "MANUFACTURER_STOCK_HANDLER_ID")
	}
	if len([]rune(c.Batch.Delimiter)) != 1 {
		fields = append(fields, "RECORD_DELIMITER")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

// parseList splits a comma separated value, dropping empty items.
func parseList(key string, fallback []string) []string {
	raw := getenv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
