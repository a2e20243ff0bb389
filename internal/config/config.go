// Package config loads valence configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
)

const (
	defaultListenAddr        = ":8181"
	defaultNATSSubjectPrefix = "chamicore.valence"
	defaultNATSStream        = "CHAMICORE_VALENCE"
	defaultHTTPTimeout       = 30 * time.Second
	defaultRollbackTimeout   = 30 * time.Second
	defaultSyncInterval      = 5 * time.Minute
	defaultStatusInterval    = 1 * time.Minute
	defaultWorkerPoolSize    = 10
	defaultShutdownTimeout   = 30 * time.Second
	defaultEnabledDrivers    = "redfishv1,expether"
)

// Config holds service configuration values.
type Config struct {
	ListenAddr string
	// DBDSN selects the Postgres datastore. Empty selects the in-memory
	// datastore, which is only accepted in dev mode.
	DBDSN    string
	LogLevel string

	DevMode        bool
	MetricsEnabled bool
	TracesEnabled  bool

	NATSURL           string
	NATSSubjectPrefix string
	NATSStream        string

	HTTPTimeout        time.Duration
	RollbackTimeout    time.Duration
	InsecureSkipVerify bool
	PodmRequestRate    float64
	PodmRequestBurst   int
	EnabledDrivers     []driver.Kind

	SyncInterval    time.Duration
	SyncOnStartup   bool
	StatusInterval  time.Duration
	WorkerPoolSize  int
	ShutdownTimeout time.Duration

	BootstrapFile string
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         envOrDefault("VALENCE_LISTEN_ADDR", defaultListenAddr),
		DBDSN:              strings.TrimSpace(os.Getenv("VALENCE_DB_DSN")),
		LogLevel:           strings.ToLower(envOrDefault("VALENCE_LOG_LEVEL", "info")),
		DevMode:            envBool("VALENCE_DEV_MODE", false),
		MetricsEnabled:     envBool("VALENCE_METRICS_ENABLED", true),
		TracesEnabled:      envBool("VALENCE_TRACES_ENABLED", false),
		NATSURL:            strings.TrimSpace(os.Getenv("VALENCE_NATS_URL")),
		NATSSubjectPrefix:  strings.Trim(strings.TrimSpace(envOrDefault("VALENCE_NATS_SUBJECT_PREFIX", defaultNATSSubjectPrefix)), "."),
		NATSStream:         strings.TrimSpace(envOrDefault("VALENCE_NATS_STREAM", defaultNATSStream)),
		HTTPTimeout:        envPositiveDuration("VALENCE_PODM_HTTP_TIMEOUT", defaultHTTPTimeout),
		RollbackTimeout:    envPositiveDuration("VALENCE_ROLLBACK_TIMEOUT", defaultRollbackTimeout),
		InsecureSkipVerify: envBool("VALENCE_PODM_INSECURE_SKIP_VERIFY", false),
		PodmRequestRate:    envPositiveFloat("VALENCE_PODM_REQUEST_RATE", 0),
		PodmRequestBurst:   envPositiveInt("VALENCE_PODM_REQUEST_BURST", 1),
		SyncInterval:       envPositiveDuration("VALENCE_SYNC_INTERVAL", defaultSyncInterval),
		SyncOnStartup:      envBool("VALENCE_SYNC_ON_STARTUP", true),
		StatusInterval:     envPositiveDuration("VALENCE_STATUS_INTERVAL", defaultStatusInterval),
		WorkerPoolSize:     envPositiveInt("VALENCE_WORKER_POOL_SIZE", defaultWorkerPoolSize),
		ShutdownTimeout:    envPositiveDuration("VALENCE_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		BootstrapFile:      strings.TrimSpace(os.Getenv("VALENCE_BOOTSTRAP_FILE")),
	}

	if cfg.NATSSubjectPrefix == "" {
		cfg.NATSSubjectPrefix = defaultNATSSubjectPrefix
	}
	if cfg.NATSStream == "" {
		cfg.NATSStream = defaultNATSStream
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("VALENCE_LOG_LEVEL %q is not a log level", cfg.LogLevel)
	}
	if cfg.DBDSN == "" && !cfg.DevMode {
		return Config{}, fmt.Errorf("VALENCE_DB_DSN is required unless VALENCE_DEV_MODE is set")
	}

	drivers, err := parseDrivers(envOrDefault("VALENCE_ENABLED_DRIVERS", defaultEnabledDrivers))
	if err != nil {
		return Config{}, err
	}
	cfg.EnabledDrivers = drivers

	return cfg, nil
}

// HTTP returns the outbound pod manager client settings.
func (c Config) HTTP(userAgent string) driver.HTTPConfig {
	return driver.HTTPConfig{
		Timeout:            c.HTTPTimeout,
		InsecureSkipVerify: c.InsecureSkipVerify,
		RequestsPerSecond:  c.PodmRequestRate,
		Burst:              c.PodmRequestBurst,
		UserAgent:          userAgent,
	}
}

// parseDrivers rejects unknown names at load time.
func parseDrivers(raw string) ([]driver.Kind, error) {
	seen := make(map[driver.Kind]struct{})
	kinds := make([]driver.Kind, 0, 2)
	for _, name := range strings.Split(raw, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		kind, err := driver.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("VALENCE_ENABLED_DRIVERS: unknown driver %q", strings.TrimSpace(name))
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("VALENCE_ENABLED_DRIVERS must name at least one driver")
	}
	return kinds, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return b
}

func envPositiveInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envPositiveFloat(key string, defaultVal float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}
