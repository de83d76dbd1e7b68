// Package config loads yamsd's runtime configuration via viper:
// defaults, then an optional config file, then YAMSD_-prefixed
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/campinsights/yamsd/internal/protocol"
)

// Config holds all runtime configuration for the daemon.
type Config struct {
	FIFO    FIFOConfig    `mapstructure:"fifo"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FIFOConfig controls where the server and per-client named pipes
// live.
type FIFOConfig struct {
	Dir string `mapstructure:"dir"`
}

// DaemonConfig controls the sizing and admission behavior of the
// core protocol state machine.
type DaemonConfig struct {
	// ListSize is the spec's LIST_SIZE: the client table size and
	// mailbox bucket count.
	ListSize int `mapstructure:"list_size"`

	// MaxBadRequests is how many non-CONNECT requests the daemon
	// tolerates while LISTENING before exiting with status -1.
	MaxBadRequests int `mapstructure:"max_bad_requests"`

	// ErrorLogInterval/ErrorLogBurst throttle repeated log lines for
	// failed transactions while serving; one limiter is shared by all
	// clients.
	ErrorLogInterval time.Duration `mapstructure:"error_log_interval"`
	ErrorLogBurst    int           `mapstructure:"error_log_burst"`

	// ProcSampleInterval controls how often internal/procinfo samples
	// the daemon's own resource usage for the metrics gauges.
	ProcSampleInterval time.Duration `mapstructure:"proc_sample_interval"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an
// optional config file, falling back to the spec's defaults (a
// LIST_SIZE of 64, a bad-request ceiling of 10).
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("fifo.dir", ".")

	v.SetDefault("daemon.list_size", protocol.DefaultListSize)
	v.SetDefault("daemon.max_bad_requests", protocol.DefaultMaxBadRequests)
	v.SetDefault("daemon.error_log_interval", 5*time.Second)
	v.SetDefault("daemon.error_log_burst", 1)
	v.SetDefault("daemon.proc_sample_interval", 15*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("yamsd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("YAMSD")
	v.AutomaticEnv()

	// Optional config file; absence is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Daemon.ListSize <= 0 {
		cfg.Daemon.ListSize = protocol.DefaultListSize
	}
	if cfg.Daemon.MaxBadRequests <= 0 {
		cfg.Daemon.MaxBadRequests = protocol.DefaultMaxBadRequests
	}

	return cfg, nil
}
