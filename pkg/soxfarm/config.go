package soxfarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for soxfarm. It is read once at startup by
// LoadConfig and is treated as immutable for the lifetime of the process —
// no component mutates it or watches it for changes.
type Config struct {
	Pool         PoolConfig         `mapstructure:"pool"`
	Worker       WorkerBinaryConfig `mapstructure:"worker"`
	ExitNodes    ExitNodeConfig     `mapstructure:"exit_nodes"`
	Health       HealthConfig       `mapstructure:"health"`
	Frontend     FrontendConfig     `mapstructure:"frontend"`
	BackendPool  BackendPoolConfig  `mapstructure:"backend_pool"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Admin        AdminConfig        `mapstructure:"admin"`
	RelayRefresh RelayRefreshConfig `mapstructure:"relay_refresh"`
}

// PoolConfig defines worker-pool sizing and port-allocation settings.
type PoolConfig struct {
	WorkerCount int `mapstructure:"worker_count"`
	BasePort    int `mapstructure:"base_port"`
	MaxPort     int `mapstructure:"max_port"`
	StartBatch  int `mapstructure:"start_batch"`
}

// WorkerBinaryConfig defines how to invoke and supervise each worker process.
type WorkerBinaryConfig struct {
	BinaryPath     string        `mapstructure:"binary_path"`
	DataRoot       string        `mapstructure:"data_root"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
	Restart        RestartConfig `mapstructure:"restart"`
}

// RestartConfig defines the restart/backoff/quarantine policy for a worker
// that fails to start or is reported unhealthy.
type RestartConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	InitialBackoff         time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
}

// ExitNodeConfig defines exit-relay fetching and distribution settings.
type ExitNodeConfig struct {
	DirectoryURL  string        `mapstructure:"directory_url"`
	PerWorker     int           `mapstructure:"per_worker"`
	Max           int           `mapstructure:"max"`
	Countries     []string      `mapstructure:"countries"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// HealthConfig defines the background end-to-end probe settings.
type HealthConfig struct {
	CheckURL           string        `mapstructure:"check_url"`
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	FanOut             int           `mapstructure:"fan_out"`
}

// FrontendConfig defines the client-facing HTTP proxy listener.
type FrontendConfig struct {
	Listen        string `mapstructure:"listen"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
}

// BackendPoolConfig defines ProxyBackendPool selection/cooldown policy.
type BackendPoolConfig struct {
	CooldownDuration     time.Duration `mapstructure:"cooldown_duration"`
	ProbeAnyOnExhaustion bool          `mapstructure:"probe_any_on_exhaustion"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// AdminConfig defines the read-only stats/health API settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// RelayRefreshConfig defines the optional periodic exit-relay refresh job.
type RelayRefreshConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/soxfarm")
	}

	v.SetEnvPrefix("SOXFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Duration fields are authored in the config file as plain seconds or
	// milliseconds; convert them the way the raw ints were read.
	cfg.Worker.StartupTimeout *= time.Second
	cfg.Worker.StopGrace *= time.Second
	cfg.Worker.Restart.InitialBackoff *= time.Millisecond
	cfg.Worker.Restart.MaxBackoff *= time.Millisecond
	cfg.ExitNodes.FetchTimeout *= time.Second
	cfg.Health.Interval *= time.Second
	cfg.Health.Timeout *= time.Second
	cfg.BackendPool.CooldownDuration *= time.Second

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks a Config for the invariants PortAllocator and the pool
// depend on, returning a ConfigError describing the first violation found.
func Validate(cfg *Config) error {
	if cfg.Pool.WorkerCount < 1 || cfg.Pool.WorkerCount > 400 {
		return newConfigError(fmt.Sprintf("worker_count must be between 1 and 400, got %d", cfg.Pool.WorkerCount))
	}
	if cfg.Worker.BinaryPath == "" {
		return newConfigError("worker.binary_path must be set")
	}
	required := 2 * cfg.Pool.WorkerCount
	if cfg.Pool.BasePort+required-1 > cfg.Pool.MaxPort {
		return newConfigError(fmt.Sprintf(
			"port range [%d,%d] too small for %d workers (needs %d ports)",
			cfg.Pool.BasePort, cfg.Pool.MaxPort, cfg.Pool.WorkerCount, required))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.worker_count", 4)
	v.SetDefault("pool.base_port", 20000)
	v.SetDefault("pool.max_port", 30000)
	v.SetDefault("pool.start_batch", 20)

	v.SetDefault("worker.binary_path", "/usr/sbin/tor")
	v.SetDefault("worker.data_root", "/var/lib/soxfarm/workers")
	v.SetDefault("worker.startup_timeout", 30)
	v.SetDefault("worker.stop_grace", 5)
	v.SetDefault("worker.restart.max_consecutive_failures", 5)
	v.SetDefault("worker.restart.initial_backoff", 1000)
	v.SetDefault("worker.restart.max_backoff", 5000)

	v.SetDefault("exit_nodes.per_worker", 0)
	v.SetDefault("exit_nodes.max", 0)
	v.SetDefault("exit_nodes.fetch_timeout", 15)

	v.SetDefault("health.interval", 30)
	v.SetDefault("health.timeout", 5)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.fan_out", 20)

	v.SetDefault("frontend.listen", "127.0.0.1:8080")
	v.SetDefault("frontend.retry_attempts", 3)

	v.SetDefault("backend_pool.cooldown_duration", 30)
	v.SetDefault("backend_pool.probe_any_on_exhaustion", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:9091")

	v.SetDefault("relay_refresh.enabled", false)
	v.SetDefault("relay_refresh.cron", "@every 1h")
}
