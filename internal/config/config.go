// Package config loads and validates orchestrator configuration from a yaml
// file plus LIFECYCLE_-prefixed environment overrides. Family settings
// layer per-family overrides on top of system-wide defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Training  TrainingConfig  `mapstructure:"training" yaml:"training"`
	Defaults  FamilySettings  `mapstructure:"defaults" yaml:"defaults"`
	Families  []FamilyConfig  `mapstructure:"families" yaml:"families" validate:"dive"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DatabaseConfig configures the postgres store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig configures the optional observation cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// KafkaConfig configures the notification sink. With no brokers the
// orchestrator falls back to log-only notifications.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// TelemetryConfig configures the metrics/health listener and tracing.
type TelemetryConfig struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	TraceStdout bool   `mapstructure:"trace_stdout" yaml:"trace_stdout"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// SchedulerConfig configures the periodic evaluation cycle.
type SchedulerConfig struct {
	// CronSpec is a standard 5-field cron expression.
	CronSpec    string `mapstructure:"cron_spec" yaml:"cron_spec" validate:"required"`
	EvalWorkers int    `mapstructure:"eval_workers" yaml:"eval_workers"`
}

// TrainingConfig tunes the training job manager.
type TrainingConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	CancelGrace  time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
}

// FamilySettings are the per-family thresholds, used both as system-wide
// defaults and as per-family overrides.
type FamilySettings struct {
	DriftThreshold      float64       `mapstructure:"drift_threshold" yaml:"drift_threshold" validate:"gte=0,lte=1"`
	AutoDeployThreshold float64       `mapstructure:"auto_deploy_threshold" yaml:"auto_deploy_threshold" validate:"gte=0,lte=1"`
	RegressionTolerance float64       `mapstructure:"regression_tolerance" yaml:"regression_tolerance" validate:"gte=0,lte=1"`
	MinQualityFloor     float64       `mapstructure:"min_quality_floor" yaml:"min_quality_floor" validate:"gte=0,lte=1"`
	MinTrainingSamples  int           `mapstructure:"min_training_samples" yaml:"min_training_samples" validate:"gte=1"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	ScheduleInterval    time.Duration `mapstructure:"schedule_interval" yaml:"schedule_interval"`
	LookbackWindow      time.Duration `mapstructure:"lookback_window" yaml:"lookback_window"`
}

// FamilyConfig declares one model family. Zero-valued settings inherit the
// system-wide defaults.
type FamilyConfig struct {
	Name     string         `mapstructure:"name" yaml:"name" validate:"required"`
	Settings FamilySettings `mapstructure:"settings" yaml:"settings"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIFECYCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ResolvedSettings layers a family's overrides over the defaults.
func (c *Config) ResolvedSettings(fc FamilyConfig) FamilySettings {
	out := c.Defaults
	s := fc.Settings
	if s.DriftThreshold > 0 {
		out.DriftThreshold = s.DriftThreshold
	}
	if s.AutoDeployThreshold > 0 {
		out.AutoDeployThreshold = s.AutoDeployThreshold
	}
	if s.RegressionTolerance > 0 {
		out.RegressionTolerance = s.RegressionTolerance
	}
	if s.MinQualityFloor > 0 {
		out.MinQualityFloor = s.MinQualityFloor
	}
	if s.MinTrainingSamples > 0 {
		out.MinTrainingSamples = s.MinTrainingSamples
	}
	if s.MaxRetries > 0 {
		out.MaxRetries = s.MaxRetries
	}
	if s.ScheduleInterval > 0 {
		out.ScheduleInterval = s.ScheduleInterval
	}
	if s.LookbackWindow > 0 {
		out.LookbackWindow = s.LookbackWindow
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("kafka.topic", "lifecycle-events")
	v.SetDefault("telemetry.listen_addr", ":9090")
	v.SetDefault("telemetry.service_name", "lifecycled")
	v.SetDefault("scheduler.cron_spec", "*/15 * * * *")
	v.SetDefault("scheduler.eval_workers", 4)
	v.SetDefault("training.poll_interval", 15*time.Second)
	v.SetDefault("training.backoff_base", 30*time.Second)
	v.SetDefault("training.backoff_max", 15*time.Minute)
	v.SetDefault("training.cancel_grace", 10*time.Second)
	v.SetDefault("defaults.drift_threshold", 0.03)
	v.SetDefault("defaults.auto_deploy_threshold", 0.02)
	v.SetDefault("defaults.regression_tolerance", 0.01)
	v.SetDefault("defaults.min_quality_floor", 0.5)
	v.SetDefault("defaults.min_training_samples", 10)
	v.SetDefault("defaults.max_retries", 3)
	v.SetDefault("defaults.schedule_interval", 7*24*time.Hour)
	v.SetDefault("defaults.lookback_window", 7*24*time.Hour)
}
