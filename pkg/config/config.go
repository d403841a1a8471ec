// Package config loads the pipeline configuration from defaults, an optional
// YAML file, KPIETL_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/clickhouse"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/destination"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/extract"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/redis"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/retry"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: KPIETL_SOURCE__HOST sets source.host.
const EnvPrefix = "KPIETL_"

type Config struct {
	Log          LogConfig           `koanf:"log"`
	Source       source.Config       `koanf:"source"`
	Destination  destination.Config  `koanf:"destination"`
	Checkpoint   CheckpointConfig    `koanf:"checkpoint"`
	Reference    ReferenceConfig     `koanf:"reference"`
	Classifier   ClassifierConfig    `koanf:"classifier"`
	Extract      extract.Config      `koanf:"extract"`
	Retry        RetryConfig         `koanf:"retry"`
	KPI          KPIConfig           `koanf:"kpi"`
	Redis        RedisConfig         `koanf:"redis"`
	ClickHouse   ClickHouseConfig    `koanf:"clickhouse"`
	Schedule     ScheduleConfig      `koanf:"schedule"`
	Status       StatusConfig        `koanf:"status"`
	Orchestrator orchestrator.Config `koanf:"orchestrator"`
}

type LogConfig struct {
	Level    string `koanf:"level"`
	Encoding string `koanf:"encoding"`
}

// CheckpointConfig selects the checkpoint store: memory, sqlite or postgres.
type CheckpointConfig struct {
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	PostgresURL string `koanf:"postgres_url"`
}

type ReferenceConfig struct {
	Dir string `koanf:"dir"`
}

// ClassifierConfig overrides the table families with cadence -> pattern
// entries. The first capture group of a pattern is the node prefix.
type ClassifierConfig struct {
	MinYear  int               `koanf:"min_year"`
	Families map[string]string `koanf:"families"`
}

// Compile returns the configured families, or the built-in ones.
func (c ClassifierConfig) Compile() ([]classify.Family, error) {
	if len(c.Families) == 0 {
		return classify.DefaultFamilies(), nil
	}
	return classify.CompileFamilies(c.Families)
}

// RetryConfig is the fetch retry policy.
type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	Jitter       bool          `koanf:"jitter"`
}

func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		Multiplier:    r.Multiplier,
		JitterEnabled: r.Jitter,
	}
}

// KPIConfig points at an optional YAML formula catalog replacing the
// built-in one.
type KPIConfig struct {
	Catalog string `koanf:"catalog"`
}

// RedisConfig enables publishing extracted rows on Redis streams.
type RedisConfig struct {
	redis.Config `koanf:",squash"`

	Enabled      bool   `koanf:"enabled"`
	StreamPrefix string `koanf:"stream_prefix"`
	SourceName   string `koanf:"source_name"`
}

// ClickHouseConfig enables archiving extracted rows in ClickHouse.
type ClickHouseConfig struct {
	clickhouse.Config `koanf:",squash"`

	Enabled bool `koanf:"enabled"`
}

// ScheduleConfig drives serve mode. Spec accepts cron expressions and
// "@every <duration>".
type ScheduleConfig struct {
	Spec       string        `koanf:"spec"`
	RunTimeout time.Duration `koanf:"run_timeout"`
}

type StatusConfig struct {
	Addr string `koanf:"addr"`
}

func defaults() map[string]any {
	fetch := retry.FetchConfig()
	return map[string]any{
		"log.level":    "info",
		"log.encoding": "json",

		"source.port":              3306,
		"source.max_open_conns":    10,
		"source.conn_max_lifetime": time.Hour,

		"destination.driver":         "mysql",
		"destination.mysql.port":     3306,
		"destination.staging_prefix": "",
		"destination.write_timeout":  2 * time.Minute,

		"checkpoint.driver": "sqlite",
		"checkpoint.path":   "state/checkpoints.db",

		"reference.dir": "reference",

		"classifier.min_year": 2024,

		"extract.batch_size":    extract.DefaultBatchSize,
		"extract.fetch_timeout": time.Minute,
		"extract.count_timeout": 30 * time.Second,

		"retry.max_retries":   fetch.MaxRetries,
		"retry.initial_delay": fetch.InitialDelay,
		"retry.max_delay":     fetch.MaxDelay,
		"retry.multiplier":    fetch.Multiplier,
		"retry.jitter":        fetch.JitterEnabled,

		"redis.enabled":        false,
		"redis.addr":           "localhost:6379",
		"redis.stream_max_len": redis.DefaultStreamMaxLen,
		"redis.source_name":    "mysql",

		"clickhouse.enabled":       false,
		"clickhouse.addr":          "clickhouse://localhost:9000",
		"clickhouse.database":      "kpietl",
		"clickhouse.conn_strategy": "round_robin",

		"schedule.spec":        "@every 30s",
		"schedule.run_timeout": time.Duration(0),

		"status.addr": ":9102",

		"orchestrator.parallelism":     1,
		"orchestrator.max_resnapshots": 3,
		"orchestrator.list_dir":        "lists",
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-encoding":    "log.encoding",
	"parallelism":     "orchestrator.parallelism",
	"batch-size":      "extract.batch_size",
	"reference-dir":   "reference.dir",
	"list-dir":        "orchestrator.list_dir",
	"checkpoint-path": "checkpoint.path",
	"status-addr":     "status.addr",
	"schedule":        "schedule.spec",
}

// Load merges defaults, the YAML file at path (if any), the environment and
// the explicitly set flags, in increasing precedence.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Extract.Retry = cfg.Retry.Policy()
	return &cfg, nil
}

// envKey turns KPIETL_SOURCE__MAX_OPEN_CONNS into source.max_open_conns.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}

// Validate reports every configuration fault at once. These are the only
// faults that stop the process before any table is read.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source.DSN == "" && (c.Source.Host == "" || c.Source.Database == "") {
		add("source: dsn or host and database are required")
	}

	switch c.Destination.Driver {
	case "mysql":
		if c.Destination.MySQL.DSN == "" && (c.Destination.MySQL.Host == "" || c.Destination.MySQL.Database == "") {
			add("destination.mysql: dsn or host and database are required")
		}
	case "postgres":
		if c.Destination.PostgresURL == "" {
			add("destination.postgres_url is required for the postgres driver")
		}
	default:
		add("destination.driver: unknown driver %q", c.Destination.Driver)
	}

	switch c.Checkpoint.Driver {
	case "memory":
	case "sqlite":
		if c.Checkpoint.Path == "" {
			add("checkpoint.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Checkpoint.PostgresURL == "" {
			add("checkpoint.postgres_url is required for the postgres driver")
		}
	default:
		add("checkpoint.driver: unknown driver %q", c.Checkpoint.Driver)
	}

	if c.Reference.Dir == "" {
		add("reference.dir is required")
	}
	if _, err := c.Classifier.Compile(); err != nil {
		add("classifier.families: %w", err)
	}
	if c.Extract.BatchSize <= 0 {
		add("extract.batch_size must be positive, got %d", c.Extract.BatchSize)
	}
	if c.Retry.MaxRetries < 1 {
		add("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Orchestrator.Parallelism < 1 {
		add("orchestrator.parallelism must be at least 1, got %d", c.Orchestrator.Parallelism)
	}
	if c.Orchestrator.MaxResnapshots < 0 {
		add("orchestrator.max_resnapshots must not be negative")
	}
	if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
		add("schedule.spec %q: %w", c.Schedule.Spec, err)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Addr == "" {
		add("clickhouse.addr is required when clickhouse is enabled")
	}

	return errors.Join(errs...)
}
