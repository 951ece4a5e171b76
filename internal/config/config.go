// Package config loads hardensim settings from a TOML file, HARDENSIM_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = LogLevelWarning
	DefaultEnvPrefix = "HARDENSIM"
	configName       = "hardensim"
	configType       = "toml"
)

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"debug":            "debug",
	"verbose":          "verbose",
	"log-level":        "log_level",
	"database":         "database",
	"listen":           "listen",
	"seed":             "simulation.seed",
	"tick-interval":    "simulation.tick_interval",
	"priority2-policy": "simulation.priority2_policy",
	"bands":            "simulation.bands_file",
	"rows":             "batch.target_rows",
	"anomaly-rate":     "batch.anomaly_rate",
	"flush-rows":       "batch.flush_rows",
}

// Config is the resolved configuration.
type Config struct {
	LogLevel LogLevel
	Debug    bool
	Verbose  bool
	Database string
	Listen   string

	Simulation Simulation
	Batch      Batch
	Stream     Stream

	// File is the configuration file that was read, if any.
	File string
}

// Simulation configures the machine.
type Simulation struct {
	TickInterval     time.Duration
	Seed             int64
	Epoch            time.Time
	Priority2Policy  classifier.Priority2Policy
	QualityStopLimit int
	BandsFile        string
}

// Batch configures batch runs.
type Batch struct {
	TargetRows   int
	AnomalyRate  float64
	FlushRows    int
	ResponseTime time.Duration
	Budget       time.Duration
}

// Stream configures the websocket status stream.
type Stream struct {
	Interval time.Duration
}

// Loader resolves configuration and watches its file.
type Loader struct {
	v    *viper.Viper
	opts options
}

// NewLoader prepares a loader. Nothing is read until Load.
func NewLoader(opts ...Option) (*Loader, error) {
	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.flags != nil {
		for name, key := range FlagKeys {
			f := o.flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.New().WithData(errors.ErrBindFlags, struct {
					Flag  string
					Error string
				}{
					Flag:  name,
					Error: err.Error(),
				})
			}
		}
	}

	return &Loader{v: v, opts: o}, nil
}

// Load is a shorthand for NewLoader followed by Loader.Load.
func Load(opts ...Option) (*Config, error) {
	l, err := NewLoader(opts...)
	if err != nil {
		return nil, err
	}

	return l.Load()
}

// Load reads the configuration file, if any, and resolves every key.
func (l *Loader) Load() (*Config, error) {
	explicit := l.opts.configPath
	if explicit == "" {
		explicit = os.Getenv(l.opts.envPrefix + "_CONFIG")
	}

	if explicit != "" {
		l.v.SetConfigFile(explicit)
		l.v.SetConfigType(configType)
	} else {
		l.v.SetConfigName(configName)
		l.v.SetConfigType(configType)
		l.v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(dir, configName))
		}
		l.v.AddConfigPath("/etc/" + configName)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, errors.New().WithData(errors.ErrReadConfig, struct {
				Path  string
				Error string
			}{
				Path:  explicit,
				Error: err.Error(),
			})
		}
	}

	return l.decode()
}

// Watch calls onChange with the re-resolved configuration whenever the
// configuration file changes. Invalid edits are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Configuration reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("database", "hardensim.db")
	v.SetDefault("listen", ":8080")

	v.SetDefault("simulation.tick_interval", "1s")
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.epoch", "2025-01-01T06:00:00Z")
	v.SetDefault("simulation.priority2_policy", string(classifier.AtCycleBoundary))
	v.SetDefault("simulation.quality_stop_limit", classifier.DefaultQualityStopLimit)
	v.SetDefault("simulation.bands_file", "")

	v.SetDefault("batch.target_rows", 50000)
	v.SetDefault("batch.anomaly_rate", 0.10)
	v.SetDefault("batch.flush_rows", 1000)
	v.SetDefault("batch.response_time", "5m")
	v.SetDefault("batch.budget", "10s")

	v.SetDefault("stream.interval", "500ms")
}

func (l *Loader) decode() (*Config, error) {
	v := l.v

	cfg := &Config{
		LogLevel: LogLevel(strings.ToLower(v.GetString("log_level"))),
		Debug:    v.GetBool("debug"),
		Verbose:  v.GetBool("verbose"),
		Database: v.GetString("database"),
		Listen:   v.GetString("listen"),
		Simulation: Simulation{
			TickInterval:     v.GetDuration("simulation.tick_interval"),
			Seed:             v.GetInt64("simulation.seed"),
			QualityStopLimit: v.GetInt("simulation.quality_stop_limit"),
			BandsFile:        v.GetString("simulation.bands_file"),
		},
		Batch: Batch{
			TargetRows:   v.GetInt("batch.target_rows"),
			AnomalyRate:  v.GetFloat64("batch.anomaly_rate"),
			FlushRows:    v.GetInt("batch.flush_rows"),
			ResponseTime: v.GetDuration("batch.response_time"),
			Budget:       v.GetDuration("batch.budget"),
		},
		Stream: Stream{
			Interval: v.GetDuration("stream.interval"),
		},
		File: v.ConfigFileUsed(),
	}

	epoch, err := parseEpoch(v.Get("simulation.epoch"))
	if err != nil {
		return nil, err
	}
	cfg.Simulation.Epoch = epoch

	policy, err := classifier.ParsePriority2Policy(v.GetString("simulation.priority2_policy"))
	if err != nil {
		return nil, err
	}
	cfg.Simulation.Priority2Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseEpoch(raw any) (time.Time, error) {
	switch e := raw.(type) {
	case time.Time:
		return e.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, e)
		if err != nil {
			return time.Time{}, invalid("simulation.epoch", e, "must be RFC 3339")
		}
		return t.UTC(), nil
	default:
		return time.Time{}, invalid("simulation.epoch", raw, "must be RFC 3339")
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case !c.LogLevel.IsValid():
		return errors.New().WithData(errors.ErrInvalidLogLevel, struct{ Value string }{string(c.LogLevel)})
	case c.Database == "":
		return invalid("database", c.Database, "must not be empty")
	case c.Simulation.TickInterval <= 0:
		return errors.New().WithData(errors.ErrInvalidInterval, struct{ Value string }{c.Simulation.TickInterval.String()})
	case c.Simulation.QualityStopLimit <= 0:
		return invalid("simulation.quality_stop_limit", c.Simulation.QualityStopLimit, "must be positive")
	case c.Batch.TargetRows <= 0:
		return invalid("batch.target_rows", c.Batch.TargetRows, "must be positive")
	case c.Batch.AnomalyRate < 0 || c.Batch.AnomalyRate > 1:
		return invalid("batch.anomaly_rate", c.Batch.AnomalyRate, "must be within [0, 1]")
	case c.Batch.FlushRows <= 0:
		return invalid("batch.flush_rows", c.Batch.FlushRows, "must be positive")
	case c.Batch.ResponseTime < 0:
		return invalid("batch.response_time", c.Batch.ResponseTime, "must not be negative")
	case c.Batch.Budget <= 0:
		return invalid("batch.budget", c.Batch.Budget, "must be positive")
	case c.Stream.Interval <= 0:
		return errors.New().WithData(errors.ErrInvalidInterval, struct{ Value string }{c.Stream.Interval.String()})
	}

	return nil
}

func invalid(field string, value any, reason string) error {
	return errors.New().WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("%s %v: %s", field, value, reason))
}
