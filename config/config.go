// Package config loads engine configuration from YAML with layered
// defaults. Values merge in order: hardcoded defaults, then the config
// file (when present). The merged result is validated before use.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/queue"
)

var validate = validator.New()

// File is the top-level configuration document.
type File struct {
	Engine EngineConfig  `koanf:"engine"`
	Redis  RedisConfig   `koanf:"redis"`
	Log    LogConfig     `koanf:"log"`
	Queues []QueueConfig `koanf:"queues" validate:"dive"`
}

// EngineConfig holds the engine-wide timing knobs.
type EngineConfig struct {
	PollInterval      time.Duration `koanf:"poll_interval" validate:"min=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=0"`
	StallThreshold    time.Duration `koanf:"stall_threshold" validate:"min=0"`
}

// RedisConfig holds connection settings for the redis-backed store.
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0,max=15"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// QueueConfig is the file-level shape of one named queue.
type QueueConfig struct {
	Name               string        `koanf:"name" validate:"required"`
	MaxConcurrency     int           `koanf:"max_concurrency" validate:"min=1,max=256"`
	RateLimit          float64       `koanf:"rate_limit" validate:"min=0"`
	RateBurst          int           `koanf:"rate_burst" validate:"min=0"`
	MaxAttempts        int           `koanf:"max_attempts" validate:"min=1,max=10"`
	BackoffBase        time.Duration `koanf:"backoff_base" validate:"min=0"`
	CompletedRetention int           `koanf:"completed_retention" validate:"min=0"`
}

// Default returns the configuration used when no file overrides
// anything: stock engine timings and the four standard queues.
func Default() *File {
	f := &File{
		Engine: EngineConfig{
			PollInterval:      250 * time.Millisecond,
			ShutdownTimeout:   30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StallThreshold:    30 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
	for _, q := range queue.Defaults() {
		f.Queues = append(f.Queues, QueueConfig{
			Name:               q.Name,
			MaxConcurrency:     q.MaxConcurrency,
			RateLimit:          q.RateLimit,
			RateBurst:          q.RateBurst,
			MaxAttempts:        q.MaxAttempts,
			BackoffBase:        q.BackoffBase,
			CompletedRetention: q.CompletedRetention,
		})
	}
	return f
}

func defaultsAsMap() map[string]any {
	def := Default()
	return map[string]any{
		"engine.poll_interval":      def.Engine.PollInterval.String(),
		"engine.shutdown_timeout":   def.Engine.ShutdownTimeout.String(),
		"engine.heartbeat_interval": def.Engine.HeartbeatInterval.String(),
		"engine.stall_threshold":    def.Engine.StallThreshold.String(),

		"redis.addr":     def.Redis.Addr,
		"redis.password": def.Redis.Password,
		"redis.db":       def.Redis.DB,

		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
	}
}

// Load reads the configuration, merging the file at path over the
// defaults. An empty or missing path yields the defaults unchanged.
func Load(path string) (*File, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsAsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: stat %s: %w", path, err)
			}
		} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	var cfg File
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Queues are all-or-nothing: a file that declares any queue
	// replaces the full default set.
	if len(cfg.Queues) == 0 {
		cfg.Queues = Default().Queues
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field bounds and cross-field rules.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Queues))
	for _, q := range f.Queues {
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("config: duplicate queue %q", q.Name)
		}
		seen[q.Name] = struct{}{}
	}
	return nil
}

// EngineConfig converts the file's engine section to the runtime form.
func (f *File) EngineConfig() conveyor.Config {
	return conveyor.Config{
		PollInterval:      f.Engine.PollInterval,
		ShutdownTimeout:   f.Engine.ShutdownTimeout,
		HeartbeatInterval: f.Engine.HeartbeatInterval,
		StallThreshold:    f.Engine.StallThreshold,
	}
}

// QueueConfigs converts the file's queue list to the runtime form.
func (f *File) QueueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(f.Queues))
	for _, q := range f.Queues {
		out = append(out, queue.Config{
			Name:               q.Name,
			MaxConcurrency:     q.MaxConcurrency,
			RateLimit:          q.RateLimit,
			RateBurst:          q.RateBurst,
			MaxAttempts:        q.MaxAttempts,
			BackoffBase:        q.BackoffBase,
			CompletedRetention: q.CompletedRetention,
		})
	}
	return out
}

// Logger builds a slog.Logger from the log section.
func (f *File) Logger() *slog.Logger {
	var level slog.Level
	switch f.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
