// Package config loads the settings shared by the coordinator and the node.
//
// Values come from three layers, each overriding the previous one:
// built-in defaults, an optional YAML file, and GRID_* environment
// variables. Commands apply their flags on top before calling Validate.
package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/gridcalc/internal/wire"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full configuration of a gridcalc process.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
}

// CoordinatorConfig configures the coordinator's listeners.
type CoordinatorConfig struct {
	// Listen is the TCP address workers connect to.
	Listen string `yaml:"listen"`
	// HTTP is the admin API address.
	HTTP string `yaml:"http"`
	// MaxFrameSize bounds every protocol frame, command byte included.
	MaxFrameSize int `yaml:"max_frame_size"`
	// WriteTimeout bounds a single frame write to a worker.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout bounds the graceful stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig configures a node.
type WorkerConfig struct {
	// Coordinator is the TCP address of the coordinator.
	Coordinator string `yaml:"coordinator"`
	// Name is advertised in HELLO. Defaults to the host name.
	Name string `yaml:"name"`
	// KeepaliveInterval is how often an idle worker sends READY. Zero disables it.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// ReconnectDelay is the pause before redialing a lost coordinator.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	// WorkTimeout fails a fragment whose worker has not finished in time.
	// Zero disables the watchdog.
	WorkTimeout time.Duration `yaml:"work_timeout"`
	// WatchInterval is how often the watchdog looks for stuck sessions.
	WatchInterval time.Duration `yaml:"watch_interval"`
	// TrustFragmentIDs keeps fragment ids produced by the split transform
	// instead of assigning new ones.
	TrustFragmentIDs bool `yaml:"trust_fragment_ids"`
	// MaxAttempts crashes a calculation once one of its fragments has been
	// dispatched that many times. Zero means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
	// QueueSize is the capacity of the dispatcher's inbound channel.
	QueueSize int `yaml:"queue_size"`
}

// PluginsConfig locates the plugin binaries.
type PluginsConfig struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig selects where outcomes are kept.
type StorageConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the built-in configuration.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:          ":4000",
			HTTP:            ":8080",
			MaxFrameSize:    wire.DefaultMaxFrameSize,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Coordinator:       "127.0.0.1:4000",
			Name:              host,
			KeepaliveInterval: 30 * time.Second,
			ReconnectDelay:    2 * time.Second,
		},
		Dispatch: DispatchConfig{
			WorkTimeout:   10 * time.Minute,
			WatchInterval: 5 * time.Second,
			QueueSize:     256,
		},
		Plugins: PluginsConfig{
			Dir: "./plugins",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// ApplyEnv overrides settings from GRID_* variables read through getenv.
// Empty and unparsable values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("GRID_LISTEN", &c.Coordinator.Listen)
	setString("GRID_HTTP", &c.Coordinator.HTTP)
	setString("GRID_PLUGINS_DIR", &c.Plugins.Dir)
	setString("GRID_COORDINATOR", &c.Worker.Coordinator)
	setString("GRID_WORKER_NAME", &c.Worker.Name)
	setString("GRID_LOG_LEVEL", &c.Log.Level)
	setString("GRID_LOG_FORMAT", &c.Log.Format)
	setString("GRID_STORAGE", &c.Storage.Backend)
	if v := getenv("GRID_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
		c.Storage.Backend = BackendRedis
	}
	if v := getenv("GRID_WORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatch.WorkTimeout = d
		}
	}
	if v := getenv("GRID_TRUST_FRAGMENT_IDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dispatch.TrustFragmentIDs = b
		}
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Coordinator.MaxFrameSize < 2 {
		return errors.Errorf("coordinator.max_frame_size must be at least 2, got %d", c.Coordinator.MaxFrameSize)
	}
	if c.Dispatch.WorkTimeout < 0 || c.Dispatch.WatchInterval < 0 {
		return errors.New("dispatch durations must not be negative")
	}
	if c.Dispatch.WorkTimeout > 0 && c.Dispatch.WatchInterval == 0 {
		return errors.New("dispatch.watch_interval is required when dispatch.work_timeout is set")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return errors.Errorf("dispatch.max_attempts must not be negative, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.QueueSize <= 0 {
		return errors.Errorf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize)
	}
	if c.Plugins.Dir == "" {
		return errors.New("plugins.dir is required")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "log level %q", l.Level)
	}
	if l.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
