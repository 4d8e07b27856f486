package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	BackendThread  = "thread"
	BackendProcess = "process"

	ModeAll      = "ALL"
	ModeBridge   = "BRIDGE"
	ModeVerifier = "VERIFIER"
)

// Config is the full runtime configuration. Values come from defaults, then the
// YAML file, then the environment, then command-line flags.
type Config struct {
	Database string `yaml:"database"`

	Backend      string        `yaml:"backend"`
	MaxWorkers   int           `yaml:"max_workers"`
	MaxWorks     int           `yaml:"max_works"`
	Keep         bool          `yaml:"keep"`
	Confidence   bool          `yaml:"confidence"`
	Threshold    float64       `yaml:"threshold"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	Prefix string `yaml:"prefix"`
	Mode   string `yaml:"mode"`

	Worker WorkerConfig `yaml:"worker"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// WorkerConfig controls the process backend.
type WorkerConfig struct {
	Path        string        `yaml:"path"`
	Args        []string      `yaml:"args"`
	ExitTimeout time.Duration `yaml:"exit_timeout"`
}

// ServerConfig controls the socket transport.
type ServerConfig struct {
	Listen    string  `yaml:"listen"`
	Namespace string  `yaml:"namespace"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per connection, 0 = unlimited
	Burst     int     `yaml:"burst"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ValidationError names the offending setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:    BackendThread,
		MaxWorkers: runtime.NumCPU(),
		Keep:       true,
		Threshold:  0.6,
		Mode:       ModeAll,
		Worker: WorkerConfig{
			ExitTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Listen: ":8700",
			Burst:  1,
		},
		Log: LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv fills Database from POSTGRES_* variables when it is still empty.
func (c *Config) ApplyEnv() {
	if c.Database != "" {
		return
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend != BackendThread && c.Backend != BackendProcess {
		errs = append(errs, &ValidationError{"backend", fmt.Sprintf("unresolved worker backend %q", c.Backend)})
	}
	if c.MaxWorkers < 1 {
		errs = append(errs, &ValidationError{"max_workers", "must be >= 1"})
	}
	if c.MaxWorks < 0 {
		errs = append(errs, &ValidationError{"max_works", "must be >= 0"})
	}
	if c.Threshold <= 0 || c.Threshold > 2 {
		errs = append(errs, &ValidationError{"threshold", fmt.Sprintf("must be in (0, 2], got %g", c.Threshold)})
	}
	if c.ChunkTimeout < 0 {
		errs = append(errs, &ValidationError{"chunk_timeout", "must not be negative"})
	}
	switch strings.ToUpper(c.Mode) {
	case ModeAll, ModeBridge, ModeVerifier:
		c.Mode = strings.ToUpper(c.Mode)
	default:
		errs = append(errs, &ValidationError{"mode", fmt.Sprintf("unknown mode %q", c.Mode)})
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, &ValidationError{"log.level", err.Error()})
	}
	return errors.Join(errs...)
}

// Logger builds the process logger. Output goes to w (stderr when nil).
func (l LogConfig) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if l.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "01-02 15:04:05.000"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
