// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/example/face-similarity/internal/extractor"
	"github.com/example/face-similarity/internal/fetcher"
	"github.com/example/face-similarity/internal/governor"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/preprocess"
)

// Config holds every setting of the service.
type Config struct {
	ServerHost string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"8000"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	ExtractorAddr     string `env:"EXTRACTOR_ADDR" envDefault:"face-extractor:50051"`
	ExtractorUpsample int    `env:"EXTRACTOR_UPSAMPLE" envDefault:"1"`
	ExtractorJitters  int    `env:"EXTRACTOR_JITTERS" envDefault:"1"`

	FetchMaxConns int           `env:"FETCH_MAX_CONNS" envDefault:"5"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`

	GovernorMin      int     `env:"GOVERNOR_MIN" envDefault:"2"`
	GovernorMax      int     `env:"GOVERNOR_MAX" envDefault:"10"`
	GovernorDefault  int     `env:"GOVERNOR_DEFAULT" envDefault:"2"`
	GovernorCapacity int     `env:"GOVERNOR_CAPACITY" envDefault:"0"`
	ImageMemoryGB    float64 `env:"IMAGE_MEMORY_GB" envDefault:"0.5"`
	WorkerPoolSize   int     `env:"WORKER_POOL_SIZE" envDefault:"0"`

	MaxDimension  int             `env:"MAX_DIMENSION" envDefault:"1300"`
	FailurePolicy pipeline.Policy `env:"FAILURE_POLICY" envDefault:"best-effort"`

	DatabaseDSN string        `env:"DATABASE_DSN"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	ResultTTL   time.Duration `env:"RESULT_TTL" envDefault:"5m"`

	EurekaServer    string        `env:"EUREKA_SERVER"`
	AppName         string        `env:"APP_NAME" envDefault:"face-recognition"`
	InstanceHost    string        `env:"INSTANCE_HOST"`
	EurekaHeartbeat time.Duration `env:"EUREKA_HEARTBEAT" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads an optional .env file and then the process environment. A
// missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom parses settings from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks relations between settings.
func (c *Config) Validate() error {
	if c.GovernorMin < 1 {
		return fmt.Errorf("GOVERNOR_MIN must be at least 1, got %d", c.GovernorMin)
	}
	if c.GovernorMin > c.GovernorMax {
		return fmt.Errorf("GOVERNOR_MIN (%d) must not exceed GOVERNOR_MAX (%d)", c.GovernorMin, c.GovernorMax)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT %d is out of range", c.ServerPort)
	}
	if c.EurekaServer != "" && (c.AppName == "" || c.InstanceHost == "") {
		return errors.New("EUREKA_SERVER requires APP_NAME and INSTANCE_HOST")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// GovernorLimits returns the clamps used when probing capacity.
func (c *Config) GovernorLimits() governor.Limits {
	return governor.Limits{
		Min:        c.GovernorMin,
		Max:        c.GovernorMax,
		Default:    c.GovernorDefault,
		PerImageGB: c.ImageMemoryGB,
	}
}

// FetcherOptions returns the outbound HTTP settings.
func (c *Config) FetcherOptions() fetcher.Options {
	opts := fetcher.DefaultOptions()
	opts.MaxConns = c.FetchMaxConns
	opts.Timeout = c.FetchTimeout
	return opts
}

// PreprocessOptions returns the normalization settings.
func (c *Config) PreprocessOptions() preprocess.Options {
	opts := preprocess.DefaultOptions()
	opts.MaxDimension = c.MaxDimension
	opts.MaxPixels = preprocess.MaxPixelsFor(c.ImageMemoryGB)
	return opts
}

// PipelineOptions returns the orchestration settings.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Extractor: extractor.Config{Upsample: c.ExtractorUpsample, Jitters: c.ExtractorJitters},
		Policy:    c.FailurePolicy,
	}
}
