package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Estimator configuration
	Estimator struct {
		// Number of nearest neighbors used for every estimate
		K int `env:"ESTIMATOR_K" envDefault:"10"`

		// "strict" fails a record with fewer than K candidates, "degrade" estimates with what is available
		Policy string `env:"ESTIMATOR_POLICY" envDefault:"strict"`

		// "kdtree" or "linear"
		Strategy string `env:"ESTIMATOR_STRATEGY" envDefault:"kdtree"`

		// Number of goroutines running queries against one reference set
		Workers int `env:"ESTIMATOR_WORKERS" envDefault:"4"`

		// Maximum number of entries in a k-d tree leaf
		LeafSize int `env:"ESTIMATOR_LEAF_SIZE" envDefault:"8"`
	}

	// BatchProcessing configuration
	BatchProcessing struct {
		// Maximum number of query records estimated and persisted together
		MaxBatchSize int `env:"BATCH_MAX_SIZE" envDefault:"500"`

		// Deadline for estimating a single batch
		Timeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"2m"`

		// Capacity of the estimate queue (in batches)
		QueueSize int `env:"BATCH_QUEUE_SIZE" envDefault:"16"`

		// Maximum number of retries for failed batch writes
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`
	}

	// Split configuration for partitioned runs
	Split struct {
		TestFraction float64 `env:"SPLIT_TEST_FRACTION" envDefault:"0.2"`
		Seed         int64   `env:"SPLIT_SEED" envDefault:"0"`
	}

	Database struct {
		Path string `env:"DB_PATH" envDefault:"database/pricemap.db"`
	}

	Server struct {
		Port string `env:"SERVER_PORT" envDefault:"5250"`

		// Origins allowed to call the API from a browser
		AllowOrigins []string `env:"SERVER_ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	}

	// Optional GeoJSON file with named district polygons
	Districts struct {
		Path string `env:"DISTRICTS_PATH"`
	}

	// Periodic re-estimation of stored segments; an interval of 0 disables it
	Scheduler struct {
		Interval     time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"0s"`
		Segments     []string      `env:"SCHEDULER_SEGMENTS" envSeparator:"," envDefault:"buy,rent"`
		Mode         string        `env:"SCHEDULER_MODE" envDefault:"whole"`
		RunOnStartup bool          `env:"SCHEDULER_RUN_ON_STARTUP" envDefault:"false"`
	}

	Ingest struct {
		IDColumn string `env:"INGEST_ID_COLUMN" envDefault:"Id"`
	}
}

// LoadConfig reads an optional .env file and parses the environment into a Config
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values env tags cannot express
func (c *Config) Validate() error {
	if c.Estimator.K < 1 {
		return fmt.Errorf("ESTIMATOR_K must be positive, got %d", c.Estimator.K)
	}
	if c.Estimator.Workers < 1 {
		return fmt.Errorf("ESTIMATOR_WORKERS must be positive, got %d", c.Estimator.Workers)
	}
	if c.BatchProcessing.MaxBatchSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be positive, got %d", c.BatchProcessing.MaxBatchSize)
	}
	if c.Split.TestFraction <= 0 || c.Split.TestFraction >= 1 {
		return fmt.Errorf("SPLIT_TEST_FRACTION must be in (0, 1), got %v", c.Split.TestFraction)
	}
	switch c.Estimator.Policy {
	case "strict", "degrade":
	default:
		return fmt.Errorf("unknown ESTIMATOR_POLICY %q", c.Estimator.Policy)
	}
	for _, segment := range c.Scheduler.Segments {
		if GetSegmentByName(segment) == nil {
			return fmt.Errorf("unknown segment %q in SCHEDULER_SEGMENTS", segment)
		}
	}
	switch c.Scheduler.Mode {
	case "whole", "partitioned":
	default:
		return fmt.Errorf("unknown SCHEDULER_MODE %q", c.Scheduler.Mode)
	}
	switch c.Estimator.Strategy {
	case "kdtree", "linear":
	default:
		return fmt.Errorf("unknown ESTIMATOR_STRATEGY %q", c.Estimator.Strategy)
	}
	return nil
}
