// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/ecstore/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Store struct {
		FuseReadSize    int    `toml:"fuse_read_size" env:"ECSTORE_FUSE_READSIZE" env-default:"131092" env-description:"Read granularity of the file system layer in blocks. Drives the number of blocks aggregated per record."`
		ReadCacheSize   int    `toml:"read_cache_size" env:"ECSTORE_READ_CACHESIZE" env-default:"50" env-description:"Number of aggregated records kept in the read cache."`
		StatusCacheSize int    `toml:"status_cache_size" env:"ECSTORE_STATUS_CACHESIZE" env-default:"50" env-description:"Capacity of each half of the existence cache."`
		TotalSize       int    `toml:"total_size" env:"ECSTORE_TOTAL_SIZE" env-default:"6" env-description:"Stripe width, i.e. data shards plus parity shards."`
		Compression     string `toml:"compression" env:"ECSTORE_COMPRESSION" env-default:"lz4" env-description:"Aggregated record compression. One of none, lz4, zstd."`
	} `toml:"store"`

	Backend struct {
		Kind        string `toml:"kind" env:"ECSTORE_BACKEND" env-default:"memory" env-description:"Backend store. One of memory, s3, null."`
		Uploaders   int    `toml:"uploaders" env:"ECSTORE_BACKEND_UPLOADERS" env-default:"16" env-description:"Max number of concurrent backend store requests."`
		Downloaders int    `toml:"downloaders" env:"ECSTORE_BACKEND_DOWNLOADERS" env-default:"16" env-description:"Max number of concurrent backend fetch requests."`
	} `toml:"backend"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"ECSTORE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"ecstore"`
		Remote    string `toml:"remote" env:"ECSTORE_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"ECSTORE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"ECSTORE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"ECSTORE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Prefix    string `toml:"prefix" env:"ECSTORE_S3_PREFIX" env-description:"Prefix prepended to every object key." env-default:""`
	} `toml:"s3"`

	Bench struct {
		Blocks  int `toml:"blocks" env:"ECSTORE_BENCH_BLOCKS" env-default:"1000000" env-description:"Number of blocks written and read back in one run."`
		Runs    int `toml:"runs" env:"ECSTORE_BENCH_RUNS" env-default:"3" env-description:"Number of benchmark runs. Caches are cleared between runs."`
		Writers int `toml:"writers" env:"ECSTORE_BENCH_WRITERS" env-default:"1" env-description:"Number of concurrent writer goroutines."`
	} `toml:"bench"`

	Log struct {
		Level  int  `toml:"level" env:"ECSTORE_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"ECSTORE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics      bool `toml:"metrics" env:"ECSTORE_METRICS" env-description:"Serve prometheus metrics on /metrics of the profiler port." env-default:"false"`
	Profiler     bool `toml:"profiler" env:"ECSTORE_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"ECSTORE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it validates the values which cannot be fixed silently.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return validate(&Cfg)
}

func validate(c *Config) error {
	var errs []error

	if c.Store.TotalSize <= 0 {
		errs = append(errs, fmt.Errorf("store.total_size must be positive, got %d", c.Store.TotalSize))
	}
	if c.Store.FuseReadSize <= 0 {
		errs = append(errs, fmt.Errorf("store.fuse_read_size must be positive, got %d", c.Store.FuseReadSize))
	}
	if c.Store.ReadCacheSize <= 0 || c.Store.StatusCacheSize <= 0 {
		errs = append(errs, errors.New("cache sizes must be positive"))
	}

	switch c.Backend.Kind {
	case "memory", "s3", "null":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend.Kind))
	}

	if c.Backend.Uploaders <= 0 {
		c.Backend.Uploaders = 1
	}
	if c.Backend.Downloaders <= 0 {
		c.Backend.Downloaders = 1
	}
	if c.Bench.Writers <= 0 {
		c.Bench.Writers = 1
	}

	return errors.Join(errs...)
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("ecstore", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
