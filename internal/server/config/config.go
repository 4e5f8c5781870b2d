// Package config contains all knobs and defaults used to configure grapher when it
// runs from the command line.
package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

const (
	DefaultMaxDepth                 = 10
	DefaultMaxLimit                 = 1000
	DefaultResolveBreadthLimit      = 25
	DefaultMaxConcurrentReads       = math.MaxUint32
	DefaultMaxReducerEvaluationCost = 10000

	DefaultNamedQueryCacheEnabled = false
	DefaultNamedQueryCacheLimit   = 10000
	DefaultNamedQueryCacheTTL     = 10 * time.Second

	DefaultMongoConnectTimeout = 10 * time.Second
)

var (
	logFormats = []string{"text", "json"}
	logLevels  = []string{"none", "debug", "info", "warn", "error"}
	engines    = []string{"memory", "mongodb"}
)

// DatastoreConfig defines the settings of the datastore documents are read from.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'mongodb')
	Engine string
	URI    string

	// Database is the MongoDB database holding the collections.
	Database string

	// ConnectTimeout bounds the initial connection to the datastore.
	ConnectTimeout time.Duration

	// MaxConcurrentReads bounds the number of concurrent reads issued by the resolver.
	MaxConcurrentReads uint32
}

// LogConfig defines the log settings. For production we recommend using the 'json'
// log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// ResolveConfig defines the guardrails applied to every query.
type ResolveConfig struct {
	// MaxDepth is the deepest link level a query may reach. Zero means unlimited.
	MaxDepth int

	// MaxLimit is the largest limit a query level may ask for, and the limit of root
	// levels without one. Zero means unlimited.
	MaxLimit int

	// BreadthLimit is how many node groups of a level are fetched concurrently.
	BreadthLimit int

	// MaxReducerEvaluationCost bounds the runtime cost of a reducer expression.
	MaxReducerEvaluationCost uint64
}

type Config struct {
	// Schema is the path of the schema file declaring links, reducers and exposure.
	Schema string

	Datastore       DatastoreConfig
	Log             LogConfig
	Trace           TraceConfig
	Resolve         ResolveConfig
	NamedQueryCache NamedQueryCacheConfig
}

func (cfg *Config) Verify() error {
	if !slices.Contains(logFormats, cfg.Log.Format) {
		return fmt.Errorf("config 'log.format' must be one of %q", logFormats)
	}

	if !slices.Contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf("config 'log.level' must be one of %q", logLevels)
	}

	if !slices.Contains(engines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %q", engines)
	}

	if cfg.Datastore.Engine == "mongodb" && cfg.Datastore.URI == "" {
		return errors.New("config 'datastore.uri' must be set for the mongodb engine")
	}

	if cfg.Datastore.MaxConcurrentReads == 0 {
		return errors.New("config 'datastore.maxConcurrentReads' must be greater than zero")
	}

	if cfg.Resolve.MaxDepth < 0 || cfg.Resolve.MaxLimit < 0 {
		return errors.New("configs 'resolve.maxDepth' and 'resolve.maxLimit' must be non-negative integers")
	}

	if cfg.Resolve.BreadthLimit <= 0 {
		return errors.New("config 'resolve.breadthLimit' must be greater than zero")
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	if cfg.NamedQueryCache.Enabled {
		if cfg.NamedQueryCache.TTL <= 0 {
			return errors.New("config 'namedQueryCache.ttl' must be a positive duration")
		}
		if cfg.NamedQueryCache.Limit == 0 {
			return errors.New("config 'namedQueryCache.limit' must be greater than zero")
		}
	}

	return nil
}

// DefaultConfig is the grapher default configuration.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:             "memory",
			Database:           "grapher",
			ConnectTimeout:     DefaultMongoConnectTimeout,
			MaxConcurrentReads: DefaultMaxConcurrentReads,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "grapher",
		},
		Resolve: ResolveConfig{
			MaxDepth:                 DefaultMaxDepth,
			MaxLimit:                 DefaultMaxLimit,
			BreadthLimit:             DefaultResolveBreadthLimit,
			MaxReducerEvaluationCost: DefaultMaxReducerEvaluationCost,
		},
		NamedQueryCache: NewDefaultNamedQueryCacheConfig(),
	}
}
