package orchestrator

import (
	"encoding/json"
	"os"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServiceConfig struct {
	Name string
	// Path of a plugin exporting the service. Empty means the worker
	// binary has it registered under Name.
	Path      string
	TimeoutMs int
}

type Config struct {
	Name                     string
	Path                     string
	WorkerName               string
	ShardCount               int
	ClusterCount             int
	ClientOptions            json.RawMessage
	Services                 []ServiceConfig
	WhatToLog                []messages.LogEvent
	UseCentralRequestHandler bool
	LoadCodeImmediately      bool
	StartingStatus           *messages.StartingStatus
	RequestTimeoutMs         int
	FetchTimeoutMs           int
	StatsIntervalMs          int
	RespawnDelayMs           int
	ShutdownTimeoutMs        int
	CentralRateLimit         rate.Limit
	CentralBurst             int
	Spawner                  Spawner
	REST                     gateway.RequestHandler
	StatsPublisher           StatsPublisher
	Exit                     func(code int)
	logger                   *zap.Logger
}

func (cfg *Config) FetchTimeout() time.Duration {
	return time.Duration(cfg.FetchTimeoutMs) * time.Millisecond
}

func (cfg *Config) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

func (cfg *Config) StatsInterval() time.Duration {
	return time.Duration(cfg.StatsIntervalMs) * time.Millisecond
}

func (cfg *Config) RespawnDelay() time.Duration {
	return time.Duration(cfg.RespawnDelayMs) * time.Millisecond
}

func (cfg *Config) ShutdownTimeout() time.Duration {
	return time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond
}

func (cfg *Config) logs(e messages.LogEvent) bool {
	return messages.Logs(cfg.WhatToLog, e)
}

func newConfig(opts []func(*Config)) *Config {
	cfg := &Config{
		Name:                "flotilla",
		WhatToLog:           messages.AllLogEvents,
		LoadCodeImmediately: true,
		RequestTimeoutMs:    15000,
		FetchTimeoutMs:      10000,
		StatsIntervalMs:     60000,
		RespawnDelayMs:      5000,
		ShutdownTimeoutMs:   10000,
		CentralRateLimit:    50,
		CentralBurst:        50,
		Exit:                os.Exit,
		logger:              zap.NewNop(),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func WithName(name string) func(*Config) {
	return func(cfg *Config) {
		cfg.Name = name
	}
}

// WithPath sets the plugin every cluster loads its bot worker from.
func WithPath(path string) func(*Config) {
	return func(cfg *Config) {
		cfg.Path = path
	}
}

// WithWorkerName selects a bot worker compiled into the binary.
func WithWorkerName(name string) func(*Config) {
	return func(cfg *Config) {
		cfg.WorkerName = name
	}
}

func WithShardCount(n int) func(*Config) {
	return func(cfg *Config) {
		cfg.ShardCount = n
	}
}

func WithClusterCount(n int) func(*Config) {
	return func(cfg *Config) {
		cfg.ClusterCount = n
	}
}

func WithClientOptions(raw json.RawMessage) func(*Config) {
	return func(cfg *Config) {
		cfg.ClientOptions = raw
	}
}

func WithService(s ServiceConfig) func(*Config) {
	return func(cfg *Config) {
		cfg.Services = append(cfg.Services, s)
	}
}

func WithWhatToLog(events ...messages.LogEvent) func(*Config) {
	return func(cfg *Config) {
		cfg.WhatToLog = events
	}
}

func WithCentralRequestHandler(enabled bool) func(*Config) {
	return func(cfg *Config) {
		cfg.UseCentralRequestHandler = enabled
	}
}

func WithLoadCodeImmediately(enabled bool) func(*Config) {
	return func(cfg *Config) {
		cfg.LoadCodeImmediately = enabled
	}
}

func WithStartingStatus(s messages.StartingStatus) func(*Config) {
	return func(cfg *Config) {
		cfg.StartingStatus = &s
	}
}

func WithRequestTimeoutMilliseconds(ms int) func(*Config) {
	return func(cfg *Config) {
		cfg.RequestTimeoutMs = ms
	}
}

func WithFetchTimeoutMilliseconds(ms int) func(*Config) {
	return func(cfg *Config) {
		cfg.FetchTimeoutMs = ms
	}
}

// WithStatsIntervalMilliseconds sets how often stats are collected. Zero
// disables periodic collection.
func WithStatsIntervalMilliseconds(ms int) func(*Config) {
	return func(cfg *Config) {
		cfg.StatsIntervalMs = ms
	}
}

func WithRespawnDelayMilliseconds(ms int) func(*Config) {
	return func(cfg *Config) {
		cfg.RespawnDelayMs = ms
	}
}

func WithShutdownTimeoutMilliseconds(ms int) func(*Config) {
	return func(cfg *Config) {
		cfg.ShutdownTimeoutMs = ms
	}
}

func WithCentralRateLimit(limit rate.Limit, burst int) func(*Config) {
	return func(cfg *Config) {
		cfg.CentralRateLimit = limit
		cfg.CentralBurst = burst
	}
}

func WithSpawner(s Spawner) func(*Config) {
	return func(cfg *Config) {
		cfg.Spawner = s
	}
}

// WithREST sets the handler that performs outbound REST calls for the
// central request queue and the recommended shard count lookup.
func WithREST(h gateway.RequestHandler) func(*Config) {
	return func(cfg *Config) {
		cfg.REST = h
	}
}

func WithStatsPublisher(p StatsPublisher) func(*Config) {
	return func(cfg *Config) {
		cfg.StatsPublisher = p
	}
}

func WithExit(exit func(int)) func(*Config) {
	return func(cfg *Config) {
		cfg.Exit = exit
	}
}

func WithLogger(logger *zap.Logger) func(*Config) {
	return func(cfg *Config) {
		cfg.logger = logger
	}
}
