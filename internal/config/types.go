package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the cache lifecycle service reads at startup.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Monitor      MonitorConfig      `koanf:"monitor"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
	Warming      WarmingConfig      `koanf:"warming"`
	Perf         PerfConfig         `koanf:"perf"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and configures the backing cache store.
type StoreConfig struct {
	Backend    string       `koanf:"backend"`
	TTLSeconds int          `koanf:"ttlSeconds"`
	Valkey     ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for the shared cache tier.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig controls transport security to the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// MonitorConfig tunes the sampling loop and alert thresholds.
type MonitorConfig struct {
	Enabled               bool    `koanf:"enabled"`
	SampleIntervalSeconds int     `koanf:"sampleIntervalSeconds"`
	RetentionHours        int     `koanf:"retentionHours"`
	AlertCapacity         int     `koanf:"alertCapacity"`
	HitRateMin            float64 `koanf:"hitRateMin"`
	ResponseTimeMaxMs     int     `koanf:"responseTimeMaxMs"`
	ErrorRateMax          float64 `koanf:"errorRateMax"`
}

// SampleInterval returns the sampling period as a duration.
func (c MonitorConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSeconds) * time.Second
}

// Retention returns the metrics history window as a duration.
func (c MonitorConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// InvalidationConfig points the manager at its optional rules document.
type InvalidationConfig struct {
	RulesFile string `koanf:"rulesFile"`
}

// WarmingConfig seeds the cache warmer.
type WarmingConfig struct {
	Enabled              bool              `koanf:"enabled"`
	IntervalSeconds      int               `koanf:"intervalSeconds"`
	MaxConcurrentWarmups int               `koanf:"maxConcurrentWarmups"`
	WarmupOnStartup      bool              `koanf:"warmupOnStartup"`
	PopularOperations    []PopularOpConfig `koanf:"popularOperations"`
}

// Interval returns the warming period as a duration.
func (c WarmingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PopularOpConfig seeds one operation into the warming ranking.
type PopularOpConfig struct {
	Engine    string         `koanf:"engine"`
	Operation string         `koanf:"operation"`
	Priority  int            `koanf:"priority"`
	Params    map[string]any `koanf:"params"`
}

// PerfConfig carries the defaults a performance test starts from when the
// request omits fields.
type PerfConfig struct {
	TargetHitRate        float64 `koanf:"targetHitRate"`
	TargetResponseTimeMs int     `koanf:"targetResponseTimeMs"`
	TestDurationSeconds  int     `koanf:"testDurationSeconds"`
	ConcurrentRequests   int     `koanf:"concurrentRequests"`
	WarmupRequests       int     `koanf:"warmupRequests"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Store.TTLSeconds < 0 {
		return fmt.Errorf("config: store.ttlSeconds invalid: %d", c.Store.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Store.Backend))
	switch backend {
	case "", "memory":
	case "valkey", "redis":
		if strings.TrimSpace(c.Store.Valkey.Address) == "" {
			return errors.New("config: store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}
	if c.Monitor.SampleIntervalSeconds <= 0 {
		return fmt.Errorf("config: monitor.sampleIntervalSeconds invalid: %d", c.Monitor.SampleIntervalSeconds)
	}
	if c.Monitor.RetentionHours <= 0 {
		return fmt.Errorf("config: monitor.retentionHours invalid: %d", c.Monitor.RetentionHours)
	}
	if c.Monitor.AlertCapacity <= 0 {
		return fmt.Errorf("config: monitor.alertCapacity invalid: %d", c.Monitor.AlertCapacity)
	}
	if c.Warming.IntervalSeconds < 60 || c.Warming.IntervalSeconds > 86400 {
		return fmt.Errorf("config: warming.intervalSeconds must be within [60,86400]: %d", c.Warming.IntervalSeconds)
	}
	if c.Warming.MaxConcurrentWarmups < 1 || c.Warming.MaxConcurrentWarmups > 10 {
		return fmt.Errorf("config: warming.maxConcurrentWarmups must be within [1,10]: %d", c.Warming.MaxConcurrentWarmups)
	}
	if c.Perf.TargetHitRate < 50 || c.Perf.TargetHitRate > 100 {
		return fmt.Errorf("config: perf.targetHitRate must be within [50,100]: %v", c.Perf.TargetHitRate)
	}
	if c.Perf.TargetResponseTimeMs < 10 || c.Perf.TargetResponseTimeMs > 5000 {
		return fmt.Errorf("config: perf.targetResponseTimeMs must be within [10,5000]: %d", c.Perf.TargetResponseTimeMs)
	}
	if c.Perf.TestDurationSeconds < 30 || c.Perf.TestDurationSeconds > 1800 {
		return fmt.Errorf("config: perf.testDurationSeconds must be within [30,1800]: %d", c.Perf.TestDurationSeconds)
	}
	if c.Perf.ConcurrentRequests < 1 || c.Perf.ConcurrentRequests > 50 {
		return fmt.Errorf("config: perf.concurrentRequests must be within [1,50]: %d", c.Perf.ConcurrentRequests)
	}
	return nil
}

// DefaultConfig returns the baseline values the loader starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Store: StoreConfig{
			Backend:    "memory",
			TTLSeconds: 300,
		},
		Monitor: MonitorConfig{
			Enabled:               true,
			SampleIntervalSeconds: 60,
			RetentionHours:        24 * 7,
			AlertCapacity:         500,
			HitRateMin:            90,
			ResponseTimeMaxMs:     200,
			ErrorRateMax:          5,
		},
		Warming: WarmingConfig{
			Enabled:              true,
			IntervalSeconds:      3600,
			MaxConcurrentWarmups: 3,
			WarmupOnStartup:      true,
			PopularOperations: []PopularOpConfig{
				{Engine: "pdf", Operation: "merge", Priority: 10},
				{Engine: "pdf", Operation: "split", Priority: 9},
				{Engine: "image", Operation: "resize", Priority: 10, Params: map[string]any{"width": 800, "height": 600}},
				{Engine: "image", Operation: "convert", Priority: 9, Params: map[string]any{"format": "webp"}},
				{Engine: "video", Operation: "compress", Priority: 8, Params: map[string]any{"quality": "medium"}},
				{Engine: "video", Operation: "convert", Priority: 7, Params: map[string]any{"format": "mp4"}},
			},
		},
		Perf: PerfConfig{
			TargetHitRate:        95,
			TargetResponseTimeMs: 200,
			TestDurationSeconds:  300,
			ConcurrentRequests:   10,
			WarmupRequests:       100,
		},
	}
}
