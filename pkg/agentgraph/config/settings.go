package config

import (
	"fmt"
	"time"
)

// Settings holds the engine's tunables.
type Settings struct {
	// NodeTimeout bounds a single node execution when the node sets none.
	NodeTimeout time.Duration
	// MaxIterations caps feedback loops when neither edge nor node set one.
	MaxIterations int
	// MaxConcurrency caps concurrently executing nodes per run. 0 is unbounded.
	MaxConcurrency int
	// HistoryLimit caps retained steps per run. 0 keeps all.
	HistoryLimit int
	// HistoryPath archives steps when set: a SQLite file, or a directory
	// for the badger backend.
	HistoryPath string
	// HistoryBackend is "sqlite" or "badger".
	HistoryBackend string

	Traffic TrafficSettings
	Server  ServerSettings
	Log     LogSettings
	Metrics MetricsSettings
	Tracing TracingSettings
	Events  EventsSettings
}

// TrafficSettings configures provider admission.
type TrafficSettings struct {
	DefaultCapacity int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	Providers       map[string]ProviderLimits
}

// ProviderLimits overrides admission for one provider.
type ProviderLimits struct {
	Capacity          int
	RequestsPerSecond float64
	Burst             int
}

type ServerSettings struct {
	Addr string
}

type LogSettings struct {
	Level  string
	Format string
}

type MetricsSettings struct {
	// Exporter is "prometheus" or "none".
	Exporter string
}

type TracingSettings struct {
	// Exporter is "stdout" or "none". stdout writes finished spans to the
	// log writer as JSON.
	Exporter string
}

// EventsSettings configures forwarding of engine events outside the process.
type EventsSettings struct {
	// RedisAddr enables publishing every event to Redis pub/sub.
	RedisAddr string
	// RedisChannel prefixes the per-run channels.
	RedisChannel string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		NodeTimeout:    2 * time.Minute,
		MaxIterations:  3,
		HistoryBackend: "sqlite",
		Traffic: TrafficSettings{
			DefaultCapacity: 1,
			BaseDelay:       time.Second,
			MaxDelay:        time.Minute,
			MaxRetries:      5,
			Providers:       map[string]ProviderLimits{},
		},
		Server:  ServerSettings{Addr: ":8080"},
		Log:     LogSettings{Level: "info", Format: "text"},
		Metrics: MetricsSettings{Exporter: "prometheus"},
		Tracing: TracingSettings{Exporter: "none"},
		Events:  EventsSettings{RedisChannel: "agentgraph:events"},
	}
}

// LoadSettings decodes c over DefaultSettings.
func LoadSettings(c Config) (Settings, error) {
	d := DefaultSettings()
	s := Settings{
		NodeTimeout:    c.Duration("engine.node_timeout", d.NodeTimeout),
		MaxIterations:  c.Int("engine.max_iterations", d.MaxIterations),
		MaxConcurrency: c.Int("engine.max_concurrency", d.MaxConcurrency),
		HistoryLimit:   c.Int("history.limit", d.HistoryLimit),
		HistoryPath:    c.String("history.path", d.HistoryPath),
		HistoryBackend: c.String("history.backend", d.HistoryBackend),
		Traffic: TrafficSettings{
			DefaultCapacity: c.Int("traffic.default_capacity", d.Traffic.DefaultCapacity),
			BaseDelay:       c.Duration("traffic.base_delay", d.Traffic.BaseDelay),
			MaxDelay:        c.Duration("traffic.max_delay", d.Traffic.MaxDelay),
			MaxRetries:      c.Int("traffic.max_retries", d.Traffic.MaxRetries),
			Providers:       map[string]ProviderLimits{},
		},
		Server:  ServerSettings{Addr: c.String("server.addr", d.Server.Addr)},
		Log:     LogSettings{Level: c.String("log.level", d.Log.Level), Format: c.String("log.format", d.Log.Format)},
		Metrics: MetricsSettings{Exporter: c.String("metrics.exporter", d.Metrics.Exporter)},
		Tracing: TracingSettings{Exporter: c.String("tracing.exporter", d.Tracing.Exporter)},
		Events: EventsSettings{
			RedisAddr:    c.String("events.redis_addr", d.Events.RedisAddr),
			RedisChannel: c.String("events.redis_channel", d.Events.RedisChannel),
		},
	}

	providers := c.Sub("traffic.providers")
	for _, name := range providers.Keys() {
		p := providers.Sub(name)
		s.Traffic.Providers[name] = ProviderLimits{
			Capacity:          p.Int("capacity", s.Traffic.DefaultCapacity),
			RequestsPerSecond: p.Float("requests_per_second", 0),
			Burst:             p.Int("burst", 0),
		}
	}

	return s, s.Validate()
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.NodeTimeout < 0:
		return fmt.Errorf("engine.node_timeout must not be negative")
	case s.MaxIterations < 1:
		return fmt.Errorf("engine.max_iterations must be at least 1, got %d", s.MaxIterations)
	case s.MaxConcurrency < 0:
		return fmt.Errorf("engine.max_concurrency must not be negative")
	case s.Traffic.DefaultCapacity < 1:
		return fmt.Errorf("traffic.default_capacity must be at least 1, got %d", s.Traffic.DefaultCapacity)
	case s.Traffic.MaxRetries < 0:
		return fmt.Errorf("traffic.max_retries must not be negative")
	}
	for name, p := range s.Traffic.Providers {
		if p.Capacity < 1 {
			return fmt.Errorf("traffic.providers.%s.capacity must be at least 1, got %d", name, p.Capacity)
		}
	}
	switch s.HistoryBackend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("history.backend must be sqlite or badger, got %q", s.HistoryBackend)
	}
	switch s.Metrics.Exporter {
	case "prometheus", "none":
	default:
		return fmt.Errorf("metrics.exporter must be prometheus or none, got %q", s.Metrics.Exporter)
	}
	switch s.Tracing.Exporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("tracing.exporter must be stdout or none, got %q", s.Tracing.Exporter)
	}
	return nil
}
