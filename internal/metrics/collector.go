// Package metrics exports cache adapter metrics to Prometheus.
//
// Adapter metrics are pulled on every scrape from Adapter.Metrics, so the
// exported values always agree with what the adapters report themselves.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/cache/multilevel"
	"rbac-cache/internal/common/logging"
)

// Config represents metrics configuration
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	Namespace     string        `yaml:"namespace"`
	ScrapeTimeout time.Duration `yaml:"scrape_timeout"`
}

// DefaultConfig returns the metrics configuration used by cachectl serve.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		Addr:          ":9090",
		Path:          "/metrics",
		Namespace:     "rbac_cache",
		ScrapeTimeout: 5 * time.Second,
	}
}

// Collector exports the metrics of registered adapters
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	adapters map[string]cache.Adapter
	log      logging.Logger

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	hitRate     *prometheus.Desc
	size        *prometheus.Desc
	maxSize     *prometheus.Desc
	memory      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	operations  *prometheus.Desc
	latency     *prometheus.Desc
	uptime      *prometheus.Desc
	up          *prometheus.Desc
	failures    *prometheus.Desc
	levels      *prometheus.Desc
	breaker     *prometheus.Desc
	scrapeErrs  prometheus.Counter

	server *http.Server
}

// NewCollector creates a collector with its own registry
func NewCollector(config *Config, logger logging.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ScrapeTimeout <= 0 {
		config.ScrapeTimeout = 5 * time.Second
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	ns := config.Namespace
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, append([]string{"adapter"}, labels...), nil)
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		adapters: make(map[string]cache.Adapter),
		log:      logging.OrGlobal(logger).WithFields(logging.String("component", "metrics")),

		hits:        desc("hits_total", "Cache lookups that found a value."),
		misses:      desc("misses_total", "Cache lookups that found nothing."),
		hitRate:     desc("hit_rate_percent", "Hits as a percentage of all lookups."),
		size:        desc("entries", "Entries currently held."),
		maxSize:     desc("max_entries", "Configured entry capacity."),
		memory:      desc("memory_bytes", "Estimated memory held by entries."),
		evictions:   desc("evictions_total", "Entries evicted for capacity."),
		expirations: desc("expirations_total", "Entries removed by expiration sweeps."),
		operations:  desc("operations_total", "Cache operations by kind.", "operation"),
		latency:     desc("latency_avg_milliseconds", "Average operation latency.", "operation"),
		uptime:      desc("uptime_seconds", "Time since the adapter's counters started."),
		up:          desc("up", "Whether the adapter reports itself healthy."),
		failures:    desc("consecutive_failures", "Consecutive failed store operations."),
		levels:      desc("level_lookups_total", "Lookups by cache level and result.", "level", "result"),
		breaker:     desc("breaker_state", "Remote circuit breaker state: 0 closed, 1 open, 2 half-open.", "breaker"),
		scrapeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scrape_errors_total",
			Help:      "Adapter metrics that could not be read during a scrape.",
		}),
	}

	if err := c.registry.Register(c.scrapeErrs); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := c.registry.Register(adapterCollector{c}); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Register adds an adapter, replacing any adapter with the same name
func (c *Collector) Register(a cache.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
}

// Registry returns the Prometheus registry holding the cache metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics endpoint and a JSON health endpoint
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	return mux
}

// Start serves Handler on the configured address until Stop
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("Metrics server error", err, logging.String("addr", c.config.Addr))
		}
	}()
	c.log.Info("Metrics server started",
		logging.String("addr", c.config.Addr),
		logging.String("path", c.config.Path),
	)
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *Collector) snapshot() []cache.Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cache.Adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		out = append(out, a)
	}
	return out
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.config.ScrapeTimeout)
	defer cancel()

	healthy := true
	statuses := make(map[string]cache.HealthStatus)
	for _, a := range c.snapshot() {
		s := a.HealthStatus(ctx)
		statuses[a.Name()] = s
		healthy = healthy && s.Healthy
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":  healthy,
		"adapters": statuses,
	})
}

// adapterCollector reads every registered adapter at scrape time.
type adapterCollector struct {
	c *Collector
}

func (ac adapterCollector) Describe(ch chan<- *prometheus.Desc) {
	c := ac.c
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.hitRate, c.size, c.maxSize, c.memory, c.evictions, c.expirations,
		c.operations, c.latency, c.uptime, c.up, c.failures, c.levels, c.breaker,
	} {
		ch <- d
	}
}

func (ac adapterCollector) Collect(ch chan<- prometheus.Metric) {
	c := ac.c
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ScrapeTimeout)
	defer cancel()

	for _, a := range c.snapshot() {
		name := a.Name()
		m, err := a.Metrics(ctx)
		if err != nil {
			c.scrapeErrs.Inc()
			c.log.Warn("Failed to read adapter metrics", logging.String("adapter", name), logging.Err(err))
			continue
		}

		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{name}, labels...)...)
		}
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{name}, labels...)...)
		}

		counter(c.hits, m.Hits)
		counter(c.misses, m.Misses)
		gauge(c.hitRate, m.HitRate)
		gauge(c.size, float64(m.Size))
		if m.MaxSize > 0 {
			gauge(c.maxSize, float64(m.MaxSize))
		}
		if m.MemoryUsage != nil {
			gauge(c.memory, float64(*m.MemoryUsage))
		}
		counter(c.evictions, m.Evictions)
		counter(c.expirations, m.Expirations)
		counter(c.operations, m.GetOperations, "get")
		counter(c.operations, m.SetOperations, "set")
		counter(c.operations, m.DeleteOperations, "delete")
		gauge(c.latency, m.AvgGetLatencyMs, "get")
		gauge(c.latency, m.AvgSetLatencyMs, "set")
		gauge(c.uptime, float64(m.UptimeMs)/1000)

		status := a.HealthStatus(ctx)
		if status.Healthy {
			gauge(c.up, 1)
		} else {
			gauge(c.up, 0)
		}
		gauge(c.failures, float64(status.ConsecutiveFailures))

		if ml, ok := a.(*multilevel.Cache); ok {
			ls := ml.LevelStats()
			counter(c.levels, ls.L1Hits, "l1", "hit")
			counter(c.levels, ls.L1Misses, "l1", "miss")
			counter(c.levels, ls.L2Hits, "l2", "hit")
			counter(c.levels, ls.L2Misses, "l2", "miss")
			counter(c.levels, ls.L2Errors, "l2", "error")
			if bs, ok := ml.BreakerStats(); ok {
				gauge(c.breaker, breakerValue(bs.State), bs.Name)
			}
		}
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
