package backend

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
)

// Health is a point-in-time snapshot of backend reachability.
type Health struct {
	Node        bool
	Java        bool
	NodeLatency time.Duration
	JavaLatency time.Duration
	LastChecked time.Time
}

// Overall reports whether at least one backend is reachable.
func (h Health) Overall() bool { return h.Node || h.Java }

// HealthMonitor probes both backends and keeps the latest result for the
// router and the auth service. Check never returns an error: an unreachable
// backend is a routing input, not a failure.
type HealthMonitor struct {
	mu sync.RWMutex

	node     *Client
	java     *Client
	nodePath string
	javaPath string

	health  Health
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// HealthMonitorConfig configures the monitor's probe paths.
type HealthMonitorConfig struct {
	NodeHealthPath string
	JavaHealthPath string
}

// NewHealthMonitor creates a monitor for both backends. Metrics may be nil.
func NewHealthMonitor(node, java *Client, cfg HealthMonitorConfig, logger *logging.Logger, m *metrics.Metrics) *HealthMonitor {
	nodePath := cfg.NodeHealthPath
	if nodePath == "" {
		nodePath = "/health"
	}
	javaPath := cfg.JavaHealthPath
	if javaPath == "" {
		javaPath = "/enhanced/health"
	}

	return &HealthMonitor{
		node:     node,
		java:     java,
		nodePath: nodePath,
		javaPath: javaPath,
		logger:   logger.With("health"),
		metrics:  m,
	}
}

// Check probes both backends concurrently and records the result. A network
// error or non-2xx response marks that backend unhealthy.
func (h *HealthMonitor) Check(ctx context.Context) Health {
	var (
		nodeUp, javaUp           bool
		nodeLatency, javaLatency time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nodeUp, nodeLatency = h.probe(gctx, h.node, h.nodePath)
		return nil
	})
	g.Go(func() error {
		javaUp, javaLatency = h.probe(gctx, h.java, h.javaPath)
		return nil
	})
	_ = g.Wait() // probes never return errors

	health := Health{
		Node:        nodeUp,
		Java:        javaUp,
		NodeLatency: nodeLatency,
		JavaLatency: javaLatency,
		LastChecked: time.Now(),
	}

	h.store(health)

	h.logger.Debug().
		Bool("node", health.Node).
		Bool("java", health.Java).
		Dur("node_latency", health.NodeLatency).
		Dur("java_latency", health.JavaLatency).
		Msg("health check")

	return health
}

// Snapshot returns the latest recorded health without probing.
func (h *HealthMonitor) Snapshot() Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}

// SetFromReport overrides the reachability flags from an aggregated health
// payload (the enhanced health endpoint reports on both backends at once).
// Latencies from the last direct probe are preserved.
func (h *HealthMonitor) SetFromReport(node, java bool) {
	h.mu.Lock()
	h.health.Node = node
	h.health.Java = java
	h.health.LastChecked = time.Now()
	health := h.health
	h.mu.Unlock()

	h.publish(health)
}

func (h *HealthMonitor) store(health Health) {
	h.mu.Lock()
	h.health = health
	h.mu.Unlock()

	h.publish(health)
}

func (h *HealthMonitor) publish(health Health) {
	if h.metrics == nil {
		return
	}
	h.metrics.SetBackendHealth(string(SourceNode), health.Node, health.NodeLatency)
	h.metrics.SetBackendHealth(string(SourceJava), health.Java, health.JavaLatency)
}

func (h *HealthMonitor) probe(ctx context.Context, client *Client, path string) (bool, time.Duration) {
	start := time.Now()

	resp, err := client.Get(ctx, path)
	latency := time.Since(start)
	if err != nil {
		return false, latency
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300, latency
}
