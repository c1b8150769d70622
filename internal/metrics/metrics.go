// Package metrics is the operator-facing Prometheus surface: domain
// counters and histograms for trigger fires, batch outcomes, reconnects,
// and router latency, plus host resource gauges sampled via gopsutil.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Metrics holds every collector the system exports.
type Metrics struct {
	registry *prometheus.Registry

	TriggerFires      *prometheus.CounterVec
	Heartbeats        prometheus.Counter
	BatchActions      *prometheus.CounterVec
	HubReconnects     prometheus.Counter
	HubFramesDropped  prometheus.Counter
	RouterLatency     *prometheus.HistogramVec
	RouterFailures    *prometheus.CounterVec
	SnapshotsWritten  prometheus.Counter
	MonitorTicks      *prometheus.CounterVec

	hostCPU prometheus.Gauge
	hostMem prometheus.Gauge
}

// New builds and registers every collector on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		TriggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_fires_total",
			Help: "Trigger state machines reaching Fire, by strategy.",
		}, []string{"strategy"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trigger_heartbeats_total",
			Help: "Safety heartbeats emitted when no trigger fired.",
		}),
		BatchActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_actions_total",
			Help: "Executor action outcomes, by status.",
		}, []string{"status"}),
		HubReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_reconnects_total",
			Help: "Upstream market-data websocket (re)connections.",
		}),
		HubFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_frames_dropped_total",
			Help: "Frames dropped on slow downstream subscribers.",
		}),
		RouterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_latency_seconds",
			Help:    "Reasoning-provider completion latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		RouterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_failures_total",
			Help: "Reasoning-router failures, by error kind.",
		}, []string{"kind"}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_snapshots_total",
			Help: "Portfolio snapshots written.",
		}),
		MonitorTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_ticks_total",
			Help: "Control-loop ticks, by trigger source.",
		}, []string{"source"}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "host_cpu_percent",
			Help: "Host CPU utilization.",
		}),
		hostMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "host_memory_used_percent",
			Help: "Host memory utilization.",
		}),
	}

	registry.MustRegister(
		m.TriggerFires, m.Heartbeats, m.BatchActions,
		m.HubReconnects, m.HubFramesDropped,
		m.RouterLatency, m.RouterFailures,
		m.SnapshotsWritten, m.MonitorTicks,
		m.hostCPU, m.hostMem,
	)
	return m
}

// Serve exposes /metrics on port and samples host gauges every 15 seconds
// until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *zap.Logger, port int) {
	go m.sampleHost(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics: serving", zap.Int("port", port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics: server failed", zap.Error(err))
	}
}

func (m *Metrics) sampleHost(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				m.hostCPU.Set(percents[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				m.hostMem.Set(vm.UsedPercent)
			}
		}
	}
}
