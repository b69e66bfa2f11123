// Package metrics exposes the control plane's counters over prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slog "github.com/vearne/simplelog"
)

const namespace = "ebpfcca"

// drop reasons
const (
	DropUnknownFlow = "unknown_flow"
	DropRetired     = "retired"
	DropStale       = "stale"
	DropQueueFull   = "queue_full"
	DropNoEntry     = "no_table_entry"
	DropTapFull     = "tap_full"
)

// command and measurement results
const (
	ResultApplied    = "applied"
	ResultFailed     = "failed"
	ResultDropped    = "dropped"
	ResultSent       = "sent"
	ResultSuppressed = "suppressed"
	ResultClosed     = "closed"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_events_total",
			Help:      "Records consumed from the kernel ring buffers.",
		},
		[]string{"stream"},
	)
	dropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Events and commands dropped, by reason.",
		},
		[]string{"reason"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Control commands handled by the kernel writeback.",
		},
		[]string{"kind", "result"},
	)
	measurementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Measurement reports forwarded to the algorithm.",
		},
		[]string{"result"},
	)
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Flows currently registered.",
		},
	)
)

// Registry holds every collector of this package once Register ran.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(eventsTotal)
		Registry.MustRegister(dropsTotal)
		Registry.MustRegister(commandsTotal)
		Registry.MustRegister(measurementsTotal)
		Registry.MustRegister(liveConnections)
	})
}

func RecordEvent(stream string) {
	eventsTotal.WithLabelValues(stream).Inc()
}

func RecordDrop(reason string) {
	dropsTotal.WithLabelValues(reason).Inc()
}

func RecordCommand(kind, result string) {
	commandsTotal.WithLabelValues(kind, result).Inc()
}

func RecordMeasurement(result string) {
	measurementsTotal.WithLabelValues(result).Inc()
}

func SetLiveConnections(n int) {
	liveConnections.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown: %v", err)
		}
	}()

	slog.Info("metrics listening on %v", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
