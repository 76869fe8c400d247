package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "logship"

// Drop reasons and cycle results used as label values.
const (
	ReasonMaxBytes = "max_bytes"
	ReasonFilter   = "filter"

	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"

	TriggerSize     = "size"
	TriggerIdle     = "idle"
	TriggerShutdown = "shutdown"
	TriggerManual   = "manual"
)

type Metrics struct {
	Registry *prometheus.Registry

	LinesRead         prometheus.Counter
	LinesDropped      *prometheus.CounterVec
	ReadCycles        *prometheus.CounterVec
	BufferFlushes     *prometheus.CounterVec
	BufferFlushErrors *prometheus.CounterVec
}

// New registers all collectors on a private registry so tests can create as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Lines read from source files.",
		}),
		LinesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_dropped_total",
			Help:      "Lines dropped before reaching any sink.",
		}, []string{"reason"}),
		ReadCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_cycles_total",
			Help:      "File read cycles by result.",
		}, []string{"result"}),
		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Batch buffer flushes by sink type and trigger.",
		}, []string{"sink_type", "trigger"}),
		BufferFlushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flush_errors_total",
			Help:      "Failed batch buffer flushes by sink type.",
		}, []string{"sink_type"}),
	}
	reg.MustRegister(m.LinesRead, m.LinesDropped, m.ReadCycles, m.BufferFlushes, m.BufferFlushErrors)
	return m
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
