// Package metrics provides the Prometheus metrics of the capture pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

const namespace = "segmenter"

// Metrics contains all Prometheus metrics of the capture, queue and storage
// stages.
type Metrics struct {
	SegmentsEmitted   prometheus.Counter
	SegmentsQueued    prometheus.Counter
	SegmentsDiscarded prometheus.Counter
	SegmentsDropped   prometheus.Counter
	SegmentsWritten   prometheus.Counter
	WriteFailures     prometheus.Counter
	SegmentsLost      prometheus.Counter
	BytesWritten      prometheus.Counter
	StatusEvents      *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	WriteLatency      prometheus.Histogram

	registry *prometheus.Registry
}

// Summary is a point-in-time copy of the segment counters.
type Summary struct {
	Emitted   uint64
	Queued    uint64
	Discarded uint64
	Dropped   uint64
	Written   uint64
	Failed    uint64
	Lost      uint64
	Bytes     uint64
}

// NewMetrics creates the pipeline metrics and registers them on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()

	collectors := []prometheus.Collector{
		m.SegmentsEmitted,
		m.SegmentsQueued,
		m.SegmentsDiscarded,
		m.SegmentsDropped,
		m.SegmentsWritten,
		m.WriteFailures,
		m.SegmentsLost,
		m.BytesWritten,
		m.StatusEvents,
		m.QueueDepth,
		m.WriteLatency,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// NewUnregistered returns working collectors that are not exported on any
// registry, for components wired without a metrics endpoint.
func NewUnregistered() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m.SegmentsEmitted = counter("segments_emitted_total", "Segments completed by the accumulator")
	m.SegmentsQueued = counter("segments_queued_total", "Segments handed to the persistence queue")
	m.SegmentsDiscarded = counter("segments_discarded_total", "Segments discarded because persistence was disabled")
	m.SegmentsDropped = counter("segments_dropped_total", "Segments evicted by a bounded queue")
	m.SegmentsWritten = counter("segments_written_total", "Segments persisted to a file")
	m.WriteFailures = counter("write_failures_total", "Segment writes that failed")
	m.SegmentsLost = counter("segments_lost_total", "Queued segments still unwritten when the drain timed out")
	m.BytesWritten = counter("bytes_written_total", "Bytes of WAV files written")

	m.StatusEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_status_events_total",
		Help:      "Driver-reported capture anomalies by kind",
	}, []string{"kind"})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Segments waiting in the persistence queue",
	})

	m.WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "write_latency_seconds",
		Help:      "Time spent writing one segment file",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
}

// ObserveStatus counts one driver anomaly.
func (m *Metrics) ObserveStatus(kind string) {
	m.StatusEvents.WithLabelValues(kind).Inc()
}

// ObserveWrite records a successful segment write.
func (m *Metrics) ObserveWrite(size int64, elapsed time.Duration) {
	m.SegmentsWritten.Inc()
	m.BytesWritten.Add(float64(size))
	m.WriteLatency.Observe(elapsed.Seconds())
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Summary {
	return Summary{
		Emitted:   counterValue(m.SegmentsEmitted),
		Queued:    counterValue(m.SegmentsQueued),
		Discarded: counterValue(m.SegmentsDiscarded),
		Dropped:   counterValue(m.SegmentsDropped),
		Written:   counterValue(m.SegmentsWritten),
		Failed:    counterValue(m.WriteFailures),
		Lost:      counterValue(m.SegmentsLost),
		Bytes:     counterValue(m.BytesWritten),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil || out.Counter == nil {
		return 0
	}
	return uint64(out.Counter.GetValue())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs a /metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
