// Package monitor observes storage backends and lock strategies.
//
// A Monitor wraps interfaces.StorageBackend and interfaces.LockStrategy values
// without changing their contracts and records, per target and operation, the
// attempt count, successes, failures by error kind and latency. The counters
// are exported to Prometheus, each call gets an OpenTelemetry span, and
// Snapshot/Advise give operators the numbers behind decisions such as moving
// a hot resource from the object lock to Redis. The monitor never switches
// strategies by itself.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/leasestore/interfaces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLatencyWindow is the number of recent samples kept per operation for
// percentile estimates.
const DefaultLatencyWindow = 1024

const tracerName = "github.com/ruteri/leasestore/monitor"

// Options configures a Monitor. The zero value is usable.
type Options struct {
	// Registry receives the Prometheus collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry
	// Tracer starts one span per observed call. Defaults to the global
	// OpenTelemetry tracer provider.
	Tracer trace.Tracer
	// LatencyWindow bounds the samples kept for percentiles.
	LatencyWindow int
}

// Monitor records operation statistics. It is safe for concurrent use.
type Monitor struct {
	log      *slog.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry
	window   int

	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	mu  sync.Mutex
	ops map[opKey]*opState
}

type opKey struct {
	target    string
	operation string
}

type opState struct {
	attempts  uint64
	successes uint64
	failures  map[string]uint64
	total     time.Duration
	max       time.Duration
	samples   []time.Duration
	next      int
}

// New creates a Monitor and registers its Prometheus collectors.
func New(log *slog.Logger, opts Options) (*Monitor, error) {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = DefaultLatencyWindow
	}

	m := &Monitor{
		log:      log,
		tracer:   opts.Tracer,
		registry: opts.Registry,
		window:   opts.LatencyWindow,
		ops:      make(map[opKey]*opState),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasestore",
			Name:      "operation_attempts_total",
			Help:      "Storage and lock operations started",
		}, []string{"target", "operation"}),

		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasestore",
			Name:      "operation_results_total",
			Help:      "Storage and lock operations finished, by outcome (ok or error kind)",
		}, []string{"target", "operation", "outcome"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leasestore",
			Name:      "operation_duration_seconds",
			Help:      "Storage and lock operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"target", "operation"}),
	}

	for _, c := range []prometheus.Collector{m.attempts, m.results, m.latency} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the Prometheus registry holding the monitor's collectors.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// observe runs fn inside a span and records its outcome.
func (m *Monitor) observe(ctx context.Context, target, operation string, fn func(ctx context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("leasestore.target", target),
	))
	defer span.End()

	m.attempts.WithLabelValues(target, operation).Inc()
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = interfaces.ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("leasestore.outcome", outcome))

	m.results.WithLabelValues(target, operation, outcome).Inc()
	m.latency.WithLabelValues(target, operation).Observe(elapsed.Seconds())
	m.record(opKey{target: target, operation: operation}, elapsed, outcome)
	return err
}

func (m *Monitor) record(key opKey, elapsed time.Duration, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.ops[key]
	if !ok {
		st = &opState{failures: make(map[string]uint64)}
		m.ops[key] = st
	}
	st.attempts++
	if outcome == "ok" {
		st.successes++
	} else {
		st.failures[outcome]++
	}
	st.total += elapsed
	if elapsed > st.max {
		st.max = elapsed
	}
	if len(st.samples) < m.window {
		st.samples = append(st.samples, elapsed)
	} else {
		st.samples[st.next] = elapsed
		st.next = (st.next + 1) % m.window
	}
}

// OperationStats is a point-in-time view of one target's operation.
type OperationStats struct {
	Target      string            `json:"target"`
	Operation   string            `json:"operation"`
	Attempts    uint64            `json:"attempts"`
	Successes   uint64            `json:"successes"`
	Failures    map[string]uint64 `json:"failures"`
	MeanLatency time.Duration     `json:"mean_latency_ns"`
	P99Latency  time.Duration     `json:"p99_latency_ns"`
	MaxLatency  time.Duration     `json:"max_latency_ns"`
}

// FailureCount sums failures, skipping kinds that are expected outcomes
// rather than faults (not_found, canceled).
func (s OperationStats) FailureCount() uint64 {
	var n uint64
	for kind, c := range s.Failures {
		if kind == "not_found" || kind == "canceled" {
			continue
		}
		n += c
	}
	return n
}

// FailureRate is FailureCount over attempts.
func (s OperationStats) FailureRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.FailureCount()) / float64(s.Attempts)
}

// Snapshot returns the statistics of every observed operation, sorted by
// target and operation.
func (m *Monitor) Snapshot() []OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OperationStats, 0, len(m.ops))
	for key, st := range m.ops {
		failures := make(map[string]uint64, len(st.failures))
		for k, v := range st.failures {
			failures[k] = v
		}
		stats := OperationStats{
			Target:     key.target,
			Operation:  key.operation,
			Attempts:   st.attempts,
			Successes:  st.successes,
			Failures:   failures,
			MaxLatency: st.max,
			P99Latency: percentile(st.samples, 0.99),
		}
		if st.attempts > 0 {
			stats.MeanLatency = st.total / time.Duration(st.attempts)
		}
		out = append(out, stats)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Reset drops the in-memory statistics. Prometheus counters are monotonic
// and are not affected.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[opKey]*opState)
}

// percentile uses the nearest-rank method.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
