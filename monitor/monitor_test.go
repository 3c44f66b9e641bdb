package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Read(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBackend) Write(ctx context.Context, key string, data []byte, contentType string) error {
	return m.Called(ctx, key, data, contentType).Error(0)
}

func (m *MockBackend) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBackend) Lock(ctx context.Context, resource string, timeout time.Duration) (*interfaces.Lease, error) {
	args := m.Called(ctx, resource, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Lease), args.Error(1)
}

func (m *MockBackend) Name() string        { return "mock" }
func (m *MockBackend) LocationURI() string { return "mock:" }

type MockStrategy struct {
	mock.Mock
}

func (m *MockStrategy) Acquire(ctx context.Context, resource string, timeout time.Duration) (*interfaces.LockHandle, error) {
	args := m.Called(ctx, resource, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.LockHandle), args.Error(1)
}

func (m *MockStrategy) Renew(ctx context.Context, handle *interfaces.LockHandle) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *MockStrategy) Release(ctx context.Context, handle *interfaces.LockHandle) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *MockStrategy) Name() string { return "object" }

func newTestMonitor(t *testing.T) (*Monitor, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Tracer:        tp.Tracer("test"),
		LatencyWindow: 16,
	})
	require.NoError(t, err)
	return m, recorder
}

func findStats(t *testing.T, m *Monitor, target, operation string) OperationStats {
	t.Helper()
	for _, s := range m.Snapshot() {
		if s.Target == target && s.Operation == operation {
			return s
		}
	}
	t.Fatalf("no stats for %s %s", target, operation)
	return OperationStats{}
}

func TestWrapBackend_PassesThroughAndCounts(t *testing.T) {
	m, recorder := newTestMonitor(t)
	inner := new(MockBackend)
	ctx := context.Background()

	inner.On("Read", mock.Anything, "a").Return([]byte("x"), nil).Once()
	inner.On("Read", mock.Anything, "missing").Return(nil, interfaces.ErrNotFound).Once()
	inner.On("Write", mock.Anything, "a", []byte("y"), "text/plain").Return(nil).Once()
	inner.On("Exists", mock.Anything, "a").Return(true, nil).Once()
	inner.On("Delete", mock.Anything, "a").Return(fmt.Errorf("%w: disk gone", interfaces.ErrIO)).Once()
	inner.On("ListKeys", mock.Anything, "p/").Return([]string{"p/1"}, nil).Once()

	b := m.WrapBackend(inner)
	assert.Equal(t, "mock", b.Name())
	assert.Equal(t, "mock:", b.LocationURI())

	data, err := b.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
	_, err = b.Read(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	require.NoError(t, b.Write(ctx, "a", []byte("y"), "text/plain"))
	ok, err := b.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, b.Delete(ctx, "a"), interfaces.ErrIO)
	keys, err := b.ListKeys(ctx, "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/1"}, keys)
	inner.AssertExpectations(t)

	read := findStats(t, m, "mock", OpRead)
	assert.Equal(t, uint64(2), read.Attempts)
	assert.Equal(t, uint64(1), read.Successes)
	assert.Equal(t, map[string]uint64{"not_found": 1}, read.Failures)
	assert.Zero(t, read.FailureCount())

	del := findStats(t, m, "mock", OpDelete)
	assert.Equal(t, map[string]uint64{"io": 1}, del.Failures)
	assert.Equal(t, 1.0, del.FailureRate())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("mock", OpRead)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("mock", OpRead, "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("mock", OpDelete, "io")))

	spans := recorder.Ended()
	require.Len(t, spans, 6)
	assert.Equal(t, OpRead, spans[0].Name())
	assert.Equal(t, otelcodes.Error, spans[4].Status().Code)
}

func TestWrapLock_ObservesLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t)
	inner := new(MockStrategy)
	ctx := context.Background()
	handle := &interfaces.LockHandle{Resource: "r", Owner: "o"}

	inner.On("Acquire", mock.Anything, "r", time.Second).Return(handle, nil).Once()
	inner.On("Acquire", mock.Anything, "r", time.Second).Return(nil, interfaces.ErrLockAcquisition).Once()
	inner.On("Renew", mock.Anything, handle).Return(nil).Once()
	inner.On("Release", mock.Anything, handle).Return(nil).Once()

	s := m.WrapLock(inner)
	assert.Equal(t, "object", s.Name())

	got, err := s.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	assert.Same(t, handle, got)
	_, err = s.Acquire(ctx, "r", time.Second)
	assert.ErrorIs(t, err, interfaces.ErrLockAcquisition)

	lease := interfaces.NewLease(got, s)
	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))
	inner.AssertExpectations(t)

	acquire := findStats(t, m, "lock/object", OpLockAcquire)
	assert.Equal(t, uint64(2), acquire.Attempts)
	assert.Equal(t, map[string]uint64{"lock_acquisition": 1}, acquire.Failures)
	assert.Equal(t, uint64(1), findStats(t, m, "lock/object", OpLockRenew).Successes)
	assert.Equal(t, uint64(1), findStats(t, m, "lock/object", OpLockRelease).Successes)
}

func TestSnapshot_LatencyWindow(t *testing.T) {
	m, _ := newTestMonitor(t)
	key := opKey{target: "t", operation: "op"}

	// 20 samples into a window of 16: the four oldest are overwritten
	for i := 1; i <= 20; i++ {
		m.record(key, time.Duration(i)*time.Millisecond, "ok")
	}
	s := findStats(t, m, "t", "op")
	assert.Equal(t, uint64(20), s.Attempts)
	assert.Equal(t, 20*time.Millisecond, s.MaxLatency)
	assert.Equal(t, 20*time.Millisecond, s.P99Latency)
	assert.Equal(t, 10500*time.Microsecond, s.MeanLatency)

	m.Reset()
	assert.Empty(t, m.Snapshot())
}

func TestPercentile(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[99-i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 99*time.Millisecond, percentile(samples, 0.99))
	assert.Equal(t, 50*time.Millisecond, percentile(samples, 0.5))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.99))
	assert.Equal(t, 7*time.Millisecond, percentile([]time.Duration{7 * time.Millisecond}, 0.99))
}

func TestAdvise(t *testing.T) {
	m, _ := newTestMonitor(t)
	for i := 0; i < 100; i++ {
		outcome := "ok"
		if i%5 == 0 {
			outcome = "lock_acquisition"
		}
		m.record(opKey{target: "lock/object", operation: OpLockAcquire}, time.Millisecond, outcome)
		m.record(opKey{target: "lock/redis", operation: OpLockAcquire}, time.Millisecond, "ok")
		m.record(opKey{target: "s3-bucket", operation: OpRead}, time.Millisecond, "not_found")
	}
	m.record(opKey{target: "few", operation: OpRead}, time.Hour, "io")

	advice := m.Advise(Thresholds{MaxFailureRate: 0.1, MaxP99Latency: time.Second, MinAttempts: 50})
	require.Len(t, advice, 1)
	assert.Equal(t, "lock/object", advice[0].Target)
	assert.Equal(t, OpLockAcquire, advice[0].Operation)
	assert.InDelta(t, 0.2, advice[0].FailureRate, 1e-9)
	assert.Contains(t, advice[0].Recommendation, "redis")

	slow := m.Advise(Thresholds{MaxFailureRate: 1, MaxP99Latency: 500 * time.Microsecond})
	assert.Len(t, slow, 4)
	for _, a := range slow {
		assert.Contains(t, a.Reason, "p99 latency")
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	m, _ := newTestMonitor(t)
	_, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Registry: m.Registry()})
	assert.Error(t, err)
}
