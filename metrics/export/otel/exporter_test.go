package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/johnnydxm/dwayauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot dwayauth.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() dwayauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := dwayauth.MetricsSnapshot{
		Counters:   make(map[dwayauth.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[dwayauth.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

// collect keys data points by metric name, suffixed with {le} for bucket
// observations.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	add := func(name string, dp metricdata.DataPoint[int64]) {
		if le, ok := dp.Attributes.Value(LeKey); ok {
			name += "{" + le.AsString() + "}"
		}
		out[name] = dp.Value
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					add(m.Name, dp)
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					add(m.Name, dp)
				}
			}
		}
	}
	return out
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: dwayauth.MetricsSnapshot{
			Counters: map[dwayauth.MetricID]uint64{
				dwayauth.MetricLoginSuccess:   3,
				dwayauth.MetricSessionBlocked: 2,
			},
			Histograms: map[dwayauth.MetricID][]uint64{
				dwayauth.MetricValidateLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
	}

	exp, err := NewOTelExporterFromSource(provider.Meter("dwayauth-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	got := collect(t, reader)
	assert.Equal(t, int64(3), got["dwayauth_login_success_total"])
	assert.Equal(t, int64(2), got["dwayauth_session_blocked_total"])
	assert.Equal(t, int64(1), got["dwayauth_validate_latency_seconds_bucket{0.005}"])
	assert.Equal(t, int64(4), got["dwayauth_validate_latency_seconds_bucket{0.05}"])
	assert.Equal(t, int64(8), got["dwayauth_validate_latency_seconds_bucket{+Inf}"])
	assert.Equal(t, int64(0), got["dwayauth_login_latency_seconds_bucket{+Inf}"])
	assert.Equal(t, int64(8), got["dwayauth_validate_latency_seconds_count"])
	assert.Equal(t, int64(1), got["dwayauth_audit_dropped_total"])
}

func TestExporterAppliesCommonAttributes(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{snapshot: dwayauth.MetricsSnapshot{
		Counters: map[dwayauth.MetricID]uint64{dwayauth.MetricLogout: 4},
	}}

	exp, err := NewOTelExporterFromSource(provider.Meter("dwayauth-test"), src,
		WithAttributes(attribute.String("region", "eu-west")))
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var seen bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || m.Name != "dwayauth_logout_total" {
				continue
			}
			require.Len(t, sum.DataPoints, 1)
			region, ok := sum.DataPoints[0].Attributes.Value("region")
			require.True(t, ok)
			assert.Equal(t, "eu-west", region.AsString())
			assert.Equal(t, int64(4), sum.DataPoints[0].Value)
			seen = true
		}
	}
	assert.True(t, seen)
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, provider := newReader()
	_, err := NewOTelExporterFromSource(provider.Meter("dwayauth-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)
	_, err = NewOTelExporterFromSource(nil, &fakeSource{})
	require.ErrorIs(t, err, ErrNilMeter)
	_, err = NewOTelExporter(provider.Meter("dwayauth-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: dwayauth.MetricsSnapshot{
			Counters:   map[dwayauth.MetricID]uint64{dwayauth.MetricLoginSuccess: 1},
			Histograms: map[dwayauth.MetricID][]uint64{},
		},
	}

	exp, err := NewOTelExporterFromSource(provider.Meter("dwayauth-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[dwayauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
