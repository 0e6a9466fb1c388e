package dwayauth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)
	assert.Zero(t, m.Value(MetricLoginSuccess))
	assert.Empty(t, m.Snapshot().Counters)
}

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricLoginSuccess)
	m.Observe(MetricLoginLatency, time.Millisecond)
	assert.False(t, m.Enabled())
	assert.Zero(t, m.Value(MetricLoginSuccess))
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perG), m.Value(MetricRefreshSuccess))
}

func TestMetricsHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	for _, d := range []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	} {
		m.Observe(MetricLoginLatency, d)
	}
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap.Histograms[MetricLoginLatency], 8)
	for i, v := range snap.Histograms[MetricLoginLatency] {
		assert.Equal(t, uint64(1), v, "bucket %d", i)
	}
	assert.Equal(t, []uint64{0, 0, 0, 0, 0, 0, 0, 0}, snap.Histograms[MetricValidateLatency])
	assert.NotContains(t, snap.Histograms, MetricLoginSuccess)
	assert.NotContains(t, snap.Counters, MetricLoginLatency)
	assert.Equal(t, 1640*time.Millisecond, snap.LatencySums[MetricLoginLatency])
}

func TestBucketForMillisecondResolution(t *testing.T) {
	assert.Equal(t, 0, bucketFor(5*time.Millisecond+900*time.Microsecond))
	assert.Equal(t, 1, bucketFor(6*time.Millisecond))
	assert.Equal(t, 7, bucketFor(time.Second))
	assert.Equal(t, 0, bucketFor(0))
}

func TestMetricsHistogramsOffWithoutLatencyFlag(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricValidateLatency, time.Millisecond)
	m.Inc(MetricLogout)

	snap := m.Snapshot()
	assert.Empty(t, snap.Histograms)
	assert.Equal(t, uint64(1), snap.Counters[MetricLogout])
}
