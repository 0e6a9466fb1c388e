package dwayauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a counter, or for latency IDs a histogram, in the
// in-process metrics system.
type MetricID uint16

const (
	// MetricLoginSuccess counts successful logins that established a session.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins rejected for bad credentials.
	MetricLoginFailure
	// MetricLoginRateLimited counts logins rejected by the action limiter.
	MetricLoginRateLimited
	// MetricLoginBlocked counts logins blocked by the risk analyzer.
	MetricLoginBlocked
	// MetricLoginRiskWarning counts logins that passed with a risk warning.
	MetricLoginRiskWarning
	// MetricRiskDegraded counts risk assessments that failed open.
	MetricRiskDegraded
	// MetricAccountLocked counts accounts locked by the lockout policy.
	MetricAccountLocked
	// MetricAccountLockedRejected counts logins rejected because the account was locked.
	MetricAccountLockedRejected
	// MetricAccountNotActive counts logins rejected for inactive accounts.
	MetricAccountNotActive
	// MetricMFARequired counts logins that required an MFA step.
	MetricMFARequired
	// MetricMFASuccess counts successful MFA verifications.
	MetricMFASuccess
	// MetricMFAFailure counts rejected MFA codes.
	MetricMFAFailure
	// MetricMFARateLimited counts MFA verifications refused by rate limits.
	MetricMFARateLimited
	// MetricMFAExpired counts MFA verifications against expired challenges.
	MetricMFAExpired
	// MetricBackupCodeUsed counts backup codes consumed.
	MetricBackupCodeUsed
	// MetricStepUpSuccess counts successful step-up verifications.
	MetricStepUpSuccess
	// MetricRefreshSuccess counts successful refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refresh attempts rejected.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts refresh token reuse detections.
	MetricRefreshReuseDetected
	// MetricSessionCreated counts sessions created.
	MetricSessionCreated
	// MetricSessionRevoked counts sessions revoked.
	MetricSessionRevoked
	// MetricSessionDriftAlert counts session context drift alerts.
	MetricSessionDriftAlert
	// MetricSessionBlocked counts sessions revoked for suspicious context.
	MetricSessionBlocked
	// MetricLogout counts single-session logouts.
	MetricLogout
	// MetricLogoutAll counts all-device logouts.
	MetricLogoutAll
	// MetricRegisterSuccess counts accounts registered.
	MetricRegisterSuccess
	// MetricRegisterDuplicate counts registrations rejected as duplicate.
	MetricRegisterDuplicate
	// MetricRegisterRateLimited counts registrations rejected by the action limiter.
	MetricRegisterRateLimited
	// MetricEmailVerificationSuccess counts emails verified.
	MetricEmailVerificationSuccess
	// MetricEmailVerificationFailure counts email verification failures.
	MetricEmailVerificationFailure
	// MetricPasswordChangeSuccess counts password changes.
	MetricPasswordChangeSuccess
	// MetricPasswordChangeFailure counts rejected password changes.
	MetricPasswordChangeFailure
	// MetricPasswordResetRequest counts password reset requests.
	MetricPasswordResetRequest
	// MetricPasswordResetSuccess counts password resets completed.
	MetricPasswordResetSuccess
	// MetricPasswordResetFailure counts password reset confirmations rejected.
	MetricPasswordResetFailure
	// MetricValidateLatency records the latency of access token and session validation.
	MetricValidateLatency
	// MetricLoginLatency records the latency of password logins.
	MetricLoginLatency
	metricIDCount
)

// latencyBounds are the inclusive upper bounds of the first seven latency
// buckets. The eighth bucket takes everything slower.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const latencyBuckets = len(latencyBounds) + 1

// latencySlots maps a latency MetricID to its histogram slot.
var latencySlots = map[MetricID]int{
	MetricValidateLatency: 0,
	MetricLoginLatency:    1,
}

// counter sits alone on a cache line so hot counters do not contend.
type counter struct {
	atomic.Uint64
	_ [56]byte
}

type latencyHistogram struct {
	buckets [latencyBuckets]atomic.Uint64
	sumNS   atomic.Int64
}

// Metrics holds lock-free counters and fixed-bucket latency histograms.
// A nil or disabled Metrics accepts every call and records nothing.
type Metrics struct {
	enabled    bool
	latency    bool
	counters   [metricIDCount]counter
	histograms [2]latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and, when
// latency histograms are enabled, every histogram's per-bucket counts and
// the total observed duration.
type MetricsSnapshot struct {
	Counters    map[MetricID]uint64
	Histograms  map[MetricID][]uint64
	LatencySums map[MetricID]time.Duration
}

// NewMetrics creates a Metrics set from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// Observe records d in the histogram id. Only latency IDs have histograms.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	slot, ok := latencySlots[id]
	if !ok {
		return
	}
	h := &m.histograms[slot]
	h.buckets[bucketFor(d)].Add(1)
	h.sumNS.Add(int64(d))
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot copies the current state. Counters and buckets are read
// individually, so a snapshot taken under load is not a single instant.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:    map[MetricID]uint64{},
		Histograms:  map[MetricID][]uint64{},
		LatencySums: map[MetricID]time.Duration{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if _, isLatency := latencySlots[id]; isLatency {
			continue
		}
		s.Counters[id] = m.counters[id].Load()
	}
	if !m.latency {
		return s
	}
	for id, slot := range latencySlots {
		h := &m.histograms[slot]
		buckets := make([]uint64, latencyBuckets)
		for i := range buckets {
			buckets[i] = h.buckets[i].Load()
		}
		s.Histograms[id] = buckets
		s.LatencySums[id] = time.Duration(h.sumNS.Load())
	}
	return s
}

// bucketFor compares at millisecond resolution: 5.9ms lands in the 5ms
// bucket.
func bucketFor(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
