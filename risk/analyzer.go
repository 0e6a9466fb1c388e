// Package risk implements the rule-based request risk analyzer.
//
// The analyzer never fails a request: when Redis is slow or down the rules
// that need it are skipped, a warning is logged and the assessment is
// marked Degraded.
package risk

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/johnnydxm/dwayauth/clock"
	irate "github.com/johnnydxm/dwayauth/internal/rate"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Reasons reported in Assessment.Reasons.
const (
	ReasonMissingUserAgent    = "missing_user_agent"
	ReasonSuspiciousUserAgent = "suspicious_user_agent"
	ReasonInvalidIP           = "invalid_ip"
	ReasonHighVelocity        = "high_velocity"
	ReasonBurst               = "burst"
	ReasonNewNetwork          = "new_network"
	ReasonAddressFamilyChange = "address_family_change"
)

// Level buckets a score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Config holds the analyzer thresholds and rule parameters. Rule weights
// are heuristics tuned so that no single soft signal blocks on its own.
type Config struct {
	WarnThreshold  int
	BlockThreshold int

	VelocityLimit  int
	VelocityWindow time.Duration

	BurstPerSecond float64
	Burst          int
	MaxBurstKeys   int

	HistorySize int
	HistoryTTL  time.Duration

	BadUserAgents []string
	Timeout       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:  40,
		BlockThreshold: 80,
		VelocityLimit:  30,
		VelocityWindow: time.Minute,
		BurstPerSecond: 5,
		Burst:          10,
		MaxBurstKeys:   10000,
		HistorySize:    10,
		HistoryTTL:     90 * 24 * time.Hour,
		BadUserAgents: []string{
			"sqlmap", "nikto", "nmap", "masscan", "zgrab", "hydra",
			"python-requests", "go-http-client", "curl/", "wget/", "headlesschrome",
		},
		Timeout: 250 * time.Millisecond,
	}
}

// Request is the context of one inbound call.
type Request struct {
	UserID    string
	IP        string
	UserAgent string
	Action    string
}

// Assessment is the analyzer verdict.
type Assessment struct {
	Blocked  bool
	Warn     bool
	Score    int
	Level    Level
	Reasons  []string
	Degraded bool
}

// Analyzer scores requests.
type Analyzer struct {
	redis    redis.UniversalClient
	velocity *irate.SlidingWindow
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	bursts map[string]*rate.Limiter
}

// NewAnalyzer builds an Analyzer. client may be nil, in which case only the
// stateless and in-process rules run.
func NewAnalyzer(client redis.UniversalClient, cfg Config, c clock.Clock, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	c = clock.OrSystem(c)
	a := &Analyzer{
		redis:  client,
		cfg:    cfg,
		clock:  c,
		logger: logger,
		bursts: make(map[string]*rate.Limiter),
	}
	if client != nil && cfg.VelocityLimit > 0 {
		a.velocity = irate.NewSlidingWindow(client, "arv", cfg.VelocityLimit, cfg.VelocityWindow, c.Now)
	}
	return a
}

// Analyze scores req. It never returns an error.
func (a *Analyzer) Analyze(ctx context.Context, req Request) Assessment {
	var (
		score   int
		reasons []string
		out     Assessment
	)
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	ua := strings.ToLower(strings.TrimSpace(req.UserAgent))
	switch {
	case ua == "":
		add(20, ReasonMissingUserAgent)
	case a.badAgent(ua):
		add(50, ReasonSuspiciousUserAgent)
	}

	ip := net.ParseIP(strings.TrimSpace(req.IP))
	if ip == nil {
		add(30, ReasonInvalidIP)
	}

	key := req.IP
	if key == "" {
		key = "unknown"
	}
	if !a.allowBurst(key) {
		add(30, ReasonBurst)
	}

	rctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	if a.velocity != nil {
		d, err := a.velocity.Allow(rctx, key)
		if err != nil {
			out.Degraded = true
			a.logger.Warn("dwayauth: risk velocity check failed", "ip", req.IP, "error", err)
		} else if !d.Allowed {
			add(40, ReasonHighVelocity)
		}
	}

	if ip != nil && req.UserID != "" && a.redis != nil {
		known, err := a.redis.ZRange(rctx, a.historyKey(req.UserID), 0, -1).Result()
		if err != nil {
			out.Degraded = true
			a.logger.Warn("dwayauth: risk history lookup failed", "user_id", req.UserID, "error", err)
		} else if len(known) > 0 {
			network := networkOf(ip)
			seen, sameFamily := false, false
			for _, n := range known {
				if n == network {
					seen = true
				}
				if familyOf(n) == familyOf(network) {
					sameFamily = true
				}
			}
			if !seen {
				add(20, ReasonNewNetwork)
				if !sameFamily {
					add(10, ReasonAddressFamilyChange)
				}
			}
		}
	}

	if score > 100 {
		score = 100
	}
	out.Score = score
	out.Reasons = reasons
	out.Warn = a.cfg.WarnThreshold > 0 && score >= a.cfg.WarnThreshold
	out.Blocked = a.cfg.BlockThreshold > 0 && score >= a.cfg.BlockThreshold
	switch {
	case out.Blocked:
		out.Level = LevelHigh
	case out.Warn:
		out.Level = LevelMedium
	default:
		out.Level = LevelLow
	}
	return out
}

// Remember adds ip's network to the user's recent history. Errors are
// logged and swallowed.
func (a *Analyzer) Remember(ctx context.Context, userID, ip string) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if a.redis == nil || userID == "" || parsed == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	key := a.historyKey(userID)
	size := int64(a.cfg.HistorySize)
	if size <= 0 {
		size = 10
	}
	_, err := a.redis.TxPipelined(rctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(rctx, key, redis.Z{Score: float64(a.clock.Now().UnixMilli()), Member: networkOf(parsed)})
		pipe.ZRemRangeByRank(rctx, key, 0, -size-1)
		pipe.Expire(rctx, key, a.cfg.HistoryTTL)
		return nil
	})
	if err != nil {
		a.logger.Warn("dwayauth: risk history update failed", "user_id", userID, "error", err)
	}
}

func (a *Analyzer) badAgent(ua string) bool {
	for _, p := range a.cfg.BadUserAgents {
		if p != "" && strings.Contains(ua, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (a *Analyzer) allowBurst(key string) bool {
	if a.cfg.BurstPerSecond <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.bursts[key]
	if !ok {
		if a.cfg.MaxBurstKeys > 0 && len(a.bursts) >= a.cfg.MaxBurstKeys {
			a.bursts = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(a.cfg.BurstPerSecond), a.cfg.Burst)
		a.bursts[key] = l
	}
	return l.AllowN(a.clock.Now(), 1)
}

func (a *Analyzer) timeout() time.Duration {
	if a.cfg.Timeout <= 0 {
		return 250 * time.Millisecond
	}
	return a.cfg.Timeout
}

func (a *Analyzer) historyKey(userID string) string {
	return "arh:" + userID
}

// networkOf returns the /24 (IPv4) or /64 (IPv6) network of ip.
func networkOf(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

func familyOf(network string) string {
	if strings.HasSuffix(network, "/24") {
		return "v4"
	}
	return "v6"
}
