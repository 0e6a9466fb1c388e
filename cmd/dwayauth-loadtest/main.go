package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/johnnydxm/dwayauth"
	"github.com/johnnydxm/dwayauth/config"
	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/password"
	"github.com/johnnydxm/dwayauth/store/memory"
	"github.com/johnnydxm/dwayauth/store/postgres"
	"github.com/johnnydxm/dwayauth/token"
	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const loadPassword = "Load-Test-Passw0rd!"

type userState struct {
	email string
	rc    dwayauth.RequestContext

	mu      sync.Mutex
	access  string
	refresh string
}

func main() {
	var (
		users       = flag.Int("users", 200, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (validate + refresh)")
		logins      = flag.Int("logins", 400, "password logins in the login phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 || *logins <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, ops, and logins must be > 0")
		os.Exit(2)
	}

	if err := run(*users, *concurrency, *ops, *logins, *redisAddr); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(users, concurrency, ops, logins int, redisAddr string) error {
	ctx := context.Background()

	settings, err := config.Load()
	if err != nil {
		return err
	}

	client, cleanup, err := openRedis(settings, redisAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	repos, closeRepos, err := openRepositories(ctx, settings)
	if err != nil {
		return err
	}
	defer closeRepos()

	audit := &countingExporter{byType: make(map[string]int)}
	logs := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(audit)))
	defer func() { _ = logs.Shutdown(ctx) }()

	cfg, err := loadConfig(ops, users)
	if err != nil {
		return err
	}

	engine, err := dwayauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserRepository(repos.users).
		WithMFARepository(repos.mfa).
		WithRevocationLog(repos.revocations).
		WithAuditSink(dwayauth.NewOTelLogSink(logs)).
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	states, err := seedUsers(ctx, engine, repos.users, users, cfg.Password.BcryptCost)
	if err != nil {
		return err
	}

	loginStats := runPhase(logins, concurrency, 7919, func(s *userState) error {
		return login(ctx, engine, s)
	}, states)
	validateStats := runPhase(ops, concurrency, 6151, func(s *userState) error {
		s.mu.Lock()
		access := s.access
		s.mu.Unlock()
		_, err := engine.ValidateAccess(ctx, access)
		return err
	}, states)
	refreshStats := runPhase(ops, concurrency, 4099, func(s *userState) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.RefreshTokens(ctx, s.refresh, s.rc)
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	}, states)

	engine.Close()
	_ = logs.ForceFlush(ctx)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("metrics: login_success=%d refresh_success=%d reuse_detected=%d audit_dropped=%d\n",
		snap.Counters[dwayauth.MetricLoginSuccess],
		snap.Counters[dwayauth.MetricRefreshSuccess],
		snap.Counters[dwayauth.MetricRefreshReuseDetected],
		engine.AuditDropped(),
	)
	audit.print()
	return nil
}

func openRedis(settings *config.Settings, addr string) (redis.UniversalClient, func(), error) {
	if addr == "" && os.Getenv("REDIS_ADDR") != "" {
		addr = settings.RedisAddr
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	opts := settings.RedisOptions()
	opts.Addr = addr
	client := redis.NewClient(opts)
	fmt.Printf("using redis at %s\n", addr)
	return client, func() { _ = client.Close() }, nil
}

type repositories struct {
	users       credential.Repository
	mfa         mfa.Repository
	revocations token.RevocationLog
}

func openRepositories(ctx context.Context, settings *config.Settings) (repositories, func(), error) {
	if settings.DatabaseURL == "" {
		fmt.Println("using in-memory stores")
		return repositories{
			users:       memory.NewUsers(),
			mfa:         memory.NewMFA(),
			revocations: memory.NewRevocations(),
		}, func() {}, nil
	}

	pool, err := postgres.Open(ctx, settings.DatabaseURL, postgres.PoolOptions{MaxConns: settings.DatabaseMaxConn})
	if err != nil {
		return repositories{}, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return repositories{}, nil, err
	}
	fmt.Println("using postgres stores")
	return repositories{
		users:       postgres.NewUsers(pool),
		mfa:         postgres.NewMFA(pool),
		revocations: postgres.NewRevocations(pool),
	}, pool.Close, nil
}

// loadConfig uses fresh keys and lifts the per-IP and per-account limits
// that would otherwise throttle a single load generator.
func loadConfig(ops, users int) (dwayauth.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return dwayauth.Config{}, err
	}
	mfaKey := make([]byte, 32)
	if _, err := rand.Read(mfaKey); err != nil {
		return dwayauth.Config{}, err
	}

	cfg := dwayauth.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.MFA.SecretKey = mfaKey
	cfg.Password.BcryptCost = password.MinCost
	cfg.RateLimit.Login = dwayauth.ActionLimit{Window: time.Minute}
	cfg.Risk.VelocityLimit = ops + users
	cfg.Risk.BurstPerSecond = float64(ops)
	cfg.Risk.Burst = ops
	cfg.Audit.BufferSize = 8192
	return cfg, cfg.Validate()
}

// seedUsers creates active accounts directly in the repository and logs
// each one in once so every user holds a token pair.
func seedUsers(ctx context.Context, engine *dwayauth.Engine, repo credential.Repository, n, cost int) ([]*userState, error) {
	hash, err := password.NewHasher(cost).Hash(loadPassword)
	if err != nil {
		return nil, err
	}

	fmt.Printf("seeding %d users...\n", n)
	start := time.Now()
	runID := uuid.NewString()[:8]
	states := make([]*userState, n)
	for i := 0; i < n; i++ {
		now := time.Now().UTC()
		u := &credential.User{
			ID:            uuid.NewString(),
			Email:         fmt.Sprintf("load-%s-%d@dway.test", runID, i),
			PasswordHash:  hash,
			Status:        credential.StatusActive,
			EmailVerified: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := repo.Create(ctx, u); err != nil {
			return nil, fmt.Errorf("seed user %d: %w", i, err)
		}
		states[i] = &userState{
			email: u.Email,
			rc: dwayauth.RequestContext{
				IP:                fmt.Sprintf("10.%d.%d.%d", (i/62500)%250, (i/250)%250, i%250+1),
				UserAgent:         "dwayauth-loadtest/1.0",
				DeviceFingerprint: fmt.Sprintf("fp-%d", i),
			},
		}
	}
	for i, s := range states {
		if err := login(ctx, engine, s); err != nil {
			return nil, fmt.Errorf("seed login %d: %w", i, err)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))
	return states, nil
}

func login(ctx context.Context, engine *dwayauth.Engine, s *userState) error {
	res, err := engine.Login(ctx, dwayauth.Credentials{Email: s.email, Password: loadPassword}, s.rc)
	if err != nil {
		return err
	}
	auth, ok := res.(*dwayauth.Authenticated)
	if !ok {
		return fmt.Errorf("unexpected login result %T", res)
	}
	s.mu.Lock()
	s.access, s.refresh = auth.Tokens.AccessToken, auth.Tokens.RefreshToken
	s.mu.Unlock()
	return nil
}

// runPhase spreads ops calls of fn over concurrency workers. Each worker
// walks the users round-robin from its own offset.
func runPhase(ops, concurrency, stride int, fn func(s *userState) error, states []*userState) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				s := states[(i*stride+worker)%len(states)]
				t0 := time.Now()
				err := fn(s)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// countingExporter tallies exported audit records by event type.
type countingExporter struct {
	mu     sync.Mutex
	byType map[string]int
}

func (c *countingExporter) Export(_ context.Context, records []sdklog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.byType[r.Body().AsString()]++
	}
	return nil
}

func (c *countingExporter) Shutdown(context.Context) error   { return nil }
func (c *countingExporter) ForceFlush(context.Context) error { return nil }

func (c *countingExporter) print() {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.byType))
	for t := range c.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("audit %s=%d\n", t, c.byType[t])
	}
}
