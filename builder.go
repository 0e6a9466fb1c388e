package dwayauth

import (
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/credential"
	internalaudit "github.com/johnnydxm/dwayauth/internal/audit"
	"github.com/johnnydxm/dwayauth/internal/limiters"
	"github.com/johnnydxm/dwayauth/internal/stores"
	"github.com/johnnydxm/dwayauth/jwt"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/johnnydxm/dwayauth/password"
	"github.com/johnnydxm/dwayauth/risk"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure it during initialization, call
// Build once, and discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users       credential.Repository
	mfaRepo     mfa.Repository
	revocations token.RevocationLog

	notifier notify.Notifier
	email    notify.EmailSender
	sms      notify.SMSSender

	auditSink AuditSink
	logger    *slog.Logger
	clock     clock.Clock

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, token families,
// revocations, rate limits and challenges. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserRepository sets the user persistence. Required.
func (b *Builder) WithUserRepository(repo credential.Repository) *Builder {
	b.users = repo
	return b
}

// WithMFARepository sets the MFA configuration persistence. Required.
func (b *Builder) WithMFARepository(repo mfa.Repository) *Builder {
	b.mfaRepo = repo
	return b
}

// WithRevocationLog mirrors token revocations to durable storage.
func (b *Builder) WithRevocationLog(log token.RevocationLog) *Builder {
	b.revocations = log
	return b
}

// WithNotifier sets the notifier used for codes and account links. It takes
// precedence over WithSenders.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithSenders wraps the given senders in an async notify.Dispatcher owned
// by the Engine. Either may be nil.
func (b *Builder) WithSenders(email notify.EmailSender, sms notify.SMSSender) *Builder {
	b.email = email
	b.sms = sms
	return b
}

// WithAuditSink sets where audit events go.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the time source. Tests use clock.Manual.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component. A Builder
// can be built only once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user repository required")
	}
	if b.mfaRepo == nil {
		return nil, errors.New("mfa repository required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrSystem(b.clock)

	engine := &Engine{
		config:   cloneConfig(cfg),
		clock:    clk,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	// -------- NOTIFICATIONS --------
	switch {
	case b.notifier != nil:
		engine.notifier = b.notifier
	case b.email != nil || b.sms != nil:
		d := notify.NewDispatcher(b.email, b.sms, cfg.dispatcherConfig(), logger)
		engine.notifier = d
		engine.dispatcher = d
	default:
		engine.notifier = notify.Discard{}
	}

	// -------- CREDENTIALS --------
	hasher := password.NewHasher(cfg.Password.BcryptCost)
	engine.users = credential.NewAdapter(b.users, hasher, cfg.lockoutPolicy(), clk)
	engine.policy = cfg.passwordPolicy()

	// -------- TOKENS --------
	jm, err := jwt.NewManager(cfg.jwtConfig(clk.Now))
	if err != nil {
		return nil, err
	}
	opts := []token.Option{token.WithLogger(logger)}
	if b.revocations != nil {
		opts = append(opts, token.WithRevocationLog(b.revocations))
	}
	engine.tokens, err = token.NewService(jm, b.redis, cfg.tokenConfig(), clk, opts...)
	if err != nil {
		return nil, err
	}

	// -------- SESSIONS --------
	engine.sessions = session.NewManager(
		session.NewStore(b.redis, cfg.Session.RedisPrefix),
		cfg.sessionConfig(),
		clk,
		logger,
	)

	// -------- MFA --------
	box, err := mfa.NewSecretBox(cfg.MFA.SecretKey)
	if err != nil {
		return nil, err
	}
	engine.mfa, err = mfa.NewEngine(b.mfaRepo, box, b.redis, engine.notifier, cfg.mfaEngineConfig(), clk, logger)
	if err != nil {
		return nil, err
	}
	engine.pending = stores.NewPendingLoginStore(b.redis, "apl", clk.Now)

	// -------- RISK --------
	if cfg.Risk.Enabled {
		engine.risk = risk.NewAnalyzer(b.redis, cfg.riskConfig(), clk, logger)
	}

	// -------- ACCOUNT --------
	engine.oneTime = stores.NewOneTimeStore(b.redis, "aot", clk.Now)
	engine.loginLimiter = limiters.NewActionLimiter(b.redis, "login", cfg.RateLimit.Login.action())
	engine.registerLimiter = limiters.NewActionLimiter(b.redis, "register", cfg.RateLimit.Register.action())
	engine.resetLimiter = limiters.NewActionLimiter(b.redis, "reset", cfg.RateLimit.PasswordReset.action())
	engine.verifyLimiter = limiters.NewActionLimiter(b.redis, "verify", cfg.RateLimit.Verification.action())

	// -------- AUDIT / METRICS --------
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
