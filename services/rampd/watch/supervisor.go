package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cryptoramp/observability"
	"cryptoramp/services/rampd/models"
)

// Default cadences.
const (
	DefaultCountdownInterval = time.Second
	DefaultPollInterval      = 30 * time.Second
	DefaultBackoffInterval   = 60 * time.Second
	DefaultLifetime          = 30 * time.Minute
)

const (
	kindExpiry       = "expiry"
	kindConfirmation = "confirmation"
	kindTransfer     = "transfer"

	stalledTimeout = 30 * time.Second
)

// Poller is the engine surface the watchers drive.
type Poller interface {
	PollConfirmation(ctx context.Context, id string) (bool, error)
	PollTransfer(ctx context.Context, id string) (bool, error)
	Expire(ctx context.Context, id string) (bool, error)
	// FlagStalled is called when a poller reaches its lifetime without
	// finishing.
	FlagStalled(ctx context.Context, id string) (bool, error)
}

// Config holds watcher timings. Zero values fall back to the defaults.
type Config struct {
	CountdownInterval time.Duration
	PollInterval      time.Duration
	BackoffInterval   time.Duration
	// Lifetime bounds every settlement poller.
	Lifetime time.Duration
	// ExpiryCeiling bounds every expiry watcher; it should equal the
	// transaction TTL.
	ExpiryCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.CountdownInterval <= 0 {
		c.CountdownInterval = DefaultCountdownInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = DefaultBackoffInterval
	}
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.ExpiryCeiling <= 0 {
		c.ExpiryCeiling = DefaultLifetime
	}
	return c
}

// Hooks receive session level signals from expiry watchers. Session resets
// follow the EXPIRED status event and are not a watcher concern.
type Hooks struct {
	// Countdown is called on every tick with the time left before expiry.
	Countdown func(sessionKey string, remaining time.Duration)
}

// Option customises the supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHooks installs session hooks.
func WithHooks(h Hooks) Option {
	return func(s *Supervisor) { s.hooks = h }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.RampdMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock sets the time source used to compute remaining time.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Supervisor owns every watcher goroutine. Expiry watchers are keyed by
// session, settlement pollers by transaction id with at most one of each kind
// per id.
type Supervisor struct {
	poller  Poller
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	metrics *observability.RampdMetrics
	now     func() time.Time

	root     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	sessions *Registry

	mu      sync.Mutex
	closed  bool
	pollers map[string]struct{}
}

// NewSupervisor constructs a supervisor driving poller.
func NewSupervisor(poller Poller, cfg Config, opts ...Option) *Supervisor {
	root, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		poller:   poller,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		metrics:  observability.Rampd(),
		now:      time.Now,
		root:     root,
		stop:     stop,
		sessions: NewRegistry(),
		pollers:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionKey(tx *models.Transaction) string {
	if tx.SessionKey != "" {
		return tx.SessionKey
	}
	return "tx:" + tx.ID
}

// WatchExpiry starts the countdown for the transaction's session, replacing
// any countdown already running for that session.
func (s *Supervisor) WatchExpiry(tx *models.Transaction) {
	if tx == nil || tx.Status != models.StatusPending {
		return
	}
	if !s.begin() {
		return
	}
	key := sessionKey(tx)
	ctx, cancel := context.WithCancel(s.root)
	gen := s.sessions.Register(key, cancel)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.sessions.Release(key, gen)
		s.metrics.WatcherStarted(kindExpiry)
		defer s.metrics.WatcherStopped(kindExpiry)
		s.runExpiry(ctx, key, tx.ID, tx.ExpiresAt)
	}()
}

// WatchConfirmation starts polling the transaction until funds are confirmed
// and the settlement leg is handed off or final.
func (s *Supervisor) WatchConfirmation(tx *models.Transaction) {
	if tx == nil {
		return
	}
	s.startPoller(kindConfirmation, tx.ID, s.poller.PollConfirmation)
}

// WatchTransfer starts polling the payout of a SELL.
func (s *Supervisor) WatchTransfer(tx *models.Transaction) {
	if tx == nil {
		return
	}
	s.startPoller(kindTransfer, tx.ID, s.poller.PollTransfer)
}

// CancelSession stops the session's expiry watcher. Settlement pollers keep running.
func (s *Supervisor) CancelSession(key string) {
	s.sessions.Cancel(key)
}

// ActiveSessions returns the number of running expiry watchers.
func (s *Supervisor) ActiveSessions() int { return s.sessions.Len() }

// ActivePollers returns the number of running settlement pollers.
func (s *Supervisor) ActivePollers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// Shutdown cancels every watcher and waits for them to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.sessions.CancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin reserves a WaitGroup slot unless the supervisor is shutting down.
func (s *Supervisor) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Supervisor) startPoller(kind, id string, poll func(context.Context, string) (bool, error)) {
	key := kind + ":" + id
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, running := s.pollers[key]; running {
		s.mu.Unlock()
		return
	}
	s.pollers[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.pollers, key)
			s.mu.Unlock()
		}()
		s.metrics.WatcherStarted(kind)
		defer s.metrics.WatcherStopped(kind)
		ctx, cancel := context.WithTimeout(s.root, s.cfg.Lifetime)
		defer cancel()
		s.runPoller(ctx, kind, id, poll)
	}()
}

func (s *Supervisor) runExpiry(ctx context.Context, key, id string, expiresAt time.Time) {
	ticker := time.NewTicker(s.cfg.CountdownInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(expiresAt.Sub(s.now()))
	defer deadline.Stop()
	ceiling := time.NewTimer(s.cfg.ExpiryCeiling)
	defer ceiling.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ceiling.C:
			if !s.now().Before(expiresAt) {
				s.expire(ctx, key, id)
			}
			return
		case <-ticker.C:
			remaining := expiresAt.Sub(s.now())
			if remaining > 0 {
				if s.hooks.Countdown != nil {
					s.hooks.Countdown(key, remaining)
				}
				continue
			}
			s.expire(ctx, key, id)
			return
		case <-deadline.C:
			s.expire(ctx, key, id)
			return
		}
	}
}

func (s *Supervisor) expire(ctx context.Context, key, id string) {
	expired, err := s.poller.Expire(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "expire transaction",
			slog.String("transaction_id", id),
			slog.Any("error", err))
		return
	}
	if expired {
		s.logger.InfoContext(ctx, "session expired",
			slog.String("session", key),
			slog.String("transaction_id", id))
	}
}

// runPoller ticks poll until it reports done or ctx ends. Errors never stop
// the loop; they only stretch the wait before the next tick.
func (s *Supervisor) runPoller(ctx context.Context, kind, id string, poll func(context.Context, string) (bool, error)) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				s.metrics.RecordPoll(kind, "lifetime")
				s.logger.Info("watcher lifetime reached",
					slog.String("watcher", kind),
					slog.String("transaction_id", id))
				s.flagStalled(kind, id)
			}
			return
		case <-timer.C:
		}

		done, err := poll(ctx, id)
		wait := s.cfg.PollInterval
		switch {
		case done:
			if err != nil {
				s.logger.WarnContext(ctx, "watcher finished with error",
					slog.String("watcher", kind),
					slog.String("transaction_id", id),
					slog.Any("error", err))
			}
			s.metrics.RecordPoll(kind, "done")
			return
		case err != nil:
			s.metrics.RecordPoll(kind, "error")
			s.logger.WarnContext(ctx, "watcher poll failed",
				slog.String("watcher", kind),
				slog.String("transaction_id", id),
				slog.Any("error", err))
			wait = s.cfg.BackoffInterval
		default:
			s.metrics.RecordPoll(kind, "pending")
		}
		timer.Reset(wait)
	}
}

// flagStalled hands a poller that ran out of lifetime back to the engine so
// the transaction is not left unattended. It runs on the root context since
// the poller's own context has already ended.
func (s *Supervisor) flagStalled(kind, id string) {
	ctx, cancel := context.WithTimeout(s.root, stalledTimeout)
	defer cancel()
	flagged, err := s.poller.FlagStalled(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "flag stalled transaction",
			slog.String("watcher", kind),
			slog.String("transaction_id", id),
			slog.Any("error", err))
		return
	}
	if flagged {
		s.metrics.RecordPoll(kind, "stalled")
	}
}
