package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cryptoramp/services/rampd/models"
)

type fakePoller struct {
	mu        sync.Mutex
	expired   []string
	expireOK  bool
	confirm   []error
	forever   bool
	confirmed int
	transfers int
	stalled   []string
	block     chan struct{}
}

func (p *fakePoller) PollConfirmation(ctx context.Context, id string) (bool, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed++
	if len(p.confirm) == 0 {
		return !p.forever, nil
	}
	err := p.confirm[0]
	p.confirm = p.confirm[1:]
	return false, err
}

func (p *fakePoller) PollTransfer(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers++
	return false, nil
}

func (p *fakePoller) Expire(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, id)
	return p.expireOK, nil
}

func (p *fakePoller) FlagStalled(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled = append(p.stalled, id)
	return true, nil
}

func (p *fakePoller) stalledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stalled...)
}

func (p *fakePoller) expiredIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.expired...)
}

func (p *fakePoller) confirmCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmed
}

func fastConfig() Config {
	return Config{
		CountdownInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		BackoffInterval:   15 * time.Millisecond,
		Lifetime:          time.Second,
		ExpiryCeiling:     time.Second,
	}
}

func pendingTx(id, session string, expiresIn time.Duration) *models.Transaction {
	return &models.Transaction{
		ID:         id,
		SessionKey: session,
		Status:     models.StatusPending,
		ExpiresAt:  time.Now().Add(expiresIn),
	}
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestRegistrySupersedesAndReleases(t *testing.T) {
	reg := NewRegistry()
	firstCtx, firstCancel := context.WithCancel(context.Background())
	firstGen := reg.Register("chat", firstCancel)
	_, secondCancel := context.WithCancel(context.Background())
	secondGen := reg.Register("chat", secondCancel)

	require.Error(t, firstCtx.Err(), "superseded registration must be cancelled")
	require.Equal(t, 1, reg.Len())

	reg.Release("chat", firstGen)
	require.Equal(t, 1, reg.Len(), "stale generation must not remove successor")
	reg.Release("chat", secondGen)
	require.Equal(t, 0, reg.Len())

	_, c1 := context.WithCancel(context.Background())
	ctx2, c2 := context.WithCancel(context.Background())
	reg.Register("a", c1)
	reg.Register("b", c2)
	require.True(t, reg.Cancel("a"))
	require.False(t, reg.Cancel("a"))
	reg.CancelAll()
	require.Equal(t, 0, reg.Len())
	require.Error(t, ctx2.Err())
}

func TestFormatCountdown(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{90 * time.Second, "01:30"},
		{30 * time.Minute, "30:00"},
		{59*time.Second + 900*time.Millisecond, "00:59"},
		{-time.Second, "00:00"},
		{2*time.Hour + 5*time.Second, "120:05"},
	}
	for _, tc := range cases {
		if got := FormatCountdown(tc.in); got != tc.want {
			t.Fatalf("FormatCountdown(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpiryWatcherExpiresAtDeadline(t *testing.T) {
	poller := &fakePoller{expireOK: true}
	var mu sync.Mutex
	var ticks int
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil), WithHooks(Hooks{
		Countdown: func(string, time.Duration) {
			mu.Lock()
			ticks++
			mu.Unlock()
		},
	}))
	defer shutdown(t, sup)

	sup.WatchExpiry(pendingTx("tx-1", "chat-1", 60*time.Millisecond))
	require.Eventually(t, func() bool { return sup.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"tx-1"}, poller.expiredIDs())
	mu.Lock()
	defer mu.Unlock()
	require.Positive(t, ticks)
}

func TestExpiryWatcherStopsWhenNotExpired(t *testing.T) {
	poller := &fakePoller{expireOK: false}
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchExpiry(pendingTx("tx-1", "chat-1", 10*time.Millisecond))
	require.Eventually(t, func() bool { return len(poller.expiredIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sup.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, poller.stalledIDs())
}

func TestCancelSessionStopsCountdown(t *testing.T) {
	poller := &fakePoller{expireOK: true, forever: true}
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchExpiry(pendingTx("tx-1", "chat-1", 100*time.Millisecond))
	sup.WatchConfirmation(&models.Transaction{ID: "tx-1"})

	sup.CancelSession("chat-1")
	require.Eventually(t, func() bool { return sup.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, poller.expiredIDs())
	require.Equal(t, 1, sup.ActivePollers(), "session reset must not stop the confirmation poller")
}

func TestNewTransactionSupersedesSessionCountdown(t *testing.T) {
	poller := &fakePoller{expireOK: true}
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchExpiry(pendingTx("tx-old", "chat-1", 40*time.Millisecond))
	sup.WatchExpiry(pendingTx("tx-new", "chat-1", time.Hour))
	time.Sleep(100 * time.Millisecond)

	require.Empty(t, poller.expiredIDs())
	require.Equal(t, 1, sup.ActiveSessions())
}

func TestExpiryWatcherHonoursCeiling(t *testing.T) {
	poller := &fakePoller{expireOK: true}
	cfg := fastConfig()
	cfg.ExpiryCeiling = 30 * time.Millisecond
	sup := NewSupervisor(poller, cfg, WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchExpiry(pendingTx("tx-1", "chat-1", time.Hour))
	require.Eventually(t, func() bool { return sup.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, poller.expiredIDs())
}

func TestPollerBacksOffAndStopsWhenDone(t *testing.T) {
	transient := errors.New("gateway timeout")
	poller := &fakePoller{confirm: []error{transient, transient, nil}}
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchConfirmation(&models.Transaction{ID: "tx-1"})
	sup.WatchConfirmation(&models.Transaction{ID: "tx-1"})
	require.Equal(t, 1, sup.ActivePollers())

	require.Eventually(t, func() bool { return sup.ActivePollers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 4, poller.confirmCalls())
	require.Empty(t, poller.stalledIDs(), "a finished poller is not stalled")
}

func TestPollerStopsAtLifetime(t *testing.T) {
	poller := &fakePoller{}
	cfg := fastConfig()
	cfg.Lifetime = 40 * time.Millisecond
	sup := NewSupervisor(poller, cfg, WithMetrics(nil))
	defer shutdown(t, sup)

	sup.WatchTransfer(&models.Transaction{ID: "tx-1"})
	require.Eventually(t, func() bool { return sup.ActivePollers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"tx-1"}, poller.stalledIDs())
	poller.mu.Lock()
	defer poller.mu.Unlock()
	require.Positive(t, poller.transfers)
}

func TestShutdownStopsEverything(t *testing.T) {
	poller := &fakePoller{block: make(chan struct{})}
	sup := NewSupervisor(poller, fastConfig(), WithMetrics(nil))

	sup.WatchExpiry(pendingTx("tx-1", "chat-1", time.Hour))
	sup.WatchConfirmation(&models.Transaction{ID: "tx-1"})
	sup.WatchTransfer(&models.Transaction{ID: "tx-2"})
	shutdown(t, sup)

	require.Equal(t, 0, sup.ActiveSessions())
	require.Equal(t, 0, sup.ActivePollers())
	require.Empty(t, poller.stalledIDs(), "shutdown is not a stalled poller")

	sup.WatchConfirmation(&models.Transaction{ID: "tx-3"})
	sup.WatchExpiry(pendingTx("tx-3", "chat-3", time.Hour))
	require.Equal(t, 0, sup.ActivePollers())
	require.Equal(t, 0, sup.ActiveSessions())
}
