package watch_test

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/chain"
	"cryptoramp/services/rampd/engine"
	"cryptoramp/services/rampd/models"
	"cryptoramp/services/rampd/notify"
	"cryptoramp/services/rampd/rates"
	"cryptoramp/services/rampd/settlement"
	"cryptoramp/services/rampd/storage"
	"cryptoramp/services/rampd/watch"
)

const (
	depositAddress = "0x52908400098527886E0F7030069857D2E4169EE7"
	buyerAddress   = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

// payoutGateway settles SELL payouts. Charges fail as transient unless
// chargeStatus is set, in which case every charge reports that status.
type payoutGateway struct {
	mu           sync.Mutex
	status       string
	chargeStatus string
}

func (g *payoutGateway) setStatus(s string) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

func (g *payoutGateway) InitiateCharge(_ context.Context, req settlement.ChargeRequest) (*settlement.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeStatus == "" {
		return nil, settlement.ErrTransient
	}
	return &settlement.Charge{Reference: req.Reference, AccessCode: "ac_1"}, nil
}

func (g *payoutGateway) VerifyCharge(_ context.Context, reference string) (*settlement.ChargeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeStatus == "" {
		return nil, settlement.ErrTransient
	}
	return &settlement.ChargeStatus{Status: g.chargeStatus, Reference: reference}, nil
}

func (g *payoutGateway) CreateTransferRecipient(context.Context, settlement.Recipient) (string, error) {
	return "RCP_1", nil
}

func (g *payoutGateway) InitiateTransfer(_ context.Context, req settlement.TransferRequest) (*settlement.Transfer, error) {
	return &settlement.Transfer{TransferCode: "TRF_1", Reference: req.Reference, Status: settlement.StatusPending}, nil
}

func (g *payoutGateway) VerifyTransfer(_ context.Context, reference string) (*settlement.TransferStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &settlement.TransferStatus{Status: g.status, Reference: reference}, nil
}

func (g *payoutGateway) ResolveBankAccount(context.Context, string, string) (*settlement.BankAccount, error) {
	return nil, settlement.ErrAccountNotFound
}

func (g *payoutGateway) ListBanks(context.Context) ([]settlement.Bank, error) { return nil, nil }

type terminalCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *terminalCounter) Notify(_ context.Context, ev notify.Event) {
	if !ev.Terminal {
		return
	}
	c.mu.Lock()
	c.count[ev.TransactionID]++
	c.mu.Unlock()
}

func (c *terminalCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[id]
}

type fixture struct {
	engine    *engine.Engine
	sup       *watch.Supervisor
	gateway   *payoutGateway
	balance   *atomic.Int64
	terminals *terminalCounter
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	return newFixtureWith(t, ttl, watch.Config{
		CountdownInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		BackoffInterval:   10 * time.Millisecond,
		Lifetime:          2 * time.Second,
	})
}

// newFixtureWith wires an engine to a supervisor using cfg. Crypto sends
// always fail since the chain gateway is read-only.
func newFixtureWith(t *testing.T, ttl time.Duration, cfg watch.Config) *fixture {
	t.Helper()
	oracle, err := rates.NewOracle(rates.DefaultTable())
	require.NoError(t, err)
	f := &fixture{
		gateway:   &payoutGateway{status: settlement.StatusPending},
		balance:   &atomic.Int64{},
		terminals: &terminalCounter{count: map[string]int{}},
	}
	chainGW := chain.FuncGateway{
		BalanceFunc: func(context.Context, string, assets.Asset) (*big.Int, error) {
			return big.NewInt(f.balance.Load()), nil
		},
	}
	eng, err := engine.New(storage.NewMemory(), oracle, chainGW, f.gateway,
		engine.WithTTL(ttl),
		engine.WithMetrics(nil),
		engine.WithNotifier(f.terminals),
		engine.WithWallets(map[assets.Asset]string{assets.USDTERC20: depositAddress}))
	require.NoError(t, err)
	cfg.ExpiryCeiling = ttl
	f.sup = watch.NewSupervisor(eng, cfg, watch.WithMetrics(nil))
	eng.SetWatcher(f.sup)
	f.engine = eng
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, f.sup.Shutdown(ctx))
	})
	return f
}

func (f *fixture) sell(t *testing.T) *models.Transaction {
	t.Helper()
	tx, err := f.engine.CreateSellTransaction(context.Background(), engine.SellRequest{
		UserID:     1,
		SessionKey: "chat-1",
		Amount:     decimal.NewFromInt(100),
		Asset:      assets.USDTERC20,
		Bank:       &models.BankDetails{AccountNumber: "0123456789", BankCode: "058"},
	})
	require.NoError(t, err)
	f.engine.StartWatch(tx)
	return tx
}

func (f *fixture) get(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) status(t *testing.T, id string) models.Status {
	t.Helper()
	return f.get(t, id).Status
}

func TestWatchersDriveSellToCompletion(t *testing.T) {
	f := newFixture(t, time.Minute)
	tx := f.sell(t)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, models.StatusPending, f.status(t, tx.ID))

	f.balance.Store(100_000_000)
	require.Eventually(t, func() bool {
		return f.status(t, tx.ID) == models.StatusConfirmed
	}, time.Second, 5*time.Millisecond)

	f.gateway.setStatus(settlement.StatusSuccess)
	require.Eventually(t, func() bool {
		return f.status(t, tx.ID) == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sup.ActivePollers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.terminals.get(tx.ID))
}

func TestWatchersExpireUnfundedSell(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	tx := f.sell(t)

	require.Eventually(t, func() bool {
		return f.status(t, tx.ID) == models.StatusExpired
	}, time.Second, 5*time.Millisecond)

	f.balance.Store(100_000_000)
	require.Eventually(t, func() bool { return f.sup.ActivePollers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, models.StatusExpired, f.status(t, tx.ID))
	require.Equal(t, 1, f.terminals.get(tx.ID))
	require.Equal(t, 0, f.sup.ActiveSessions())
}

func TestLifetimeFailsChargedBuyWhoseSendNeverLands(t *testing.T) {
	f := newFixtureWith(t, time.Minute, watch.Config{
		CountdownInterval: 5 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BackoffInterval:   60 * time.Millisecond,
		Lifetime:          150 * time.Millisecond,
	})
	f.gateway.mu.Lock()
	f.gateway.chargeStatus = settlement.StatusSuccess
	f.gateway.mu.Unlock()

	ctx := context.Background()
	tx, err := f.engine.CreateBuyTransaction(ctx, engine.BuyRequest{
		UserID:        2,
		SessionKey:    "chat-2",
		Amount:        decimal.RequireFromString("0.01"),
		Asset:         assets.ETH,
		WalletAddress: buyerAddress,
	})
	require.NoError(t, err)
	_, err = f.engine.ProcessCharge(ctx, tx.ID)
	require.NoError(t, err)
	f.engine.StartWatch(tx)

	require.Eventually(t, func() bool {
		return f.status(t, tx.ID) == models.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	got := f.get(t, tx.ID)
	require.True(t, got.NeedsReview)
	require.Equal(t, models.ReasonSendFailedAfterCharge, got.FailureReason)
	require.Less(t, got.SendAttempts, engine.DefaultMaxSendAttempts, "lifetime ends before the attempt budget")
	require.Eventually(t, func() bool { return f.sup.ActivePollers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.terminals.get(tx.ID))
}
