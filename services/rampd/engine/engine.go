package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cryptoramp/observability"
	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/chain"
	"cryptoramp/services/rampd/models"
	"cryptoramp/services/rampd/notify"
	"cryptoramp/services/rampd/settlement"
	"cryptoramp/services/rampd/storage"
)

const (
	// DefaultTTL bounds how long a transaction waits for funds.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxSendAttempts is the number of failed BUY sends tolerated before
	// the transaction is failed for manual review.
	DefaultMaxSendAttempts = 5

	defaultGatewayTimeout = 30 * time.Second
	defaultCustomerEmail  = "customer@cryptoramp.local"

	chargeReferencePrefix   = "BUY-"
	transferReferencePrefix = "SELL-"
)

// RateSource converts asset quantities to fiat.
type RateSource interface {
	ToFiat(qty decimal.Decimal, asset assets.Asset) (decimal.Decimal, error)
}

// Watcher runs the timed processes that drive transactions forward.
// Implementations must return promptly; they are called with the
// transaction's lock held.
type Watcher interface {
	WatchExpiry(tx *models.Transaction)
	WatchConfirmation(tx *models.Transaction)
	WatchTransfer(tx *models.Transaction)
	CancelSession(sessionKey string)
}

// SellRequest asks to convert crypto deposited by the user into a bank payout.
type SellRequest struct {
	UserID     int64
	SessionKey string
	Amount     decimal.Decimal
	Asset      assets.Asset
	Bank       *models.BankDetails
}

// BuyRequest asks to charge the user fiat and send crypto to WalletAddress.
type BuyRequest struct {
	UserID        int64
	SessionKey    string
	Amount        decimal.Decimal
	Asset         assets.Asset
	WalletAddress string
	Email         string
}

// Engine owns the transaction lifecycle. It is the only writer to the store.
type Engine struct {
	store      storage.Store
	rates      RateSource
	chain      chain.Gateway
	settlement settlement.Gateway
	watcher    Watcher
	notifier   notify.Notifier
	logger     *slog.Logger
	metrics    *observability.RampdMetrics
	tracer     trace.Tracer
	locks      *keyedMutex
	now        func() time.Time
	newID      func() string

	ttl             time.Duration
	wallets         map[assets.Asset]string
	maxAmount       decimal.Decimal
	maxSendAttempts int
	customerEmail   string
	gatewayTimeout  time.Duration
}

// Option customises the engine.
type Option func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithTTL overrides the transaction lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithWallets sets the deposit address per SELL asset.
func WithWallets(wallets map[assets.Asset]string) Option {
	return func(e *Engine) {
		e.wallets = make(map[assets.Asset]string, len(wallets))
		for asset, addr := range wallets {
			if trimmed := strings.TrimSpace(addr); trimmed != "" {
				e.wallets[asset] = trimmed
			}
		}
	}
}

// WithNotifier sets the sink for status events.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.RampdMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxAmount caps the asset quantity of a single trade. Zero disables the cap.
func WithMaxAmount(limit decimal.Decimal) Option {
	return func(e *Engine) { e.maxAmount = limit }
}

// WithMaxSendAttempts sets how many failed BUY sends are tolerated.
func WithMaxSendAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSendAttempts = n
		}
	}
}

// WithCustomerEmail sets the charge email used when a BUY request carries none.
func WithCustomerEmail(email string) Option {
	return func(e *Engine) {
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			e.customerEmail = trimmed
		}
	}
}

// WithGatewayTimeout bounds each chain or settlement call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gatewayTimeout = d
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New constructs an engine over the supplied collaborators.
func New(store storage.Store, rates RateSource, chainGW chain.Gateway, settlementGW settlement.Gateway, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if rates == nil {
		return nil, fmt.Errorf("engine: rate source required")
	}
	if chainGW == nil {
		return nil, fmt.Errorf("engine: chain gateway required")
	}
	if settlementGW == nil {
		return nil, fmt.Errorf("engine: settlement gateway required")
	}
	e := &Engine{
		store:           store,
		rates:           rates,
		chain:           chainGW,
		settlement:      settlementGW,
		notifier:        notify.Nop{},
		logger:          slog.Default(),
		metrics:         observability.Rampd(),
		tracer:          otel.Tracer("rampd/engine"),
		locks:           newKeyedMutex(),
		now:             time.Now,
		newID:           uuid.NewString,
		ttl:             DefaultTTL,
		wallets:         map[assets.Asset]string{},
		maxSendAttempts: DefaultMaxSendAttempts,
		customerEmail:   defaultCustomerEmail,
		gatewayTimeout:  defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	return e, nil
}

// SetWatcher attaches the watcher supervisor. It must be called before any
// transaction is created.
func (e *Engine) SetWatcher(w Watcher) { e.watcher = w }

// TTL returns the configured transaction lifetime.
func (e *Engine) TTL() time.Duration { return e.ttl }

// DepositAddress returns the configured SELL deposit address for asset.
func (e *Engine) DepositAddress(asset assets.Asset) (string, bool) {
	addr, ok := e.wallets[asset]
	return addr, ok
}

func (e *Engine) validateAmount(amount decimal.Decimal, asset assets.Asset) error {
	if !asset.Valid() {
		return validationError("unsupported asset %q", string(asset))
	}
	if !amount.IsPositive() {
		return validationError("amount must be positive")
	}
	if e.maxAmount.IsPositive() && amount.GreaterThan(e.maxAmount) {
		return validationError("amount exceeds maximum of %s", e.maxAmount.String())
	}
	if _, err := asset.ToNative(amount); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (e *Engine) newTransaction(userID int64, sessionKey string, kind models.Kind, amount, fiat decimal.Decimal, asset assets.Asset, wallet string) *models.Transaction {
	now := e.now().UTC()
	return &models.Transaction{
		ID:            e.newID(),
		UserID:        userID,
		SessionKey:    strings.TrimSpace(sessionKey),
		Kind:          kind,
		Amount:        amount,
		FiatAmount:    fiat,
		Asset:         asset,
		FiatCurrency:  models.FiatNGN,
		Status:        models.StatusPending,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(e.ttl),
	}
}

// CreateSellTransaction validates req and persists a PENDING SELL paying into
// the configured deposit address for the asset.
func (e *Engine) CreateSellTransaction(ctx context.Context, req SellRequest) (*models.Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "engine.create_sell",
		trace.WithAttributes(attribute.String("asset", string(req.Asset)), attribute.Int64("user.id", req.UserID)))
	defer span.End()

	tx, err := e.createSell(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	return tx, nil
}

func (e *Engine) createSell(ctx context.Context, req SellRequest) (*models.Transaction, error) {
	if err := e.validateAmount(req.Amount, req.Asset); err != nil {
		return nil, err
	}
	if !req.Bank.Complete() {
		return nil, validationError("bank account number and bank code required")
	}
	deposit, ok := e.wallets[req.Asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnconfiguredAsset, req.Asset)
	}
	fiat, err := e.rates.ToFiat(req.Amount, req.Asset)
	if err != nil {
		return nil, err
	}
	tx := e.newTransaction(req.UserID, req.SessionKey, models.KindSell, req.Amount, fiat, req.Asset, deposit)
	bank := *req.Bank
	bank.AccountNumber = strings.TrimSpace(bank.AccountNumber)
	bank.BankCode = strings.TrimSpace(bank.BankCode)
	tx.BankDetails = &bank
	saved, err := e.persistNew(ctx, tx)
	if err != nil {
		return nil, err
	}
	e.supersedePending(ctx, saved)
	return saved, nil
}

// CreateBuyTransaction validates req, including the destination address
// scheme, and persists a PENDING BUY.
func (e *Engine) CreateBuyTransaction(ctx context.Context, req BuyRequest) (*models.Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "engine.create_buy",
		trace.WithAttributes(attribute.String("asset", string(req.Asset)), attribute.Int64("user.id", req.UserID)))
	defer span.End()

	tx, err := e.createBuy(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	return tx, nil
}

func (e *Engine) createBuy(ctx context.Context, req BuyRequest) (*models.Transaction, error) {
	if err := e.validateAmount(req.Amount, req.Asset); err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if err := req.Asset.ValidateAddress(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fiat, err := e.rates.ToFiat(req.Amount, req.Asset)
	if err != nil {
		return nil, err
	}
	tx := e.newTransaction(req.UserID, req.SessionKey, models.KindBuy, req.Amount, fiat, req.Asset, wallet)
	tx.Email = strings.TrimSpace(req.Email)
	saved, err := e.persistNew(ctx, tx)
	if err != nil {
		return nil, err
	}
	e.supersedePending(ctx, saved)
	return saved, nil
}

func (e *Engine) persistNew(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	saved, err := e.store.Save(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	e.metrics.RecordCreated(string(saved.Kind), string(saved.Asset))
	e.logger.InfoContext(ctx, "transaction created",
		slog.String("transaction_id", saved.ID),
		slog.String("kind", string(saved.Kind)),
		slog.String("asset", string(saved.Asset)),
		slog.String("amount", saved.Amount.String()),
		slog.String("fiat_amount", saved.FiatAmount.String()),
		slog.Time("expires_at", saved.ExpiresAt))
	return saved, nil
}

// StartWatch starts the session's expiry countdown and the transaction's
// confirmation poller.
func (e *Engine) StartWatch(tx *models.Transaction) {
	if e.watcher == nil || tx == nil {
		return
	}
	e.watcher.WatchExpiry(tx.Clone())
	e.watcher.WatchConfirmation(tx.Clone())
}

// CancelSession stops the session's expiry countdown. Confirmation pollers are
// not affected.
func (e *Engine) CancelSession(sessionKey string) {
	if e.watcher == nil {
		return
	}
	e.watcher.CancelSession(sessionKey)
}

// Get returns the transaction with id.
func (e *Engine) Get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, e.lookupError(id, err)
	}
	return tx, nil
}

// LatestPending returns the user's most recent non-terminal transaction. A
// PENDING record past its deadline is expired on the way and not returned.
func (e *Engine) LatestPending(ctx context.Context, userID int64) (*models.Transaction, error) {
	for {
		tx, err := e.store.FindLatestPendingByUserID(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: no pending transaction for user %d", ErrTransactionNotFound, userID)
			}
			return nil, err
		}
		if tx.Status != models.StatusPending || !tx.Expired(e.now()) {
			return tx, nil
		}
		expired, err := e.Expire(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if !expired {
			// Another writer moved it first; re-read to see where it landed.
			current, err := e.store.FindByID(ctx, tx.ID)
			if err != nil {
				return nil, e.lookupError(tx.ID, err)
			}
			if !current.Status.Terminal() {
				return current, nil
			}
		}
	}
}

// ConfirmTransaction checks whether funds for a PENDING transaction have
// arrived and, if so, settles the counter-leg. It reports whether the
// transaction was confirmed by this call. Gateway errors are logged and
// reported as false.
func (e *Engine) ConfirmTransaction(ctx context.Context, id string) bool {
	ctx, span := e.tracer.Start(ctx, "engine.confirm",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return false
	}
	if tx.Status != models.StatusPending {
		return false
	}
	confirmed, err := e.confirmLocked(ctx, tx)
	if err != nil {
		recordSpanError(span, err)
		e.logger.WarnContext(ctx, "confirm transaction",
			slog.String("transaction_id", id),
			slog.Any("error", err))
	}
	span.SetAttributes(attribute.Bool("confirmed", confirmed))
	return confirmed
}

// confirmLocked advances a PENDING transaction held under its lock. tx is
// updated in place.
func (e *Engine) confirmLocked(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.Expired(e.now()) {
		return false, e.transitionLocked(ctx, tx, models.StatusExpired, "")
	}
	switch tx.Kind {
	case models.KindSell:
		return e.confirmSellLocked(ctx, tx)
	case models.KindBuy:
		return e.confirmBuyLocked(ctx, tx)
	default:
		return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidState, tx.Kind)
	}
}

func (e *Engine) confirmSellLocked(ctx context.Context, tx *models.Transaction) (bool, error) {
	expected, err := tx.Asset.ToNative(tx.Amount)
	if err != nil {
		return false, err
	}
	gctx, cancel := e.gatewayContext(ctx)
	balance, err := e.chain.BalanceOf(gctx, tx.WalletAddress, tx.Asset)
	cancel()
	if err != nil {
		e.metrics.RecordGatewayError("chain", "balance")
		return false, fmt.Errorf("read deposit balance: %w", err)
	}
	if balance == nil || balance.Cmp(expected) < 0 {
		return false, nil
	}
	if err := e.transitionLocked(ctx, tx, models.StatusConfirmed, ""); err != nil {
		return false, err
	}
	if err := e.payoutLocked(ctx, tx); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) confirmBuyLocked(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.PaymentReference == "" {
		return false, nil
	}
	gctx, cancel := e.gatewayContext(ctx)
	status, err := e.settlement.VerifyCharge(gctx, tx.PaymentReference)
	cancel()
	if err != nil {
		e.metrics.RecordGatewayError("settlement", "verify_charge")
		return false, fmt.Errorf("verify charge: %w", err)
	}
	if status.Declined() {
		return false, e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonChargeDeclined)
	}
	if !status.Succeeded() {
		return false, nil
	}
	paid := e.now().UTC()
	if status.PaidAt != nil {
		paid = status.PaidAt.UTC()
	}
	tx.PaidAt = &paid
	if err := e.transitionLocked(ctx, tx, models.StatusConfirmed, ""); err != nil {
		return false, err
	}
	return e.sendLocked(ctx, tx)
}

// RetrySend re-attempts the crypto leg of a charged BUY. done reports that no
// further attempts will be made.
func (e *Engine) RetrySend(ctx context.Context, id string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.retry_send",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return true, e.lookupError(id, err)
	}
	if tx.Status.Terminal() {
		return true, nil
	}
	if tx.Kind != models.KindBuy || tx.Status != models.StatusConfirmed {
		return true, fmt.Errorf("%w: retry send on %s %s", ErrInvalidState, tx.Status, tx.Kind)
	}
	completed, err := e.sendLocked(ctx, tx)
	if err != nil {
		recordSpanError(span, err)
	}
	return completed || tx.Status.Terminal(), err
}

// sendLocked sends the purchased asset for a CONFIRMED BUY. A failed send
// stays CONFIRMED until the attempt budget is spent, then fails for review.
func (e *Engine) sendLocked(ctx context.Context, tx *models.Transaction) (bool, error) {
	gctx, cancel := e.gatewayContext(ctx)
	result := e.chain.Send(gctx, tx.WalletAddress, tx.Amount, tx.Asset)
	cancel()
	if result.OK {
		tx.SendTxHash = result.TxHash
		if err := e.transitionLocked(ctx, tx, models.StatusCompleted, ""); err != nil {
			return false, err
		}
		return true, nil
	}

	e.metrics.RecordGatewayError("chain", "send")
	sendErr := result.Err
	if sendErr == nil {
		sendErr = errors.New("send rejected")
	}
	tx.SendAttempts++
	e.logger.WarnContext(ctx, "crypto send failed",
		slog.String("transaction_id", tx.ID),
		slog.Int("attempt", tx.SendAttempts),
		slog.Int("max_attempts", e.maxSendAttempts),
		slog.Any("error", sendErr))
	if tx.SendAttempts >= e.maxSendAttempts {
		tx.NeedsReview = true
		if err := e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonSendFailedAfterCharge); err != nil {
			return false, err
		}
		e.logger.ErrorContext(ctx, "charged transaction failed, manual reconciliation required",
			slog.String("transaction_id", tx.ID),
			slog.String("payment_reference", tx.PaymentReference))
		return false, &SettlementError{Op: "send", Err: sendErr}
	}
	tx.UpdatedAt = e.now().UTC()
	if _, err := e.store.Save(ctx, tx); err != nil {
		return false, fmt.Errorf("persist send attempt: %w", err)
	}
	return false, fmt.Errorf("send %s: %w", tx.Asset, sendErr)
}

// ProcessPayout pays the fiat amount of a CONFIRMED SELL to the user's bank
// account. Failures move the transaction to FAILED and are returned as a
// *SettlementError.
func (e *Engine) ProcessPayout(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.process_payout",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		err = e.lookupError(id, err)
		recordSpanError(span, err)
		return err
	}
	if tx.Kind != models.KindSell || tx.Status != models.StatusConfirmed {
		err := fmt.Errorf("%w: payout on %s %s", ErrInvalidState, tx.Status, tx.Kind)
		recordSpanError(span, err)
		return err
	}
	if tx.TransferReference != "" {
		return nil
	}
	if err := e.payoutLocked(ctx, tx); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (e *Engine) payoutLocked(ctx context.Context, tx *models.Transaction) error {
	if !tx.BankDetails.Complete() {
		return e.failSettlementLocked(ctx, tx, "payout", models.ReasonPayoutFailed, ErrMissingBankDetails)
	}
	bank := tx.BankDetails
	reference := transferReferencePrefix + tx.ID
	// The reference is stored before any money moves so a later poll never
	// initiates a second transfer for the same transaction.
	tx.TransferReference = reference
	tx.UpdatedAt = e.now().UTC()
	if _, err := e.store.Save(ctx, tx); err != nil {
		tx.TransferReference = ""
		return fmt.Errorf("reserve transfer: %w", err)
	}

	gctx, cancel := e.gatewayContext(ctx)
	defer cancel()

	recipient, err := e.settlement.CreateTransferRecipient(gctx, settlement.Recipient{
		AccountNumber: bank.AccountNumber,
		BankCode:      bank.BankCode,
		AccountName:   bank.AccountName,
	})
	if err != nil {
		e.metrics.RecordGatewayError("settlement", "create_recipient")
		return e.failSettlementLocked(ctx, tx, "payout", models.ReasonPayoutFailed, err)
	}
	transfer, err := e.settlement.InitiateTransfer(gctx, settlement.TransferRequest{
		AmountMinor:   settlement.ToMinor(tx.FiatAmount),
		RecipientCode: recipient,
		Reference:     reference,
	})
	if err != nil {
		e.metrics.RecordGatewayError("settlement", "initiate_transfer")
		return e.failSettlementLocked(ctx, tx, "payout", models.ReasonPayoutFailed, err)
	}
	if transfer.Reference != "" {
		tx.TransferReference = transfer.Reference
	}
	tx.TransferCode = transfer.TransferCode
	tx.TransferStatus = transfer.Status
	tx.UpdatedAt = e.now().UTC()
	if _, err := e.store.Save(ctx, tx); err != nil {
		// The transfer is live under the reserved reference; keep verifying it.
		if e.watcher != nil {
			e.watcher.WatchTransfer(tx.Clone())
		}
		return fmt.Errorf("persist transfer: %w", err)
	}
	e.logger.InfoContext(ctx, "payout initiated",
		slog.String("transaction_id", tx.ID),
		slog.String("transfer_reference", tx.TransferReference),
		slog.String("fiat_amount", tx.FiatAmount.String()))

	switch terminal, ok := settlement.Outcome(transfer.Status); {
	case terminal && ok:
		return e.transitionLocked(ctx, tx, models.StatusCompleted, "")
	case terminal:
		return e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonTransferFailed)
	}
	if e.watcher != nil {
		e.watcher.WatchTransfer(tx.Clone())
	}
	return nil
}

// ProcessCharge initiates the fiat charge of a PENDING BUY and records the
// processor's references. Failures move the transaction to FAILED and are
// returned as a *SettlementError.
func (e *Engine) ProcessCharge(ctx context.Context, id string) (*models.Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "engine.process_charge",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		err = e.lookupError(id, err)
		recordSpanError(span, err)
		return nil, err
	}
	if tx.Kind != models.KindBuy || tx.Status != models.StatusPending {
		err := fmt.Errorf("%w: charge on %s %s", ErrInvalidState, tx.Status, tx.Kind)
		recordSpanError(span, err)
		return nil, err
	}
	if tx.PaymentReference != "" {
		return tx, nil
	}
	email := tx.Email
	if email == "" {
		email = e.customerEmail
	}
	gctx, cancel := e.gatewayContext(ctx)
	charge, err := e.settlement.InitiateCharge(gctx, settlement.ChargeRequest{
		Email:       email,
		AmountMinor: settlement.ToMinor(tx.FiatAmount),
		Reference:   chargeReferencePrefix + tx.ID,
	})
	cancel()
	if err != nil {
		e.metrics.RecordGatewayError("settlement", "initiate_charge")
		err = e.failSettlementLocked(ctx, tx, "charge", models.ReasonChargeFailed, err)
		recordSpanError(span, err)
		return nil, err
	}
	tx.PaymentReference = charge.Reference
	tx.AccessCode = charge.AccessCode
	tx.AuthorizationURL = charge.AuthorizationURL
	tx.UpdatedAt = e.now().UTC()
	saved, err := e.store.Save(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("persist charge: %w", err)
	}
	return saved, nil
}

// VerifyTransfer polls the payout of a SELL. done reports that the transfer
// reached a final state or there is nothing left to poll.
func (e *Engine) VerifyTransfer(ctx context.Context, id string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.verify_transfer",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return true, e.lookupError(id, err)
	}
	if tx.Status.Terminal() {
		return true, nil
	}
	if tx.Kind != models.KindSell || tx.TransferReference == "" {
		return true, fmt.Errorf("%w: no transfer to verify", ErrInvalidState)
	}
	gctx, cancel := e.gatewayContext(ctx)
	status, err := e.settlement.VerifyTransfer(gctx, tx.TransferReference)
	cancel()
	if err != nil {
		e.metrics.RecordGatewayError("settlement", "verify_transfer")
		recordSpanError(span, err)
		return false, fmt.Errorf("verify transfer: %w", err)
	}
	terminal, ok := settlement.Outcome(status.Status)
	switch {
	case terminal && ok:
		tx.TransferStatus = status.Status
		return true, e.transitionLocked(ctx, tx, models.StatusCompleted, "")
	case terminal:
		tx.TransferStatus = status.Status
		return true, e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonTransferFailed)
	}
	if status.Status != "" && status.Status != tx.TransferStatus {
		tx.TransferStatus = status.Status
		tx.UpdatedAt = e.now().UTC()
		if _, err := e.store.Save(ctx, tx); err != nil {
			return false, fmt.Errorf("persist transfer status: %w", err)
		}
	}
	return false, nil
}

// PollTransfer is the transfer watcher's tick.
func (e *Engine) PollTransfer(ctx context.Context, id string) (bool, error) {
	return e.VerifyTransfer(ctx, id)
}

// PollConfirmation is the confirmation watcher's tick. It drives whichever
// step is outstanding and reports done once the watcher has nothing left to
// do: the transaction is terminal or its payout is handed to the transfer
// watcher.
func (e *Engine) PollConfirmation(ctx context.Context, id string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.poll_confirmation",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return true, e.lookupError(id, err)
	}

	switch {
	case tx.Status == models.StatusPending:
		_, err = e.confirmLocked(ctx, tx)
	case tx.Status == models.StatusConfirmed && tx.Kind == models.KindBuy:
		_, err = e.sendLocked(ctx, tx)
	case tx.Status == models.StatusConfirmed && tx.TransferReference == "":
		err = e.payoutLocked(ctx, tx)
	}
	if err != nil {
		recordSpanError(span, err)
	}
	return pollDone(tx), err
}

func pollDone(tx *models.Transaction) bool {
	if tx.Status.Terminal() {
		return true
	}
	return tx.Status == models.StatusConfirmed && tx.Kind == models.KindSell && tx.TransferReference != ""
}

// Expire moves a PENDING transaction past its deadline to EXPIRED. It reports
// whether this call made the transition.
func (e *Engine) Expire(ctx context.Context, id string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.expire",
		trace.WithAttributes(attribute.String("transaction.id", id)))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return false, e.lookupError(id, err)
	}
	if tx.Status != models.StatusPending || !tx.Expired(e.now()) {
		return false, nil
	}
	if err := e.transitionLocked(ctx, tx, models.StatusExpired, ""); err != nil {
		recordSpanError(span, err)
		return false, err
	}
	return true, nil
}

// failSettlementLocked records a failed settlement leg and returns the error
// the caller should surface.
func (e *Engine) failSettlementLocked(ctx context.Context, tx *models.Transaction, op, reason string, cause error) error {
	serr := &SettlementError{Op: op, Err: cause}
	if err := e.transitionLocked(ctx, tx, models.StatusFailed, reason); err != nil {
		return errors.Join(serr, err)
	}
	e.logger.WarnContext(ctx, "settlement failed",
		slog.String("transaction_id", tx.ID),
		slog.String("operation", op),
		slog.Any("error", cause))
	return serr
}

// transitionLocked applies and persists a status change, then emits the
// status event. Only the caller holding the transaction's lock may call it,
// which makes the status check in Transition the single point deciding which
// writer wins.
func (e *Engine) transitionLocked(ctx context.Context, tx *models.Transaction, next models.Status, reason string) error {
	from := tx.Status
	now := e.now().UTC()
	if err := tx.Transition(next, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if reason != "" {
		tx.FailureReason = reason
	}
	if _, err := e.store.Save(ctx, tx); err != nil {
		return fmt.Errorf("persist %s: %w", next, err)
	}
	e.metrics.RecordTransition(string(tx.Kind), string(from), string(next))
	if next.Terminal() {
		e.metrics.ObserveSettlement(string(tx.Kind), string(next), now.Sub(tx.CreatedAt))
	}
	e.logger.InfoContext(ctx, "transaction transitioned",
		slog.String("transaction_id", tx.ID),
		slog.String("from", string(from)),
		slog.String("to", string(next)))
	e.notifier.Notify(ctx, notify.NewEvent(tx, now))
	return nil
}

func (e *Engine) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.gatewayTimeout)
}

func (e *Engine) lookupError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return fmt.Errorf("load transaction %s: %w", id, err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
