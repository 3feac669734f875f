package engine

import (
	"context"
	"log/slog"

	"cryptoramp/services/rampd/models"
)

// supersedePending fails the user's older PENDING transactions once next is
// stored, so a single deposit or charge can only settle the newest one.
// Failures are logged; the new transaction stands regardless.
func (e *Engine) supersedePending(ctx context.Context, next *models.Transaction) {
	active, err := e.store.ListActiveByUserID(ctx, next.UserID)
	if err != nil {
		e.logger.WarnContext(ctx, "list pending transactions",
			slog.Int64("user_id", next.UserID),
			slog.Any("error", err))
		return
	}
	for _, old := range active {
		if old.ID == next.ID || old.Status != models.StatusPending {
			continue
		}
		if err := e.supersede(ctx, old.ID, next); err != nil {
			e.logger.WarnContext(ctx, "supersede transaction",
				slog.String("transaction_id", old.ID),
				slog.String("superseded_by", next.ID),
				slog.Any("error", err))
		}
	}
}

func (e *Engine) supersede(ctx context.Context, id string, next *models.Transaction) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return e.lookupError(id, err)
	}
	if tx.Status != models.StatusPending {
		return nil
	}
	if tx.Kind == models.KindBuy && tx.PaymentReference != "" {
		// A charge may already be paid; leave it for its poller to settle.
		gctx, cancel := e.gatewayContext(ctx)
		status, err := e.settlement.VerifyCharge(gctx, tx.PaymentReference)
		cancel()
		if err != nil {
			e.metrics.RecordGatewayError("settlement", "verify_charge")
			return err
		}
		if status.Succeeded() {
			return nil
		}
	}
	if err := e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonSuperseded); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "transaction superseded",
		slog.String("transaction_id", tx.ID),
		slog.String("superseded_by", next.ID))
	if e.watcher != nil && tx.SessionKey != "" && tx.SessionKey != next.SessionKey {
		e.watcher.CancelSession(tx.SessionKey)
	}
	return nil
}

// FlagStalled is called when a watcher gives up on a transaction. A PENDING
// record past its deadline expires. A charged BUY whose send never succeeded
// fails for manual review; a SELL whose payout is unresolved is flagged for
// review but keeps its status. It reports whether the record changed.
func (e *Engine) FlagStalled(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.store.FindByID(ctx, id)
	if err != nil {
		return false, e.lookupError(id, err)
	}
	switch {
	case tx.Status == models.StatusPending:
		if !tx.Expired(e.now()) {
			return false, nil
		}
		if err := e.transitionLocked(ctx, tx, models.StatusExpired, ""); err != nil {
			return false, err
		}
		return true, nil
	case tx.Status == models.StatusConfirmed && tx.Kind == models.KindBuy:
		tx.NeedsReview = true
		if err := e.transitionLocked(ctx, tx, models.StatusFailed, models.ReasonSendFailedAfterCharge); err != nil {
			return false, err
		}
		e.logger.ErrorContext(ctx, "charged transaction stalled, manual reconciliation required",
			slog.String("transaction_id", tx.ID),
			slog.String("payment_reference", tx.PaymentReference),
			slog.Int("send_attempts", tx.SendAttempts))
		return true, nil
	case tx.Status == models.StatusConfirmed && !tx.NeedsReview:
		tx.NeedsReview = true
		tx.UpdatedAt = e.now().UTC()
		if _, err := e.store.Save(ctx, tx); err != nil {
			return false, err
		}
		e.logger.ErrorContext(ctx, "payout stalled, manual reconciliation required",
			slog.String("transaction_id", tx.ID),
			slog.String("transfer_reference", tx.TransferReference))
		return true, nil
	}
	return false, nil
}

// Resume re-arms watchers for every non-terminal transaction in the store.
// It is called once at startup, after SetWatcher, and returns how many
// transactions were picked up.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	if e.watcher == nil {
		return 0, nil
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, tx := range active {
		switch {
		case tx.Status == models.StatusPending:
			e.watcher.WatchExpiry(tx.Clone())
			e.watcher.WatchConfirmation(tx.Clone())
		case tx.Kind == models.KindSell && tx.TransferReference != "":
			e.watcher.WatchTransfer(tx.Clone())
		default:
			e.watcher.WatchConfirmation(tx.Clone())
		}
	}
	if len(active) > 0 {
		e.logger.InfoContext(ctx, "resumed active transactions", slog.Int("count", len(active)))
	}
	return len(active), nil
}
