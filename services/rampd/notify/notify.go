package notify

import (
	"context"
	"log/slog"
	"time"

	"cryptoramp/services/rampd/models"
)

// Event describes a single status change of a transaction.
type Event struct {
	TransactionID string        `json:"transaction_id"`
	UserID        int64         `json:"user_id"`
	SessionKey    string        `json:"session_key,omitempty"`
	Kind          models.Kind   `json:"kind"`
	Status        models.Status `json:"status"`
	Terminal      bool          `json:"terminal"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}

// NewEvent builds the event for the current state of tx.
func NewEvent(tx *models.Transaction, at time.Time) Event {
	return Event{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		SessionKey:    tx.SessionKey,
		Kind:          tx.Kind,
		Status:        tx.Status,
		Terminal:      tx.Status.Terminal(),
		Reason:        tx.FailureReason,
		At:            at.UTC(),
	}
}

// Notifier receives transaction events. Implementations must not block the
// caller for long; the engine emits while holding the transaction's lock.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, ev Event)

// Notify calls f.
func (f Func) Notify(ctx context.Context, ev Event) {
	if f != nil {
		f(ctx, ev)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every non-nil notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("transaction_id", ev.TransactionID),
		slog.Int64("user_id", ev.UserID),
		slog.String("kind", string(ev.Kind)),
		slog.String("status", string(ev.Status)),
		slog.Bool("terminal", ev.Terminal),
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	logger.InfoContext(ctx, "transaction status changed", attrs...)
}
