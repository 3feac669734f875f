package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptoramp/services/rampd/assets"
)

// Kind distinguishes the direction of a conversion.
type Kind string

const (
	KindBuy  Kind = "BUY"
	KindSell Kind = "SELL"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// FiatNGN is the only supported fiat currency.
const FiatNGN = "NGN"

// Failure reasons recorded on FAILED transactions.
const (
	ReasonChargeFailed          = "charge_failed"
	ReasonChargeDeclined        = "charge_declined"
	ReasonPayoutFailed          = "payout_failed"
	ReasonTransferFailed        = "transfer_failed"
	ReasonSendFailedAfterCharge = "send_failed_after_charge"
	ReasonSuperseded            = "superseded"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFailed, StatusExpired},
	StatusConfirmed: {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BankDetails identifies the payout account of a SELL.
type BankDetails struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
}

// Complete reports whether the fields required for a payout are present.
func (b *BankDetails) Complete() bool {
	return b != nil && b.AccountNumber != "" && b.BankCode != ""
}

// Transaction is the persisted record of a single BUY or SELL.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        int64           `json:"user_id"`
	SessionKey    string          `json:"session_key,omitempty"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"`
	Asset         assets.Asset    `json:"asset"`
	FiatCurrency  string          `json:"fiat_currency"`
	Status        Status          `json:"status"`
	WalletAddress string          `json:"wallet_address"` // BUY destination or SELL deposit address
	BankDetails   *BankDetails    `json:"bank_details,omitempty"`
	Email         string          `json:"email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`

	PaymentReference  string     `json:"payment_reference,omitempty"`
	AccessCode        string     `json:"access_code,omitempty"`
	AuthorizationURL  string     `json:"authorization_url,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	TransferReference string     `json:"transfer_reference,omitempty"`
	TransferCode      string     `json:"transfer_code,omitempty"`
	TransferStatus    string     `json:"transfer_status,omitempty"`
	SendTxHash        string     `json:"send_tx_hash,omitempty"`
	SendAttempts      int        `json:"send_attempts,omitempty"`
	NeedsReview       bool       `json:"needs_review,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.BankDetails != nil {
		bank := *t.BankDetails
		out.BankDetails = &bank
	}
	if t.PaidAt != nil {
		paid := *t.PaidAt
		out.PaidAt = &paid
	}
	return &out
}

// Transition moves the record to next, stamping UpdatedAt. Disallowed moves
// leave the record untouched.
func (t *Transaction) Transition(next Status, now time.Time) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("transition %s -> %s not allowed", t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// Expired reports whether the deadline has passed at now.
func (t *Transaction) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
