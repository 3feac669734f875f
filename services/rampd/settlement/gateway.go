package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks network failures, throttling and 5xx responses. Callers
	// may retry.
	ErrTransient = errors.New("settlement: transient gateway error")
	// ErrAccountNotFound is returned when a bank account cannot be resolved.
	ErrAccountNotFound = errors.New("settlement: bank account not found")
)

// Processor status strings.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusReversed  = "reversed"
	StatusAbandoned = "abandoned"
	StatusPending   = "pending"
)

// Gateway is the fiat side of a conversion. Amounts are integer minor units
// (kobo for NGN).
type Gateway interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error)
	CreateTransferRecipient(ctx context.Context, recipient Recipient) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error)
	ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*BankAccount, error)
	ListBanks(ctx context.Context) ([]Bank, error)
}

// ChargeRequest asks the processor to collect fiat from a customer.
type ChargeRequest struct {
	Email       string
	AmountMinor int64
	Reference   string
}

// Charge is the processor's answer to a charge initiation.
type Charge struct {
	Reference        string
	AccessCode       string
	AuthorizationURL string
}

// ChargeStatus reports the state of a previously initiated charge.
type ChargeStatus struct {
	Status      string
	AmountMinor int64
	Reference   string
	Channel     string
	PaidAt      *time.Time
}

// Succeeded reports whether the charge has been paid.
func (c *ChargeStatus) Succeeded() bool {
	return c != nil && strings.EqualFold(strings.TrimSpace(c.Status), StatusSuccess)
}

// Declined reports whether the charge reached a definitive non-paid state.
func (c *ChargeStatus) Declined() bool {
	if c == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case StatusFailed, StatusReversed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Recipient identifies a payout bank account.
type Recipient struct {
	AccountNumber string
	BankCode      string
	AccountName   string
}

// TransferRequest pays fiat out to a recipient.
type TransferRequest struct {
	AmountMinor   int64
	RecipientCode string
	Reference     string
	Reason        string
}

// Transfer is the processor's answer to a transfer initiation.
type Transfer struct {
	TransferCode string
	Reference    string
	Status       string
}

// TransferStatus reports the state of a transfer.
type TransferStatus struct {
	Status      string
	AmountMinor int64
	Reference   string
}

// Outcome maps a transfer status onto (terminal, succeeded).
func Outcome(status string) (terminal bool, succeeded bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusSuccess:
		return true, true
	case StatusFailed, StatusReversed, StatusAbandoned:
		return true, false
	default:
		return false, false
	}
}

// BankAccount is a resolved payout account.
type BankAccount struct {
	AccountNumber string
	AccountName   string
	BankName      string
}

// Bank is an entry of the processor's bank directory.
type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ToMinor converts a major-unit fiat amount into minor units, rounding half away
// from zero.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinor converts minor units back to a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// APIError is a non-retryable rejection from the processor.
type APIError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("settlement %s failed: status=%d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("settlement %s failed: status=%d: %s", e.Path, e.StatusCode, e.Message)
}
