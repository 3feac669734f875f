package models

import (
	"testing"
	"time"
)

func TestStateMachine(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusFailed},
		{StatusPending, StatusExpired},
		{StatusConfirmed, StatusCompleted},
		{StatusConfirmed, StatusFailed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusConfirmed, StatusExpired},
		{StatusConfirmed, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusExpired, StatusConfirmed},
		{StatusExpired, StatusExpired},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusExpired} {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []Status{StatusPending, StatusConfirmed} {
		if status.Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}

func TestTransitionStampsUpdatedAt(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	tx := &Transaction{Status: StatusPending, CreatedAt: created, UpdatedAt: created}
	later := created.Add(time.Minute)
	if err := tx.Transition(StatusConfirmed, later); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !tx.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at %v, got %v", later, tx.UpdatedAt)
	}
	if err := tx.Transition(StatusExpired, later.Add(time.Minute)); err == nil {
		t.Fatalf("expected CONFIRMED -> EXPIRED to fail")
	}
	if tx.Status != StatusConfirmed || !tx.UpdatedAt.Equal(later) {
		t.Fatalf("rejected transition must not mutate the record")
	}
}

func TestCloneIsDeep(t *testing.T) {
	paid := time.Unix(1_700_000_000, 0)
	tx := &Transaction{
		ID:          "tx-1",
		BankDetails: &BankDetails{AccountNumber: "0123456789", BankCode: "058"},
		PaidAt:      &paid,
	}
	clone := tx.Clone()
	clone.BankDetails.AccountNumber = "9999999999"
	*clone.PaidAt = paid.Add(time.Hour)
	if tx.BankDetails.AccountNumber != "0123456789" {
		t.Fatalf("clone shares bank details")
	}
	if !tx.PaidAt.Equal(paid) {
		t.Fatalf("clone shares paid_at")
	}
	if (*Transaction)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestExpired(t *testing.T) {
	deadline := time.Unix(1_700_000_000, 0)
	tx := &Transaction{ExpiresAt: deadline}
	if tx.Expired(deadline.Add(-time.Second)) {
		t.Fatalf("not yet expired")
	}
	if !tx.Expired(deadline) {
		t.Fatalf("expired exactly at deadline")
	}
}

func TestBankDetailsComplete(t *testing.T) {
	var missing *BankDetails
	if missing.Complete() {
		t.Fatalf("nil bank details are incomplete")
	}
	if (&BankDetails{AccountNumber: "0123456789"}).Complete() {
		t.Fatalf("bank code required")
	}
	if !(&BankDetails{AccountNumber: "0123456789", BankCode: "058"}).Complete() {
		t.Fatalf("expected complete")
	}
}
