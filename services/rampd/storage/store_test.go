package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/models"
	"cryptoramp/services/rampd/storage"
)

type backend struct {
	name string
	open func(t *testing.T) storage.Store
}

func backends() []backend {
	list := []backend{
		{name: "memory", open: func(t *testing.T) storage.Store { return storage.NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) storage.Store {
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
			store, err := storage.Open(storage.DriverSQLite, dsn)
			require.NoError(t, err)
			return store
		}},
		{name: "bolt", open: func(t *testing.T) storage.Store {
			store, err := storage.Open(storage.DriverBolt, filepath.Join(t.TempDir(), "rampd.db"))
			require.NoError(t, err)
			return store
		}},
	}
	if dsn := os.Getenv("RAMPD_TEST_POSTGRES_DSN"); dsn != "" {
		list = append(list, backend{name: "postgres", open: func(t *testing.T) storage.Store {
			store, err := storage.Open(storage.DriverPostgres, dsn)
			require.NoError(t, err)
			return store
		}})
	}
	return list
}

func newRecord(userID int64, created time.Time, status models.Status) *models.Transaction {
	return &models.Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionKey:    fmt.Sprintf("chat-%d", userID),
		Kind:          models.KindSell,
		Amount:        decimal.NewFromInt(100),
		FiatAmount:    decimal.NewFromInt(150_000),
		Asset:         assets.USDTERC20,
		FiatCurrency:  models.FiatNGN,
		Status:        status,
		WalletAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		BankDetails:   &models.BankDetails{AccountNumber: "0123456789", BankCode: "058", AccountName: "ADA OBI"},
		CreatedAt:     created,
		UpdatedAt:     created,
		ExpiresAt:     created.Add(30 * time.Minute),
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Run("save and find", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				created := time.Unix(1_700_000_000, 0).UTC()
				record := newRecord(42, created, models.StatusPending)

				saved, err := store.Save(ctx, record)
				require.NoError(t, err)
				require.Equal(t, record.ID, saved.ID)

				loaded, err := store.FindByID(ctx, record.ID)
				require.NoError(t, err)
				require.Equal(t, models.StatusPending, loaded.Status)
				require.True(t, loaded.Amount.Equal(record.Amount))
				require.True(t, loaded.FiatAmount.Equal(record.FiatAmount))
				require.True(t, loaded.CreatedAt.Equal(created))
				require.True(t, loaded.ExpiresAt.Equal(created.Add(30*time.Minute)))
				require.Equal(t, "0123456789", loaded.BankDetails.AccountNumber)
				require.Nil(t, loaded.PaidAt)
			})

			t.Run("not found", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				_, err := store.FindByID(context.Background(), "missing")
				require.True(t, errors.Is(err, storage.ErrNotFound))
				_, err = store.FindLatestPendingByUserID(context.Background(), 7)
				require.True(t, errors.Is(err, storage.ErrNotFound))
			})

			t.Run("upsert is idempotent", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				created := time.Unix(1_700_000_000, 0).UTC()
				record := newRecord(1, created, models.StatusPending)
				_, err := store.Save(ctx, record)
				require.NoError(t, err)
				_, err = store.Save(ctx, record)
				require.NoError(t, err)

				paid := created.Add(time.Minute)
				record.Status = models.StatusConfirmed
				record.PaidAt = &paid
				record.UpdatedAt = paid
				record.TransferReference = "SELL-" + record.ID
				_, err = store.Save(ctx, record)
				require.NoError(t, err)

				loaded, err := store.FindByID(ctx, record.ID)
				require.NoError(t, err)
				require.Equal(t, models.StatusConfirmed, loaded.Status)
				require.NotNil(t, loaded.PaidAt)
				require.True(t, loaded.PaidAt.Equal(paid))
				require.True(t, loaded.UpdatedAt.Equal(paid))
				require.Equal(t, "SELL-"+record.ID, loaded.TransferReference)
			})

			t.Run("returned records are copies", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				record := newRecord(3, time.Unix(1_700_000_000, 0).UTC(), models.StatusPending)
				saved, err := store.Save(ctx, record)
				require.NoError(t, err)
				saved.Status = models.StatusFailed
				saved.BankDetails.AccountNumber = "mutated"
				record.Status = models.StatusCompleted

				loaded, err := store.FindByID(ctx, record.ID)
				require.NoError(t, err)
				require.Equal(t, models.StatusPending, loaded.Status)
				require.Equal(t, "0123456789", loaded.BankDetails.AccountNumber)
			})

			t.Run("latest pending", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				base := time.Unix(1_700_000_000, 0).UTC()

				older := newRecord(9, base, models.StatusPending)
				newest := newRecord(9, base.Add(2*time.Minute), models.StatusConfirmed)
				terminal := newRecord(9, base.Add(5*time.Minute), models.StatusCompleted)
				other := newRecord(10, base.Add(10*time.Minute), models.StatusPending)
				for _, r := range []*models.Transaction{older, newest, terminal, other} {
					_, err := store.Save(ctx, r)
					require.NoError(t, err)
				}

				latest, err := store.FindLatestPendingByUserID(ctx, 9)
				require.NoError(t, err)
				require.Equal(t, newest.ID, latest.ID)

				newest.Status = models.StatusFailed
				_, err = store.Save(ctx, newest)
				require.NoError(t, err)
				latest, err = store.FindLatestPendingByUserID(ctx, 9)
				require.NoError(t, err)
				require.Equal(t, older.ID, latest.ID)
			})

			t.Run("list active", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				base := time.Unix(1_700_000_000, 0).UTC()

				first := newRecord(21, base, models.StatusPending)
				second := newRecord(22, base.Add(time.Minute), models.StatusConfirmed)
				third := newRecord(21, base.Add(2*time.Minute), models.StatusPending)
				done := newRecord(21, base.Add(3*time.Minute), models.StatusExpired)
				for _, r := range []*models.Transaction{third, done, second, first} {
					_, err := store.Save(ctx, r)
					require.NoError(t, err)
				}

				all, err := store.ListActive(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{first.ID, second.ID, third.ID}, ids(all))

				owned, err := store.ListActiveByUserID(ctx, 21)
				require.NoError(t, err)
				require.Equal(t, []string{first.ID, third.ID}, ids(owned))

				none, err := store.ListActiveByUserID(ctx, 99)
				require.NoError(t, err)
				require.Empty(t, none)
			})

			t.Run("ties break by id", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				ctx := context.Background()
				at := time.Unix(1_700_000_000, 0).UTC()
				first := newRecord(11, at, models.StatusPending)
				first.ID = "b-second"
				second := newRecord(11, at, models.StatusPending)
				second.ID = "a-first"
				for _, r := range []*models.Transaction{first, second} {
					_, err := store.Save(ctx, r)
					require.NoError(t, err)
				}
				for i := 0; i < 3; i++ {
					latest, err := store.FindLatestPendingByUserID(ctx, 11)
					require.NoError(t, err)
					require.Equal(t, "a-first", latest.ID)
				}
			})

			t.Run("rejects records without id", func(t *testing.T) {
				store := b.open(t)
				defer store.Close()
				_, err := store.Save(context.Background(), &models.Transaction{})
				require.Error(t, err)
				_, err = store.Save(context.Background(), nil)
				require.Error(t, err)
			})
		})
	}
}

func ids(records []*models.Transaction) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := storage.Open("mongo", "x")
	require.Error(t, err)
	_, err = storage.Open(storage.DriverBolt, "")
	require.ErrorIs(t, err, storage.ErrPathRequired)
	_, err = storage.Open(storage.DriverSQLite, " ")
	require.ErrorIs(t, err, storage.ErrPathRequired)
}
