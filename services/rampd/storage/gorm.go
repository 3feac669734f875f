package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/models"
)

// transactionRow is the relational layout shared by the sqlite and postgres
// backends. Decimals are stored as text to keep full precision on both engines.
// Timestamps are owned by the engine clock, so gorm's auto time tracking is off.
type transactionRow struct {
	ID                string     `gorm:"primaryKey;size:64"`
	UserID            int64      `gorm:"index:idx_user_status_created,priority:1;not null"`
	SessionKey        string     `gorm:"size:128"`
	Kind              string     `gorm:"size:8;not null"`
	Amount            string     `gorm:"not null"`
	FiatAmount        string     `gorm:"not null"`
	Asset             string     `gorm:"size:16;not null"`
	FiatCurrency      string     `gorm:"size:8;not null"`
	Status            string     `gorm:"index:idx_user_status_created,priority:2;size:16;not null"`
	WalletAddress     string     `gorm:"size:128"`
	HasBank           bool       `gorm:"not null"`
	BankAccountNumber string     `gorm:"size:32"`
	BankCode          string     `gorm:"size:16"`
	BankAccountName   string     `gorm:"size:128"`
	BankName          string     `gorm:"size:128"`
	Email             string     `gorm:"size:255"`
	CreatedAt         time.Time  `gorm:"autoCreateTime:false;not null"`
	CreatedUnixNano   int64      `gorm:"index:idx_user_status_created,priority:3"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime:false;not null"`
	ExpiresAt         time.Time  `gorm:"not null"`
	PaymentReference  string     `gorm:"size:128"`
	AccessCode        string     `gorm:"size:128"`
	AuthorizationURL  string     `gorm:"size:512"`
	PaidAt            *time.Time `gorm:"column:paid_at"`
	TransferReference string     `gorm:"size:128"`
	TransferCode      string     `gorm:"size:128"`
	TransferStatus    string     `gorm:"size:32"`
	SendTxHash        string     `gorm:"size:128"`
	SendAttempts      int        `gorm:"not null"`
	NeedsReview       bool       `gorm:"not null"`
	FailureReason     string     `gorm:"size:128"`
}

func (transactionRow) TableName() string { return "ramp_transactions" }

// SQL is the gorm backed store used for the sqlite and postgres drivers.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens a sqlite database through the pure-Go glebarez driver.
func OpenSQLite(dsn string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQL(db)
}

// OpenPostgres opens a postgres database.
func OpenPostgres(dsn string) (*SQL, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an existing gorm handle and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: gorm handle required")
	}
	if err := db.AutoMigrate(&transactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func (s *SQL) Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := validateRecord(tx); err != nil {
		return nil, err
	}
	row := toRow(tx)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return fromRow(row)
}

func (s *SQL) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return fromRow(row)
}

func (s *SQL) FindLatestPendingByUserID(ctx context.Context, userID int64) (*models.Transaction, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, activeStatuses()).
		Order("created_unix_nano DESC").
		Order("id ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest pending for user %d: %w", userID, err)
	}
	return fromRow(row)
}

func (s *SQL) ListActive(ctx context.Context) ([]*models.Transaction, error) {
	return s.listActive(s.db.WithContext(ctx))
}

func (s *SQL) ListActiveByUserID(ctx context.Context, userID int64) ([]*models.Transaction, error) {
	return s.listActive(s.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (s *SQL) listActive(query *gorm.DB) ([]*models.Transaction, error) {
	var rows []transactionRow
	err := query.
		Where("status IN ?", activeStatuses()).
		Order("created_unix_nano ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active transactions: %w", err)
	}
	out := make([]*models.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func activeStatuses() []string {
	return []string{string(models.StatusPending), string(models.StatusConfirmed)}
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(tx *models.Transaction) transactionRow {
	row := transactionRow{
		ID:                tx.ID,
		UserID:            tx.UserID,
		SessionKey:        tx.SessionKey,
		Kind:              string(tx.Kind),
		Amount:            tx.Amount.String(),
		FiatAmount:        tx.FiatAmount.String(),
		Asset:             string(tx.Asset),
		FiatCurrency:      tx.FiatCurrency,
		Status:            string(tx.Status),
		WalletAddress:     tx.WalletAddress,
		Email:             tx.Email,
		CreatedAt:         tx.CreatedAt.UTC(),
		CreatedUnixNano:   tx.CreatedAt.UnixNano(),
		UpdatedAt:         tx.UpdatedAt.UTC(),
		ExpiresAt:         tx.ExpiresAt.UTC(),
		PaymentReference:  tx.PaymentReference,
		AccessCode:        tx.AccessCode,
		AuthorizationURL:  tx.AuthorizationURL,
		TransferReference: tx.TransferReference,
		TransferCode:      tx.TransferCode,
		TransferStatus:    tx.TransferStatus,
		SendTxHash:        tx.SendTxHash,
		SendAttempts:      tx.SendAttempts,
		NeedsReview:       tx.NeedsReview,
		FailureReason:     tx.FailureReason,
	}
	if tx.BankDetails != nil {
		row.HasBank = true
		row.BankAccountNumber = tx.BankDetails.AccountNumber
		row.BankCode = tx.BankDetails.BankCode
		row.BankAccountName = tx.BankDetails.AccountName
		row.BankName = tx.BankDetails.BankName
	}
	if tx.PaidAt != nil {
		paid := tx.PaidAt.UTC()
		row.PaidAt = &paid
	}
	return row
}

func fromRow(row transactionRow) (*models.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount for %s: %w", row.ID, err)
	}
	fiat, err := decimal.NewFromString(row.FiatAmount)
	if err != nil {
		return nil, fmt.Errorf("decode fiat amount for %s: %w", row.ID, err)
	}
	tx := &models.Transaction{
		ID:                row.ID,
		UserID:            row.UserID,
		SessionKey:        row.SessionKey,
		Kind:              models.Kind(row.Kind),
		Amount:            amount,
		FiatAmount:        fiat,
		Asset:             assets.Asset(row.Asset),
		FiatCurrency:      row.FiatCurrency,
		Status:            models.Status(row.Status),
		WalletAddress:     row.WalletAddress,
		Email:             row.Email,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
		ExpiresAt:         row.ExpiresAt.UTC(),
		PaymentReference:  row.PaymentReference,
		AccessCode:        row.AccessCode,
		AuthorizationURL:  row.AuthorizationURL,
		TransferReference: row.TransferReference,
		TransferCode:      row.TransferCode,
		TransferStatus:    row.TransferStatus,
		SendTxHash:        row.SendTxHash,
		SendAttempts:      row.SendAttempts,
		NeedsReview:       row.NeedsReview,
		FailureReason:     row.FailureReason,
	}
	if row.HasBank {
		tx.BankDetails = &models.BankDetails{
			AccountNumber: row.BankAccountNumber,
			BankCode:      row.BankCode,
			AccountName:   row.BankAccountName,
			BankName:      row.BankName,
		}
	}
	if row.PaidAt != nil {
		paid := row.PaidAt.UTC()
		tx.PaidAt = &paid
	}
	return tx, nil
}
