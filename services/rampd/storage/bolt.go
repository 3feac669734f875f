package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"cryptoramp/services/rampd/models"
)

var bucketTransactions = []byte("transactions")

// Bolt is an embedded single-file store. Records are JSON encoded and keyed by
// transaction ID.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransactions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Save(_ context.Context, record *models.Transaction) (*models.Transaction, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", record.ID, err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransactions).Put([]byte(record.ID), payload)
	})
	if err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", record.ID, err)
	}
	return record.Clone(), nil
}

func (b *Bolt) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	var out *models.Transaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTransactions).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindLatestPendingByUserID scans the whole bucket.
func (b *Bolt) FindLatestPendingByUserID(_ context.Context, userID int64) (*models.Transaction, error) {
	owned, err := b.scan(func(record *models.Transaction) bool { return record.UserID == userID })
	if err != nil {
		return nil, err
	}
	latest := latestPending(owned)
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (b *Bolt) ListActive(_ context.Context) ([]*models.Transaction, error) {
	records, err := b.scan(func(*models.Transaction) bool { return true })
	if err != nil {
		return nil, err
	}
	return activeOldestFirst(records), nil
}

func (b *Bolt) ListActiveByUserID(_ context.Context, userID int64) ([]*models.Transaction, error) {
	records, err := b.scan(func(record *models.Transaction) bool { return record.UserID == userID })
	if err != nil {
		return nil, err
	}
	return activeOldestFirst(records), nil
}

func (b *Bolt) scan(match func(*models.Transaction) bool) ([]*models.Transaction, error) {
	var out []*models.Transaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(_, raw []byte) error {
			decoded, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if match(decoded) {
				out = append(out, decoded)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeRecord(raw []byte) (*models.Transaction, error) {
	var record models.Transaction
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &record, nil
}
