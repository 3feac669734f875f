package storage

import (
	"context"
	"sync"

	"cryptoramp/services/rampd/models"
)

// Memory keeps records in process. It is the default backend.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*models.Transaction
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*models.Transaction)}
}

func (m *Memory) Save(_ context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := validateRecord(tx); err != nil {
		return nil, err
	}
	stored := tx.Clone()
	m.mu.Lock()
	m.records[stored.ID] = stored
	m.mu.Unlock()
	return stored.Clone(), nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *Memory) FindLatestPendingByUserID(_ context.Context, userID int64) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := make([]*models.Transaction, 0)
	for _, record := range m.records {
		if record.UserID == userID {
			owned = append(owned, record)
		}
	}
	latest := latestPending(owned)
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (m *Memory) ListActive(_ context.Context) ([]*models.Transaction, error) {
	return m.listActive(func(*models.Transaction) bool { return true }), nil
}

func (m *Memory) ListActiveByUserID(_ context.Context, userID int64) ([]*models.Transaction, error) {
	return m.listActive(func(record *models.Transaction) bool { return record.UserID == userID }), nil
}

func (m *Memory) listActive(match func(*models.Transaction) bool) []*models.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Transaction
	for _, record := range m.records {
		if match(record) {
			out = append(out, record.Clone())
		}
	}
	return activeOldestFirst(out)
}

func (m *Memory) Close() error { return nil }
