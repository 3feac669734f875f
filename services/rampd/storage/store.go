package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"cryptoramp/services/rampd/models"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("storage: transaction not found")
	// ErrPathRequired is returned when a file backed driver has no path.
	ErrPathRequired = errors.New("storage: path must be configured")
)

// Store persists transaction records. Implementations return copies; mutating a
// returned record never changes stored state. Writes for one transaction are
// serialised by the caller.
type Store interface {
	// Save inserts or replaces the record keyed by its ID.
	Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	// FindLatestPendingByUserID returns the most recently created non-terminal
	// record for the user, ties broken by ascending ID.
	FindLatestPendingByUserID(ctx context.Context, userID int64) (*models.Transaction, error)
	// ListActive returns every non-terminal record, oldest first.
	ListActive(ctx context.Context) ([]*models.Transaction, error)
	// ListActiveByUserID returns the user's non-terminal records, oldest first.
	ListActiveByUserID(ctx context.Context, userID int64) ([]*models.Transaction, error)
	Close() error
}

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL"

// Open selects a backend by driver name.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		resolved, err := sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(resolved)
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("storage: postgres dsn required")
		}
		return OpenPostgres(dsn)
	case DriverBolt:
		if strings.TrimSpace(dsn) == "" {
			return nil, ErrPathRequired
		}
		return OpenBolt(strings.TrimSpace(dsn))
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

// sqliteDSN accepts either a full "file:" DSN or a plain path.
func sqliteDSN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	if strings.HasPrefix(trimmed, "file:") {
		return trimmed, nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// latestPending picks the newest non-terminal record from an unordered set.
func latestPending(records []*models.Transaction) *models.Transaction {
	candidates := make([]*models.Transaction, 0, len(records))
	for _, record := range records {
		if record != nil && !record.Status.Terminal() {
			candidates = append(candidates, record)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// activeOldestFirst keeps the non-terminal records ordered by creation time,
// ties broken by ascending ID.
func activeOldestFirst(records []*models.Transaction) []*models.Transaction {
	active := make([]*models.Transaction, 0, len(records))
	for _, record := range records {
		if record != nil && !record.Status.Terminal() {
			active = append(active, record)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active
}

func validateRecord(tx *models.Transaction) error {
	if tx == nil {
		return fmt.Errorf("storage: transaction required")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("storage: transaction id required")
	}
	return nil
}
