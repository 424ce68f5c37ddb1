// Package store defines the persistence interface for the credit pool.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/credit-pool/internal/model"
)

// ErrNotFound is returned when no snapshot has been saved yet.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool snapshots ---

	// SaveSnapshot persists a full copy of the pool state.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LatestSnapshot returns the snapshot with the highest version.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Immutable event journal ---

	// InsertEvents appends committed engine events in order.
	InsertEvents(ctx context.Context, events []model.Event) error

	// EventsByAccount returns an account's events, oldest first.
	EventsByAccount(ctx context.Context, account model.Address, limit int) ([]model.Event, error)

	// RecentEvents returns the newest events, oldest first.
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}
