// Package store provides the interaction log interface and its SQLite
// implementation.
package store

import (
	"context"

	"github.com/ashureev/clm-relay/internal/domain"
)

// Repository defines the interface for recording completed interactions.
type Repository interface {
	// AppendInteraction records a completed turn.
	AppendInteraction(ctx context.Context, rec domain.InteractionRecord) error

	// ListInteractions returns every recorded turn in completion order.
	ListInteractions(ctx context.Context) ([]domain.InteractionRecord, error)

	// ClearInteractions removes every recorded turn and returns how many were removed.
	ClearInteractions(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
