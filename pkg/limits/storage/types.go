package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Dimensions of persisted state.
const (
	// DimensionCircuit holds one circuit state per backend id.
	DimensionCircuit = "circuit"

	// DimensionSpend holds one rolling daily spend per tenant id.
	DimensionSpend = "spend"
)

// Backend persists shared-state snapshots so circuits and spend survive a
// restart. Implementations must be safe for concurrent use.
type Backend interface {
	// Save inserts or replaces the state for its identifier and dimension.
	Save(ctx context.Context, state *State) error

	// Load returns the state for identifier and dimension, or nil.
	Load(ctx context.Context, identifier, dimension string) (*State, error)

	// Delete removes a state. Deleting a missing state is not an error.
	Delete(ctx context.Context, identifier, dimension string) error

	// List returns every state in a dimension ordered by identifier.
	List(ctx context.Context, dimension string) ([]*State, error)

	// Cleanup removes states not updated since olderThan.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases resources. The backend must not be used afterwards.
	Close() error
}

// State is one persisted record. Payload is the JSON encoding of the
// dimension's value type.
type State struct {
	Identifier  string
	Dimension   string
	Payload     json.RawMessage
	LastUpdated time.Time
	CreatedAt   time.Time
}
