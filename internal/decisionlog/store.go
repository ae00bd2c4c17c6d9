package decisionlog

import (
	"context"

	"github.com/tkingovr/requestguard/api"
)

// BatchWriter persists batches of entries. Implementations must tolerate
// batches arriving out of order and the same batch being written twice.
type BatchWriter interface {
	AddBatch(ctx context.Context, entries []Entry) error
}

// Store defines the interface for decision persistence and retrieval.
type Store interface {
	BatchWriter

	// Query retrieves entries matching the filter, newest first.
	Query(ctx context.Context, filter api.QueryFilter) ([]*Entry, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*api.DecisionStats, error)

	// Subscribe returns a channel that receives new entries in real time.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context) (<-chan *Entry, func())

	// Close shuts down the store and flushes any buffers.
	Close() error
}
