package eventstore

import (
	"context"
	"time"
)

// Entry is one persisted history record. Seq is assigned by the store and
// increases monotonically in append order.
type Entry struct {
	Seq      int64
	EntityID string
	Type     string
	At       time.Time
	Payload  []byte
	Metadata map[string]string
}

// Store is an append-only log of entries keyed by build or group build id.
type Store interface {
	// Append stores e and returns its sequence number. A zero e.At means now.
	Append(ctx context.Context, e Entry) (int64, error)
	// History returns the entries of one entity in append order.
	History(ctx context.Context, entityID string) ([]Entry, error)
	// Since returns up to limit entries with Seq > after, in append order.
	Since(ctx context.Context, after int64, limit int) ([]Entry, error)
	// Prune drops entries older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
