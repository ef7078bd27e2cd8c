package tender

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores when a key has no row.
var ErrNotFound = errors.New("tender not found")

// Store persists tenders keyed by (source id, source ref). Upsert must be
// atomic per record: a failed call leaves no partially written row.
// SetCanonical rewrites only the cluster flags of a stored row; a nil
// duplicateOf marks it canonical.
type Store interface {
	Upsert(ctx context.Context, t Tender) (UpsertOutcome, error)
	SetCanonical(ctx context.Context, key Key, duplicateOf *Key) error
	Get(ctx context.Context, key Key) (Tender, error)
	Query(ctx context.Context, q Query) ([]Tender, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to downstream consumers (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
