// Package source implements acquisition methods for upstream procurement
// portals and the fallback chain that tries them in priority order.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

var (
	// ErrRenderRequired signals a static page that only has content after JavaScript runs.
	ErrRenderRequired = errors.New("page requires javascript rendering")
	// ErrNoRecords is returned when a method produced nothing it can vouch for.
	ErrNoRecords = errors.New("no records and no confirmed-empty signal")
)

// Request bounds one fetch.
type Request struct {
	Limit int
	Since *time.Time
}

// Batch is what a method returns. ConfirmedEmpty marks an authoritative empty
// answer (the upstream said "nothing new"), which counts as success.
type Batch struct {
	Records        []tender.RawRecord
	ConfirmedEmpty bool
}

// Method is one acquisition strategy.
type Method interface {
	Name() tender.Method
	Fetch(ctx context.Context, req Request) (Batch, error)
}

// Waiter throttles calls per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

func wait(ctx context.Context, w Waiter, source tender.SourceID) error {
	if w == nil {
		return nil
	}
	return w.Wait(ctx, string(source))
}
