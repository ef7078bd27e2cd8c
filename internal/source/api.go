package source

import (
	"context"
	"fmt"

	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Doer executes a single upstream HTTP request.
type Doer interface {
	Do(ctx context.Context, request collyfetcher.Request) (collyfetcher.Page, error)
}

// APIMethod queries an official JSON API. Build turns the fetch request into
// an HTTP call; Decode turns the response body into records. Decode errors
// (malformed payloads) fail the method.
type APIMethod struct {
	Source  tender.SourceID
	Fetcher Doer
	Limiter Waiter
	Build   func(req Request) (collyfetcher.Request, error)
	Decode  func(body []byte) (Batch, error)
}

// Name implements Method.
func (m *APIMethod) Name() tender.Method { return tender.MethodAPI }

// Fetch implements Method.
func (m *APIMethod) Fetch(ctx context.Context, req Request) (Batch, error) {
	call, err := m.Build(req)
	if err != nil {
		return Batch{}, fmt.Errorf("build api request: %w", err)
	}
	if err := wait(ctx, m.Limiter, m.Source); err != nil {
		return Batch{}, err
	}
	page, err := m.Fetcher.Do(ctx, call)
	if err != nil {
		return Batch{}, fmt.Errorf("api request: %w", err)
	}
	batch, err := m.Decode(page.Body)
	if err != nil {
		return Batch{}, fmt.Errorf("decode api payload: %w", err)
	}
	return batch, nil
}
