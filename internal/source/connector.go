package source

import (
	"context"
	"time"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Connector is the adapter for one upstream source. Upstream failures never
// surface as a Go error; they ride inside Result.
type Connector struct {
	id    tender.SourceID
	chain *Chain
}

// NewConnector wires a connector to its fallback chain.
func NewConnector(id tender.SourceID, chain *Chain) *Connector {
	return &Connector{id: id, chain: chain}
}

// ID returns the connector's source id.
func (c *Connector) ID() tender.SourceID {
	return c.id
}

// Methods lists the acquisition methods in priority order.
func (c *Connector) Methods() []tender.Method {
	return c.chain.Methods()
}

// Fetch retrieves up to limit raw records published since the given date.
func (c *Connector) Fetch(ctx context.Context, limit int, since *time.Time) Result {
	return c.chain.Run(ctx, Request{Limit: limit, Since: since})
}
