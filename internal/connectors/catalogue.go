// Package connectors is the catalogue of known upstream sources. Each entry
// declares a normalisation profile and builds its acquisition methods, in
// priority order, from configuration.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// ErrNoMethods is returned when configuration leaves a source with an empty chain.
var ErrNoMethods = errors.New("no acquisition method configured")

// HTTPClient is the static HTTP surface shared by API, feed and scrape methods.
type HTTPClient interface {
	Do(ctx context.Context, request collyfetcher.Request) (collyfetcher.Page, error)
	Feed(ctx context.Context, url string, fn func(e collyfetcher.Entry, raw string)) (collyfetcher.Page, error)
	HTML(ctx context.Context, url string, fn func(doc *goquery.Selection)) (collyfetcher.Page, error)
}

// Deps are the shared collaborators methods are built from.
type Deps struct {
	HTTP     HTTPClient
	Limiter  source.Waiter
	Detector source.RenderDetector
	// Renderer is nil when headless rendering is disabled; headless methods
	// are then left out of every chain.
	Renderer source.Renderer
	// SyntheticMax > 0 appends the placeholder generator to sources that
	// declare one.
	SyntheticMax  int
	MethodTimeout time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// Definition describes one known source.
type Definition struct {
	ID      tender.SourceID
	Name    string
	Profile normalize.Profile
	build   func(cfg config.SourceConfig, deps Deps) []source.Method
}

// Build assembles the connector for d from its source configuration.
func (d Definition) Build(cfg config.SourceConfig, deps Deps) (*source.Connector, error) {
	methods := d.build(cfg, deps)
	if len(methods) == 0 {
		return nil, fmt.Errorf("source %s: %w", d.ID, ErrNoMethods)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := source.NewChain(d.ID, deps.MethodTimeout, logger.Named("chain"), methods...)
	return source.NewConnector(d.ID, chain), nil
}

var catalogue = map[tender.SourceID]Definition{
	tedID:      ted(),
	boampID:    boamp(),
	placeID:    place(),
	evergabeID: evergabe(),
	etendersID: etenders(),
}

// Lookup returns the definition for id.
func Lookup(id tender.SourceID) (Definition, bool) {
	d, ok := catalogue[id]
	return d, ok
}

// Known lists every catalogued source id in lexical order.
func Known() []tender.SourceID {
	ids := make([]tender.SourceID, 0, len(catalogue))
	for id := range catalogue {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Profiles returns the normalisation profile of every catalogued source.
func Profiles() map[tender.SourceID]normalize.Profile {
	out := make(map[tender.SourceID]normalize.Profile, len(catalogue))
	for id, d := range catalogue {
		out[id] = d.Profile
	}
	return out
}

func feedMethod(id tender.SourceID, cfg config.SourceConfig, deps Deps, mapper source.EntryMapper) []source.Method {
	if cfg.FeedURL == "" {
		return nil
	}
	return []source.Method{&source.FeedMethod{
		Source:  id,
		URL:     cfg.FeedURL,
		Fetcher: deps.HTTP,
		Limiter: deps.Limiter,
		Map:     mapper,
	}}
}

// htmlMethods returns the static scrape method and, when a renderer is
// available, the headless method for the same listing.
func htmlMethods(id tender.SourceID, cfg config.SourceConfig, deps Deps, defaults extract.Selectors) []source.Method {
	if cfg.ScrapeURL == "" {
		return nil
	}
	sel := selectors(cfg.Selectors, defaults)
	methods := []source.Method{&source.ScrapeMethod{
		Source:    id,
		URL:       cfg.ScrapeURL,
		Fetcher:   deps.HTTP,
		Limiter:   deps.Limiter,
		Selectors: sel,
		Detector:  deps.Detector,
	}}
	if deps.Renderer != nil {
		methods = append(methods, &source.HeadlessMethod{
			Source:    id,
			URL:       cfg.ScrapeURL,
			Renderer:  deps.Renderer,
			Limiter:   deps.Limiter,
			Selectors: sel,
		})
	}
	return methods
}

func syntheticMethod(id tender.SourceID, profile normalize.Profile, deps Deps) []source.Method {
	if deps.SyntheticMax <= 0 {
		return nil
	}
	return []source.Method{&source.SyntheticMethod{
		Source:   id,
		Country:  profile.DefaultCountry,
		Currency: profile.DefaultCurrency,
		Max:      deps.SyntheticMax,
		Now:      deps.Now,
	}}
}

// selectors prefers configured selectors when they locate rows and titles.
func selectors(cfg config.SelectorConfig, defaults extract.Selectors) extract.Selectors {
	configured := extract.Selectors{
		Row:       cfg.Row,
		Ref:       cfg.Ref,
		Title:     cfg.Title,
		Summary:   cfg.Summary,
		Buyer:     cfg.Buyer,
		Published: cfg.Published,
		Deadline:  cfg.Deadline,
		Amount:    cfg.Amount,
		Link:      cfg.Link,
	}
	if configured.Valid() {
		return configured
	}
	return defaults
}
