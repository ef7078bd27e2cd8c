package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/eu-tender-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// PageReader downloads a static HTML page.
type PageReader interface {
	HTML(ctx context.Context, url string, fn func(doc *goquery.Selection)) (collyfetcher.Page, error)
}

// RenderDetector flags JavaScript shells.
type RenderDetector interface {
	NeedsRender(status int, body []byte, rowsFound int) bool
}

// Renderer produces the DOM of a page after scripts have run.
type Renderer interface {
	Render(ctx context.Context, url string) (headless.Page, error)
}

// ScrapeMethod extracts notices from a static HTML listing.
type ScrapeMethod struct {
	Source    tender.SourceID
	URL       string
	Fetcher   PageReader
	Limiter   Waiter
	Selectors extract.Selectors
	Detector  RenderDetector
}

// Name implements Method.
func (m *ScrapeMethod) Name() tender.Method { return tender.MethodScrape }

// Fetch implements Method. A page that yields no rows fails with
// ErrRenderRequired when it looks like a JavaScript shell, or ErrNoRecords.
func (m *ScrapeMethod) Fetch(ctx context.Context, _ Request) (Batch, error) {
	base, err := url.Parse(m.URL)
	if err != nil {
		return Batch{}, fmt.Errorf("parse scrape url: %w", err)
	}
	if err := wait(ctx, m.Limiter, m.Source); err != nil {
		return Batch{}, err
	}
	var rows []extract.Row
	page, err := m.Fetcher.HTML(ctx, m.URL, func(doc *goquery.Selection) {
		rows = extract.Rows(doc, m.Selectors, base)
	})
	if err != nil {
		return Batch{}, fmt.Errorf("scrape listing: %w", err)
	}
	if len(rows) == 0 {
		if m.Detector != nil && m.Detector.NeedsRender(page.StatusCode, page.Body, 0) {
			return Batch{}, ErrRenderRequired
		}
		return Batch{}, fmt.Errorf("scrape listing %s: %w", m.URL, ErrNoRecords)
	}
	return Batch{Records: rowsToRecords(rows)}, nil
}

// HeadlessMethod renders a JavaScript listing in a browser and extracts rows
// with the same selectors as ScrapeMethod.
type HeadlessMethod struct {
	Source    tender.SourceID
	URL       string
	Renderer  Renderer
	Limiter   Waiter
	Selectors extract.Selectors
}

// Name implements Method.
func (m *HeadlessMethod) Name() tender.Method { return tender.MethodHeadless }

// Fetch implements Method.
func (m *HeadlessMethod) Fetch(ctx context.Context, _ Request) (Batch, error) {
	if err := wait(ctx, m.Limiter, m.Source); err != nil {
		return Batch{}, err
	}
	page, err := m.Renderer.Render(ctx, m.URL)
	if err != nil {
		return Batch{}, fmt.Errorf("render listing: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return Batch{}, fmt.Errorf("parse rendered listing: %w", err)
	}
	base, err := url.Parse(page.URL)
	if err != nil || page.URL == "" {
		base, _ = url.Parse(m.URL)
	}
	rows := extract.Rows(doc.Selection, m.Selectors, base)
	if len(rows) == 0 {
		return Batch{}, fmt.Errorf("rendered listing %s: %w", m.URL, ErrNoRecords)
	}
	return Batch{Records: rowsToRecords(rows)}, nil
}

func rowsToRecords(rows []extract.Row) []tender.RawRecord {
	records := make([]tender.RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, tender.RawRecord{
			Fields:  row.Fields,
			Payload: []byte(row.HTML),
		})
	}
	return records
}
