package source

import (
	"context"
	"fmt"
	"strings"

	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// FeedReader downloads and walks an RSS or Atom document.
type FeedReader interface {
	Feed(ctx context.Context, url string, fn func(e collyfetcher.Entry, raw string)) (collyfetcher.Page, error)
}

// EntryMapper extracts raw fields and source category codes from one feed entry.
type EntryMapper func(e collyfetcher.Entry) (fields map[string]string, codes []string)

// FeedMethod reads the source's RSS or Atom feed. A well-formed feed with no
// entries is a confirmed empty answer; entries that all fail to map are not.
type FeedMethod struct {
	Source  tender.SourceID
	URL     string
	Fetcher FeedReader
	Limiter Waiter
	Map     EntryMapper
}

// Name implements Method.
func (m *FeedMethod) Name() tender.Method { return tender.MethodFeed }

// Fetch implements Method.
func (m *FeedMethod) Fetch(ctx context.Context, _ Request) (Batch, error) {
	mapper := m.Map
	if mapper == nil {
		mapper = StandardEntry
	}
	if err := wait(ctx, m.Limiter, m.Source); err != nil {
		return Batch{}, err
	}
	var records []tender.RawRecord
	entries := 0
	_, err := m.Fetcher.Feed(ctx, m.URL, func(e collyfetcher.Entry, raw string) {
		entries++
		fields, codes := mapper(e)
		if len(fields) == 0 {
			return
		}
		records = append(records, tender.RawRecord{
			Fields:   fields,
			CPVCodes: codes,
			Payload:  []byte(raw),
		})
	})
	if err != nil {
		return Batch{}, fmt.Errorf("read feed: %w", err)
	}
	if len(records) == 0 && entries > 0 {
		return Batch{}, fmt.Errorf("feed %s: %d entries unmapped: %w", m.URL, entries, ErrNoRecords)
	}
	return Batch{Records: records, ConfirmedEmpty: entries == 0}, nil
}

// StandardEntry maps the common RSS 2.0 and Atom elements.
func StandardEntry(e collyfetcher.Entry) (map[string]string, []string) {
	fields := map[string]string{}
	put := func(key string, candidates ...string) {
		for _, v := range candidates {
			if v = strings.TrimSpace(v); v != "" {
				fields[key] = v
				return
			}
		}
	}
	put(tender.FieldRef, e.ChildText(local("guid")), e.ChildText(local("id")), e.ChildText(local("link")))
	put(tender.FieldTitle, e.ChildText(local("title")))
	put(tender.FieldSummary, e.ChildText(local("description")), e.ChildText(local("summary")))
	put(tender.FieldPublished, e.ChildText(local("pubDate")), e.ChildText(local("published")), e.ChildText(local("updated")))
	put(tender.FieldURL, e.ChildAttr(local("link"), "href"), e.ChildText(local("link")))

	return fields, e.ChildTexts(local("category"))
}

// local builds a namespace-agnostic child step for name.
func local(name string) string {
	return "*[local-name()='" + name + "']"
}
