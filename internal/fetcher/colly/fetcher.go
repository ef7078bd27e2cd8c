// Package collyfetcher performs upstream HTTP retrieval (JSON APIs, RSS/Atom
// feeds and static HTML listings) using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
)

// ErrNotFeed is returned when a response parses but has no RSS channel or Atom feed root.
var ErrNotFeed = errors.New("response is not an rss or atom feed")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Page is a completed upstream response.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Request describes a single upstream call.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
}

// Entry is one RSS item or Atom entry. Queries are XPath expressions
// evaluated relative to the entry node.
type Entry interface {
	ChildText(xpath string) string
	ChildTexts(xpath string) []string
	ChildAttr(xpath, attr string) string
}

// Fetcher wraps a base colly collector cloned per request.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

const (
	rssItemQuery  = "//item"
	atomEntryXML  = "//*[local-name()='entry']"
	feedRootQuery = "/rss/channel | /*[local-name()='feed'] | /*[local-name()='RDF']"
)

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Do executes one request and returns the raw response. Non-2xx responses are errors.
func (f *Fetcher) Do(ctx context.Context, request Request) (Page, error) {
	var (
		result   Page
		fetchErr error
	)
	collector := f.buildCollector(request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return Page{}, err
	}
	return result, nil
}

// Feed downloads an RSS or Atom document and calls fn for every item or
// entry. It fails with ErrNotFeed when no feed root is present, so an empty
// but well-formed feed can be told apart from an unrelated document.
func (f *Fetcher) Feed(ctx context.Context, url string, fn func(e Entry, raw string)) (Page, error) {
	var (
		result   Page
		fetchErr error
		rootSeen bool
	)
	request := Request{URL: url, Headers: http.Header{"Accept": {"application/rss+xml, application/atom+xml, application/xml;q=0.9"}}}
	collector := f.buildCollector(request, time.Now(), &result, &fetchErr)
	collector.OnXML(feedRootQuery, func(_ *colly.XMLElement) {
		rootSeen = true
	})
	onEntry := func(e *colly.XMLElement) {
		raw := ""
		if n, ok := e.DOM.(*xmlquery.Node); ok {
			raw = n.OutputXML(true)
		}
		fn(e, raw)
	}
	collector.OnXML(rssItemQuery, onEntry)
	collector.OnXML(atomEntryXML, onEntry)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return Page{}, err
	}
	if !rootSeen {
		return result, ErrNotFeed
	}
	return result, nil
}

// HTML downloads a page and hands its parsed document to fn.
func (f *Fetcher) HTML(ctx context.Context, url string, fn func(doc *goquery.Selection)) (Page, error) {
	var (
		result   Page
		fetchErr error
	)
	request := Request{URL: url}
	collector := f.buildCollector(request, time.Now(), &result, &fetchErr)
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		fn(e.DOM)
	})
	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return Page{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request Request, start time.Time, result *Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if f.transport != nil {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request Request,
	start time.Time,
	result *Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request Request, fetchErr *error) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	var body *bytes.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}

	done := make(chan error, 1)
	go func() {
		if body == nil {
			done <- collector.Request(method, request.URL, nil, nil, nil)
			return
		}
		done <- collector.Request(method, request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
