package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/eu-tender-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/eu-tender-ingest/internal/headless/detector"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

type countingWaiter struct{ keys []string }

func (w *countingWaiter) Wait(_ context.Context, key string) error {
	w.keys = append(w.keys, key)
	return nil
}

func TestAPIMethodDecodesPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[{"id":"A-1","title":"Bridge"}]}`)
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	m := &APIMethod{
		Source:  "boamp",
		Fetcher: collyfetcher.New(collyfetcher.Config{Timeout: time.Second}),
		Limiter: waiter,
		Build: func(req Request) (collyfetcher.Request, error) {
			return collyfetcher.Request{URL: srv.URL + "/records?limit=" + strconv.Itoa(req.Limit)}, nil
		},
		Decode: func(body []byte) (Batch, error) {
			var payload struct {
				Results []struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"results"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return Batch{}, err
			}
			var b Batch
			for _, r := range payload.Results {
				b.Records = append(b.Records, tender.RawRecord{Fields: map[string]string{
					tender.FieldRef: r.ID, tender.FieldTitle: r.Title,
				}})
			}
			b.ConfirmedEmpty = len(b.Records) == 0
			return b, nil
		},
	}

	batch, err := m.Fetch(context.Background(), Request{Limit: 5})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "A-1", batch.Records[0].Fields[tender.FieldRef])
	require.Equal(t, []string{"boamp"}, waiter.keys)
}

func TestAPIMethodErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{not json`)
	}))
	defer srv.Close()

	build := func(path string) func(Request) (collyfetcher.Request, error) {
		return func(Request) (collyfetcher.Request, error) {
			return collyfetcher.Request{URL: srv.URL + path}, nil
		}
	}
	decode := func(body []byte) (Batch, error) {
		var v map[string]any
		if err := json.Unmarshal(body, &v); err != nil {
			return Batch{}, err
		}
		return Batch{ConfirmedEmpty: true}, nil
	}
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: time.Second})

	_, err := (&APIMethod{Source: "ted", Fetcher: fetcher, Build: build("/down"), Decode: decode}).
		Fetch(context.Background(), Request{})
	require.ErrorContains(t, err, "api request")

	_, err = (&APIMethod{Source: "ted", Fetcher: fetcher, Build: build("/bad"), Decode: decode}).
		Fetch(context.Background(), Request{})
	require.ErrorContains(t, err, "decode api payload")

	_, err = (&APIMethod{
		Source: "ted", Fetcher: fetcher, Decode: decode,
		Build: func(Request) (collyfetcher.Request, error) { return collyfetcher.Request{}, errors.New("no query") },
	}).Fetch(context.Background(), Request{})
	require.ErrorContains(t, err, "build api request")
}

const placeFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Licitaciones</title>
  <entry>
    <id>https://contratacion.example.es/licitacion/991</id>
    <title>Servicio de limpieza de oficinas</title>
    <summary>Limpieza de sedes administrativas</summary>
    <link href="https://contratacion.example.es/licitacion/991"/>
    <updated>2025-10-02T09:30:00+02:00</updated>
    <category>90910000</category>
  </entry>
</feed>`

func TestFeedMethodStandardEntries(t *testing.T) {
	t.Parallel()

	var empty atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		if empty.Load() {
			_, _ = io.WriteString(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><title>x</title></feed>`)
			return
		}
		_, _ = io.WriteString(w, placeFeed)
	}))
	defer srv.Close()

	m := &FeedMethod{Source: "place", URL: srv.URL, Fetcher: collyfetcher.New(collyfetcher.Config{})}
	batch, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)

	rec := batch.Records[0]
	require.Equal(t, "https://contratacion.example.es/licitacion/991", rec.Fields[tender.FieldRef])
	require.Equal(t, "Servicio de limpieza de oficinas", rec.Fields[tender.FieldTitle])
	require.Equal(t, "Limpieza de sedes administrativas", rec.Fields[tender.FieldSummary])
	require.Equal(t, "2025-10-02T09:30:00+02:00", rec.Fields[tender.FieldPublished])
	require.Equal(t, "https://contratacion.example.es/licitacion/991", rec.Fields[tender.FieldURL])
	require.Equal(t, []string{"90910000"}, rec.CPVCodes)
	require.Contains(t, string(rec.Payload), "Servicio de limpieza")

	empty.Store(true)
	batch, err = m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.True(t, batch.ConfirmedEmpty)
}

func TestFeedMethodUnmappedEntriesAreNotEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = io.WriteString(w, placeFeed)
	}))
	defer srv.Close()

	m := &FeedMethod{
		Source:  "place",
		URL:     srv.URL,
		Fetcher: collyfetcher.New(collyfetcher.Config{}),
		Map:     func(collyfetcher.Entry) (map[string]string, []string) { return nil, nil },
	}
	batch, err := m.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoRecords)
	require.False(t, batch.ConfirmedEmpty)
	require.Empty(t, batch.Records)
}

func TestScrapeMethod(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/list":
			_, _ = io.WriteString(w, `<html><body><table>
<tr class="n" data-ref="E-1"><td class="t">Snow clearing</td><td><a href="/n/E-1">x</a></td></tr>
</table></body></html>`)
		case "/spa":
			_, _ = io.WriteString(w, `<html><body><div id="root"></div><script src="/app.js"></script></body></html>`)
		default:
			_, _ = io.WriteString(w, `<html><body><p>`+strings.Repeat("maintenance notice ", 200)+`</p></body></html>`)
		}
	}))
	defer srv.Close()

	sel := extract.Selectors{Row: "tr.n", Ref: "@data-ref", Title: "td.t"}
	fetcher := collyfetcher.New(collyfetcher.Config{})
	det := detector.NewHeuristic(0)

	m := &ScrapeMethod{Source: "etenders", URL: srv.URL + "/list", Fetcher: fetcher, Selectors: sel, Detector: det}
	batch, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "E-1", batch.Records[0].Fields[tender.FieldRef])
	require.Equal(t, srv.URL+"/n/E-1", batch.Records[0].Fields[tender.FieldURL])

	m.URL = srv.URL + "/spa"
	_, err = m.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, ErrRenderRequired)

	m.URL = srv.URL + "/plain"
	_, err = m.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoRecords)
}

type fakeRenderer struct {
	page headless.Page
	err  error
}

func (f fakeRenderer) Render(context.Context, string) (headless.Page, error) {
	return f.page, f.err
}

func TestHeadlessMethod(t *testing.T) {
	t.Parallel()

	sel := extract.Selectors{Row: "li.notice", Title: "h3", Buyer: ".buyer", Link: "a@href"}
	m := &HeadlessMethod{
		Source: "evergabe",
		URL:    "https://vergabe.example.de/search",
		Renderer: fakeRenderer{page: headless.Page{
			URL:        "https://vergabe.example.de/search#results",
			StatusCode: 200,
			HTML: `<html><body><ul>
<li class="notice"><h3>Reinigung Rathaus</h3><span class="buyer">Stadt Köln</span><a href="/detail/1">x</a></li>
</ul></body></html>`,
		}},
		Selectors: sel,
	}
	batch, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "Stadt Köln", batch.Records[0].Fields[tender.FieldBuyer])
	require.Equal(t, "https://vergabe.example.de/detail/1", batch.Records[0].Fields[tender.FieldRef])

	m.Renderer = fakeRenderer{err: errors.New("chrome not installed")}
	_, err = m.Fetch(context.Background(), Request{})
	require.ErrorContains(t, err, "render listing")

	m.Renderer = fakeRenderer{page: headless.Page{HTML: "<html><body></body></html>"}}
	_, err = m.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoRecords)
}

func TestSyntheticMethodIsDeterministicPerDay(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 10, 6, 15, 0, 0, 0, time.UTC)
	m := &SyntheticMethod{Source: "evergabe", Country: "DE", Currency: "EUR", Max: 5, Now: func() time.Time { return day }}

	first, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	second, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first.Records, 5)

	rec := first.Records[0]
	require.True(t, rec.Synthetic)
	require.Equal(t, "SYNTH-evergabe-20251006-001", rec.Fields[tender.FieldRef])
	require.True(t, strings.HasPrefix(rec.Fields[tender.FieldTitle], SyntheticTitlePrefix))
	require.Equal(t, "DE", rec.Fields[tender.FieldCountry])

	limited, err := m.Fetch(context.Background(), Request{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited.Records, 2)

	m.Now = func() time.Time { return day.AddDate(0, 0, 1) }
	next, err := m.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.NotEqual(t, first.Records[0].Fields[tender.FieldTitle]+first.Records[0].Fields[tender.FieldBuyer],
		next.Records[0].Fields[tender.FieldTitle]+next.Records[0].Fields[tender.FieldBuyer])
}
