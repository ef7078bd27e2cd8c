package connectors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

const tedID tender.SourceID = "ted"

// TED search API caps page size.
const tedMaxLimit = 250

var tedFields = []string{
	"publication-number",
	"notice-title",
	"description-lot",
	"buyer-name",
	"buyer-country",
	"publication-date",
	"deadline-receipt-tender-date-lot",
	"classification-cpv",
	"total-value",
	"total-value-cur",
	"links",
}

func ted() Definition {
	profile := normalize.Profile{
		DecimalSeparator: '.',
		DefaultCurrency:  "EUR",
		URLBase:          "https://ted.europa.eu/",
	}
	return Definition{
		ID:      tedID,
		Name:    "Tenders Electronic Daily",
		Profile: profile,
		build: func(cfg config.SourceConfig, deps Deps) []source.Method {
			var methods []source.Method
			if cfg.APIURL != "" {
				methods = append(methods, &source.APIMethod{
					Source:  tedID,
					Fetcher: deps.HTTP,
					Limiter: deps.Limiter,
					Build:   func(req source.Request) (collyfetcher.Request, error) { return tedRequest(cfg.APIURL, req) },
					Decode:  decodeTED,
				})
			}
			methods = append(methods, feedMethod(tedID, cfg, deps, nil)...)
			methods = append(methods, htmlMethods(tedID, cfg, deps, tedSelectors)...)
			return methods
		},
	}
}

var tedSelectors = defaultSelectors("article.notice, tr.notice-row", "a[href]")

type tedSearch struct {
	Query  string   `json:"query"`
	Fields []string `json:"fields"`
	Limit  int      `json:"limit"`
	Page   int      `json:"page"`
	Scope  string   `json:"scope"`
}

func tedRequest(endpoint string, req source.Request) (collyfetcher.Request, error) {
	limit := req.Limit
	if limit <= 0 || limit > tedMaxLimit {
		limit = tedMaxLimit
	}
	query := "notice-type IN (cn-standard cn-social cn-desg pin-cfc-standard)"
	if req.Since != nil {
		query = fmt.Sprintf("publication-date>=%s AND %s", req.Since.UTC().Format("20060102"), query)
	}
	body, err := json.Marshal(tedSearch{Query: query, Fields: tedFields, Limit: limit, Page: 1, Scope: "ACTIVE"})
	if err != nil {
		return collyfetcher.Request{}, fmt.Errorf("encode ted query: %w", err)
	}
	return collyfetcher.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Body:   body,
		Headers: http.Header{
			"Content-Type": {"application/json"},
			"Accept":       {"application/json"},
		},
	}, nil
}

type tedResponse struct {
	Notices          []map[string]json.RawMessage `json:"notices"`
	TotalNoticeCount *int                         `json:"totalNoticeCount"`
}

// decodeTED maps the search response. Multilingual fields prefer English.
func decodeTED(body []byte) (source.Batch, error) {
	var resp tedResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return source.Batch{}, err
	}
	if resp.Notices == nil && resp.TotalNoticeCount == nil {
		return source.Batch{}, fmt.Errorf("response has no notices field")
	}

	records := make([]tender.RawRecord, 0, len(resp.Notices))
	for _, n := range resp.Notices {
		fields := map[string]string{}
		setIf(fields, tender.FieldRef, text(n["publication-number"]))
		setIf(fields, tender.FieldTitle, text(n["notice-title"], "eng", "en"))
		setIf(fields, tender.FieldSummary, text(n["description-lot"], "eng", "en"))
		setIf(fields, tender.FieldBuyer, text(n["buyer-name"], "eng", "en"))
		setIf(fields, tender.FieldCountry, text(n["buyer-country"]))
		setIf(fields, tender.FieldPublished, text(n["publication-date"]))
		setIf(fields, tender.FieldDeadline, text(n["deadline-receipt-tender-date-lot"]))
		setIf(fields, tender.FieldAmount, text(n["total-value"]))
		setIf(fields, tender.FieldCurrency, text(n["total-value-cur"]))
		setIf(fields, tender.FieldURL, tedLink(n["links"]))

		raw, err := json.Marshal(n)
		if err != nil {
			return source.Batch{}, fmt.Errorf("re-encode notice: %w", err)
		}
		records = append(records, tender.RawRecord{
			Fields:   fields,
			CPVCodes: texts(n["classification-cpv"]),
			Payload:  raw,
		})
	}
	return source.Batch{Records: records, ConfirmedEmpty: len(records) == 0}, nil
}

// tedLink picks the English HTML rendering from {"html": {"ENG": "..."}}.
func tedLink(raw json.RawMessage) string {
	var links map[string]json.RawMessage
	if err := json.Unmarshal(raw, &links); err != nil {
		return ""
	}
	for _, kind := range []string{"html", "htmlDirect", "pdf"} {
		if v := text(links[kind], "ENG", "eng", "en"); v != "" {
			return v
		}
	}
	return ""
}
