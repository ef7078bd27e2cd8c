package connectors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

const boampID tender.SourceID = "boamp"

// OpenDataSoft rejects limit above 100 on the records endpoint.
const boampMaxLimit = 100

func boamp() Definition {
	profile := normalize.Profile{
		DecimalSeparator: ',',
		DefaultCurrency:  "EUR",
		DefaultCountry:   "FR",
		URLBase:          "https://www.boamp.fr/",
	}
	return Definition{
		ID:      boampID,
		Name:    "Bulletin officiel des annonces des marchés publics",
		Profile: profile,
		build: func(cfg config.SourceConfig, deps Deps) []source.Method {
			var methods []source.Method
			if cfg.APIURL != "" {
				methods = append(methods, &source.APIMethod{
					Source:  boampID,
					Fetcher: deps.HTTP,
					Limiter: deps.Limiter,
					Build:   func(req source.Request) (collyfetcher.Request, error) { return boampRequest(cfg.APIURL, req) },
					Decode:  decodeBOAMP,
				})
			}
			methods = append(methods, feedMethod(boampID, cfg, deps, nil)...)
			methods = append(methods, htmlMethods(boampID, cfg, deps, boampSelectors)...)
			return methods
		},
	}
}

var boampSelectors = defaultSelectors("div.card-notification, li.avis", "a[href]")

func boampRequest(endpoint string, req source.Request) (collyfetcher.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return collyfetcher.Request{}, fmt.Errorf("parse boamp endpoint: %w", err)
	}
	limit := req.Limit
	if limit <= 0 || limit > boampMaxLimit {
		limit = boampMaxLimit
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order_by", "dateparution desc")
	if req.Since != nil {
		q.Set("where", fmt.Sprintf("dateparution >= date'%s'", req.Since.UTC().Format("2006-01-02")))
	}
	u.RawQuery = q.Encode()
	return collyfetcher.Request{
		Method:  http.MethodGet,
		URL:     u.String(),
		Headers: http.Header{"Accept": {"application/json"}},
	}, nil
}

type boampResponse struct {
	TotalCount *int                         `json:"total_count"`
	Results    []map[string]json.RawMessage `json:"results"`
}

func decodeBOAMP(body []byte) (source.Batch, error) {
	var resp boampResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return source.Batch{}, err
	}
	if resp.TotalCount == nil {
		return source.Batch{}, fmt.Errorf("response has no total_count")
	}

	records := make([]tender.RawRecord, 0, len(resp.Results))
	for _, r := range resp.Results {
		fields := map[string]string{}
		setIf(fields, tender.FieldRef, text(r["idweb"]))
		setIf(fields, tender.FieldTitle, text(r["objet"]))
		setIf(fields, tender.FieldSummary, text(r["descripteur_libelle"]))
		setIf(fields, tender.FieldBuyer, text(r["nomacheteur"]))
		setIf(fields, tender.FieldPublished, text(r["dateparution"]))
		setIf(fields, tender.FieldDeadline, text(r["datelimitereponse"]))
		setIf(fields, tender.FieldAmount, text(r["montant"]))
		setIf(fields, tender.FieldURL, text(r["url_avis"]))
		if fields[tender.FieldURL] == "" && fields[tender.FieldRef] != "" {
			fields[tender.FieldURL] = "/avis/detail/" + url.PathEscape(fields[tender.FieldRef])
		}

		raw, err := json.Marshal(r)
		if err != nil {
			return source.Batch{}, fmt.Errorf("re-encode record: %w", err)
		}
		records = append(records, tender.RawRecord{
			Fields:   fields,
			CPVCodes: texts(r["code_cpv"]),
			Payload:  raw,
		})
	}
	return source.Batch{Records: records, ConfirmedEmpty: len(records) == 0}, nil
}
