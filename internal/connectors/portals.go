package connectors

import (
	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/extract"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

const (
	evergabeID tender.SourceID = "evergabe"
	etendersID tender.SourceID = "etenders"
)

// National portals without an API render their listings client side; the
// placeholder generator ends their chains when enabled.

func evergabe() Definition {
	profile := normalize.Profile{
		DateLayouts:      []string{"02.01.2006", "02.01.2006 15:04"},
		DecimalSeparator: ',',
		DefaultCurrency:  "EUR",
		DefaultCountry:   "DE",
		URLBase:          "https://www.evergabe-online.de/",
	}
	sel := extract.Selectors{
		Row:       "table.searchResult tbody tr",
		Ref:       "td.vergabeNr",
		Title:     "td.title a",
		Buyer:     "td.vergabestelle",
		Published: "td.publicationDate",
		Deadline:  "td.deadline",
		Link:      "td.title a@href",
	}
	return portal(evergabeID, "e-Vergabe", profile, sel)
}

func etenders() Definition {
	profile := normalize.Profile{
		DateLayouts:      []string{"02/01/2006", "02/01/2006 15:04"},
		DecimalSeparator: '.',
		DefaultCurrency:  "EUR",
		DefaultCountry:   "IE",
		URLBase:          "https://www.etenders.gov.ie/",
	}
	sel := extract.Selectors{
		Row:       "table#T01 tbody tr",
		Ref:       "td:nth-child(2)",
		Title:     "td:nth-child(3) a",
		Buyer:     "td:nth-child(4)",
		Published: "td:nth-child(6)",
		Deadline:  "td:nth-child(7)",
		Amount:    "td:nth-child(9)",
		Link:      "td:nth-child(3) a@href",
	}
	return portal(etendersID, "eTenders", profile, sel)
}

func portal(id tender.SourceID, name string, profile normalize.Profile, sel extract.Selectors) Definition {
	return Definition{
		ID:      id,
		Name:    name,
		Profile: profile,
		build: func(cfg config.SourceConfig, deps Deps) []source.Method {
			methods := htmlMethods(id, cfg, deps, sel)
			return append(methods, syntheticMethod(id, profile, deps)...)
		},
	}
}

// defaultSelectors covers listings where a row holds one linked title.
func defaultSelectors(row, link string) extract.Selectors {
	return extract.Selectors{
		Row:   row,
		Title: "h2, h3, .title, a",
		Link:  link + "@href",
	}
}
