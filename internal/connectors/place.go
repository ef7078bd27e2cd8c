package connectors

import (
	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

const placeID tender.SourceID = "place"

func place() Definition {
	profile := normalize.Profile{
		DecimalSeparator: ',',
		DefaultCurrency:  "EUR",
		DefaultCountry:   "ES",
		URLBase:          "https://contrataciondelestado.es/",
	}
	return Definition{
		ID:      placeID,
		Name:    "Plataforma de Contratación del Sector Público",
		Profile: profile,
		build: func(cfg config.SourceConfig, deps Deps) []source.Method {
			methods := feedMethod(placeID, cfg, deps, placeEntry)
			return append(methods, htmlMethods(placeID, cfg, deps, placeSelectors)...)
		},
	}
}

var placeSelectors = defaultSelectors("table#tableLicitacionesPerfilContratante tbody tr", "a[href]")

// placeEntry reads the CODICE ContractFolderStatus embedded in each Atom
// entry on top of the plain Atom elements. The Atom id stays the reference:
// folder ids are only unique per contracting party.
func placeEntry(e collyfetcher.Entry) (map[string]string, []string) {
	fields, _ := source.StandardEntry(e)
	setIf(fields, tender.FieldBuyer, e.ChildText(descendant("LocatedContractingParty")+"//"+local("PartyName")+"/"+local("Name")))
	setIf(fields, tender.FieldDeadline, e.ChildText(descendant("TenderSubmissionDeadlinePeriod")+"/"+local("EndDate")))

	amount := descendant("BudgetAmount") + "/" + local("TaxExclusiveAmount")
	if e.ChildText(amount) == "" {
		amount = descendant("BudgetAmount") + "/" + local("TotalAmount")
	}
	setIf(fields, tender.FieldAmount, e.ChildText(amount))
	setIf(fields, tender.FieldCurrency, e.ChildAttr(amount, "currencyID"))
	setIf(fields, tender.FieldCountry, e.ChildText(descendant("LocatedContractingParty")+"//"+local("IdentificationCode")))

	return fields, e.ChildTexts(descendant("ItemClassificationCode"))
}

func local(name string) string {
	return "*[local-name()='" + name + "']"
}

func descendant(name string) string {
	return ".//" + local(name)
}
