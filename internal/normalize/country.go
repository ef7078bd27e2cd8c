package normalize

import (
	"strings"

	"golang.org/x/text/language"
)

// EU institutions use EL for Greece and UK for the United Kingdom.
var countryAliases = map[string]string{
	"EL": "GR",
	"UK": "GB",
}

// reservedRegions are ISO 3166-1 exceptionally reserved codes. They name
// organisations or territories that are not assigned countries, so no buyer
// is located in them.
var reservedRegions = map[string]bool{
	"AC": true,
	"CP": true,
	"DG": true,
	"EA": true,
	"EU": true,
	"EZ": true,
	"FX": true,
	"IC": true,
	"SU": true,
	"TA": true,
	"UN": true,
}

// ParseCountry returns the ISO 3166-1 alpha-2 code for an alpha-2 or alpha-3
// input. Macro regions (EU, 150) and reserved codes (UN) are rejected.
func ParseCountry(s string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := countryAliases[code]; ok {
		code = alias
	}
	if len(code) != 2 && len(code) != 3 {
		return "", false
	}
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	iso := region.String()
	if len(iso) != 2 || reservedRegions[iso] {
		return "", false
	}
	return iso, true
}
