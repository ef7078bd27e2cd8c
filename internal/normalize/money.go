package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/currency"
)

var currencySymbols = map[string]string{
	"€":   "EUR",
	"£":   "GBP",
	"zł":  "PLN",
	"kč":  "CZK",
	"ft":  "HUF",
	"lei": "RON",
	"лв":  "BGN",
}

// ParseCurrency validates an ISO 4217 code or a known symbol.
func ParseCurrency(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if code, ok := currencySymbols[strings.ToLower(s)]; ok {
		return code, true
	}
	unit, err := currency.ParseISO(strings.ToUpper(s))
	if err != nil || unit == currency.XXX || unit == currency.XTS {
		return "", false
	}
	return unit.String(), true
}

// detectCurrency finds a currency marker embedded in an amount string.
func detectCurrency(s string) (string, bool) {
	switch {
	case strings.Contains(s, "€"):
		return "EUR", true
	case strings.Contains(s, "£"):
		return "GBP", true
	}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len(tok) == 3 {
			if code, ok := ParseCurrency(tok); ok {
				return code, true
			}
		}
		if code, ok := currencySymbols[strings.ToLower(tok)]; ok {
			return code, true
		}
	}
	return "", false
}

// magnitudes scale amounts written with a unit word, as in "1,5 Mio. EUR" or "EUR 2bn".
var magnitudes = map[string]float64{
	"k":          1e3,
	"tsd":        1e3,
	"m":          1e6,
	"mn":         1e6,
	"mio":        1e6,
	"million":    1e6,
	"millions":   1e6,
	"millionen":  1e6,
	"bn":         1e9,
	"mrd":        1e9,
	"billion":    1e9,
	"billions":   1e9,
	"milliard":   1e9,
	"milliards":  1e9,
	"milliarde":  1e9,
	"milliarden": 1e9,
}

// amountQualifiers are words that may sit next to an amount without changing it.
var amountQualifiers = map[string]bool{
	"euro":   true,
	"euros":  true,
	"ht":     true,
	"ttc":    true,
	"netto":  true,
	"brutto": true,
	"excl":   true,
	"incl":   true,
	"vat":    true,
}

// amountScale returns the magnitude named by the words in s. Words that are
// neither a magnitude, a currency nor a tax qualifier make the amount unreadable.
func amountScale(s string) (float64, error) {
	scale := 1.0
	seen := false
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		word := strings.ToLower(tok)
		if m, ok := magnitudes[word]; ok {
			if seen {
				return 0, fmt.Errorf("more than one magnitude in amount %q", s)
			}
			scale, seen = m, true
			continue
		}
		if _, ok := currencySymbols[word]; ok || amountQualifiers[word] {
			continue
		}
		if len(word) == 3 {
			if _, ok := ParseCurrency(word); ok {
				continue
			}
		}
		return 0, fmt.Errorf("unexpected word %q in amount %q", tok, s)
	}
	return scale, nil
}

// ParseAmount parses a locale-formatted amount. Grouping may use '.', ',',
// spaces, NBSP or apostrophes. When both '.' and ',' appear the rightmost is
// the decimal mark; a lone separator is decided by decimal and digit grouping.
// A magnitude word (k, Mio, Mrd, million, bn) scales the result.
func ParseAmount(s string, decimal rune) (float64, error) {
	scale, err := amountScale(s)
	if err != nil {
		return 0, err
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if num == "" || strings.Trim(num, "-") == "" {
		return 0, fmt.Errorf("no digits in amount %q", s)
	}
	if decimal != ',' {
		decimal = '.'
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	var decimalMark byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalMark = '.'
		} else {
			decimalMark = ','
		}
	case lastDot >= 0:
		decimalMark = loneSeparator(num, '.', decimal)
	case lastComma >= 0:
		decimalMark = loneSeparator(num, ',', decimal)
	}

	integer := num
	if decimalMark != 0 {
		integer = num[:strings.LastIndexByte(num, decimalMark)]
	}
	if err := checkGrouping(integer); err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	var out strings.Builder
	for i := 0; i < len(num); i++ {
		c := num[i]
		switch {
		case c == '.' || c == ',':
			if c == decimalMark && i == strings.LastIndexByte(num, c) {
				out.WriteByte('.')
			}
		default:
			out.WriteByte(c)
		}
	}
	v, err := strconv.ParseFloat(out.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	return v * scale, nil
}

// checkGrouping requires thousands groups of exactly three digits after a
// leading group of one to three.
func checkGrouping(integer string) error {
	groups := strings.Split(strings.ReplaceAll(integer, ",", "."), ".")
	if len(groups) < 2 {
		return nil
	}
	if lead := len(strings.TrimPrefix(groups[0], "-")); lead < 1 || lead > 3 {
		return fmt.Errorf("malformed digit grouping %q", integer)
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return fmt.Errorf("malformed digit grouping %q", integer)
		}
	}
	return nil
}

// loneSeparator returns sep when it acts as the decimal mark, or 0 when it groups thousands.
func loneSeparator(num string, sep byte, decimal rune) byte {
	if strings.Count(num, string(sep)) > 1 {
		return 0
	}
	digitsAfter := len(num) - strings.LastIndexByte(num, sep) - 1
	if rune(sep) == decimal {
		return sep
	}
	if digitsAfter == 3 {
		return 0
	}
	return sep
}
