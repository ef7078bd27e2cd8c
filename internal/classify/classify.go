// Package classify assigns CPV category codes to tenders.
//
// Codes supplied by the source are trusted and only canonicalised. Tenders
// without source codes are matched against a keyword table that is data, not
// code: an embedded default ships with the binary and an operator may point
// classification.keyword_table at a replacement file.
package classify

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
	"github.com/JakeFAU/eu-tender-ingest/internal/textnorm"
)

//go:embed cpv_keywords.yaml
var defaultTable []byte

// Entry maps one CPV code to the phrases that signal it.
type Entry struct {
	Code     string   `yaml:"code"`
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// Table is the keyword table file format.
type Table struct {
	Entries []Entry `yaml:"entries"`
}

// DefaultTable returns the embedded table.
func DefaultTable() (Table, error) {
	return decodeTable(bytes.NewReader(defaultTable))
}

// LoadTable reads a table from path, or the embedded default when path is empty.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable()
	}
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("open keyword table: %w", err)
	}
	defer f.Close()
	return decodeTable(f)
}

func decodeTable(r io.Reader) (Table, error) {
	var t Table
	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decode keyword table: %w", err)
	}
	return t, nil
}

type rule struct {
	code    string
	phrases []phrase
}

type phrase struct {
	text   string // folded, padded with spaces
	weight int
}

// Mapper is a pure, deterministic classifier. It is safe for concurrent use.
type Mapper struct {
	rules    []rule
	maxCodes int
}

// New compiles a table. maxCodes <= 0 keeps every match.
func New(table Table, maxCodes int) (*Mapper, error) {
	m := &Mapper{maxCodes: maxCodes}
	seen := make(map[string]bool, len(table.Entries))
	for i, e := range table.Entries {
		code, ok := CanonicalCode(e.Code)
		if !ok {
			return nil, fmt.Errorf("entry %d: %q is not a CPV code", i, e.Code)
		}
		if seen[code] {
			return nil, fmt.Errorf("entry %d: duplicate code %s", i, code)
		}
		seen[code] = true
		r := rule{code: code}
		for _, kw := range e.Keywords {
			folded := textnorm.Fold(kw)
			if folded == "" {
				continue
			}
			r.phrases = append(r.phrases, phrase{
				text:   " " + folded + " ",
				weight: len(strings.Fields(folded)),
			})
		}
		if len(r.phrases) == 0 {
			return nil, fmt.Errorf("entry %d (%s): no keywords", i, code)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Classify returns t with CategoryCodes and CategoryOrigin set. Applying it
// to its own output yields the same codes in the same order.
func (m *Mapper) Classify(t tender.Tender) tender.Tender {
	if t.CategoryOrigin != tender.CategoryFromKeyword && len(t.CategoryCodes) > 0 {
		if codes := canonicalCodes(t.CategoryCodes); len(codes) > 0 {
			t.CategoryCodes = codes
			t.CategoryOrigin = tender.CategoryFromSource
			return t
		}
	}
	t.CategoryCodes = m.Match(t.Title + " " + t.Summary)
	t.CategoryOrigin = ""
	if len(t.CategoryCodes) > 0 {
		t.CategoryOrigin = tender.CategoryFromKeyword
	}
	return t
}

// Match returns the codes whose keywords occur in text, strongest first.
// Ties order by code. No match returns nil, never a fallback code.
func (m *Mapper) Match(text string) []string {
	haystack := " " + textnorm.Fold(text) + " "
	if strings.TrimSpace(haystack) == "" {
		return nil
	}
	type hit struct {
		code     string
		strength int
	}
	var hits []hit
	for _, r := range m.rules {
		strength := 0
		for _, p := range r.phrases {
			if strings.Contains(haystack, p.text) {
				strength += p.weight
			}
		}
		if strength > 0 {
			hits = append(hits, hit{code: r.code, strength: strength})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].strength != hits[j].strength {
			return hits[i].strength > hits[j].strength
		}
		return hits[i].code < hits[j].code
	})
	if m.maxCodes > 0 && len(hits) > m.maxCodes {
		hits = hits[:m.maxCodes]
	}
	var codes []string
	for _, h := range hits {
		codes = append(codes, h.code)
	}
	return codes
}

// CanonicalCode reduces a CPV code such as "72000000-5" or "72 00 00 00" to
// its eight digits.
func CanonicalCode(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, " ", "")
	if len(s) != 8 {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

func canonicalCodes(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		code, ok := CanonicalCode(c)
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
