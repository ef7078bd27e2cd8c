// Package extract turns HTML listing pages into raw tender field maps using
// CSS selectors.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Selectors locate one notice per Row match; the remaining selectors are
// evaluated relative to that row. A selector of the form "css@attr" reads an
// attribute instead of text, and "@attr" reads it from the row itself.
type Selectors struct {
	Row       string
	Ref       string
	Title     string
	Summary   string
	Buyer     string
	Published string
	Deadline  string
	Amount    string
	Link      string
}

// Valid reports whether the selectors can locate at least a row and a title.
func (s Selectors) Valid() bool {
	return strings.TrimSpace(s.Row) != "" && strings.TrimSpace(s.Title) != ""
}

// Row is one extracted listing entry.
type Row struct {
	Fields map[string]string
	HTML   string
}

// Rows extracts every row under root. Rows without a title are skipped.
func Rows(root *goquery.Selection, sel Selectors, base *url.URL) []Row {
	if root == nil || !sel.Valid() {
		return nil
	}
	var rows []Row
	root.Find(sel.Row).Each(func(_ int, s *goquery.Selection) {
		fields := map[string]string{}
		set := func(key, selector string) {
			if v := value(s, selector); v != "" {
				fields[key] = v
			}
		}
		set(tender.FieldTitle, sel.Title)
		if fields[tender.FieldTitle] == "" {
			return
		}
		set(tender.FieldRef, sel.Ref)
		set(tender.FieldSummary, sel.Summary)
		set(tender.FieldBuyer, sel.Buyer)
		set(tender.FieldPublished, sel.Published)
		set(tender.FieldDeadline, sel.Deadline)
		set(tender.FieldAmount, sel.Amount)

		link := sel.Link
		if link == "" {
			link = "a[href]@href"
		}
		if href := value(s, link); href != "" {
			fields[tender.FieldURL] = Resolve(base, href)
		}
		if fields[tender.FieldRef] == "" && fields[tender.FieldURL] != "" {
			fields[tender.FieldRef] = fields[tender.FieldURL]
		}

		html, err := goquery.OuterHtml(s)
		if err != nil {
			html = ""
		}
		rows = append(rows, Row{Fields: fields, HTML: html})
	})
	return rows
}

// Resolve makes href absolute against base. It returns href unchanged when
// either side cannot be parsed.
func Resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func value(s *goquery.Selection, selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ""
	}
	css, attr, hasAttr := strings.Cut(selector, "@")
	target := s
	if strings.TrimSpace(css) != "" {
		target = s.Find(strings.TrimSpace(css)).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := target.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return CollapseSpace(target.Text())
}

// CollapseSpace trims s and folds internal whitespace runs to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
