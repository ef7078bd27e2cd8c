package normalize

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/extract"
	"github.com/JakeFAU/eu-tender-ingest/internal/hash/sha256"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Normalizer converts raw records using per-source profiles. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	profiles map[tender.SourceID]Profile
	hasher   *sha256.Hasher
	logger   *zap.Logger
}

// New builds a Normalizer.
func New(profiles map[tender.SourceID]Profile, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		profiles: profiles,
		hasher:   sha256.New(),
		logger:   logger,
	}
}

// Normalize maps one raw record. Only required fields (ref, country) produce
// an *Error; unusable optional fields are dropped and logged.
func (n *Normalizer) Normalize(raw tender.RawRecord, fetchedAt time.Time) (tender.Tender, error) {
	profile := n.profiles[raw.SourceID]
	log := n.logger.With(zap.String("source", string(raw.SourceID)), zap.String("ref", raw.Field(tender.FieldRef)))

	ref := raw.Field(tender.FieldRef)
	if ref == "" {
		return tender.Tender{}, &Error{Field: tender.FieldRef, Reason: "source reference is empty"}
	}

	countryRaw := raw.Field(tender.FieldCountry)
	if countryRaw == "" {
		countryRaw = profile.DefaultCountry
	}
	country, ok := ParseCountry(countryRaw)
	if !ok {
		return tender.Tender{}, &Error{Field: tender.FieldCountry, Reason: "not an ISO 3166-1 country: " + strconv.Quote(countryRaw)}
	}

	t := tender.Tender{
		SourceID:     raw.SourceID,
		SourceRef:    ref,
		Title:        cleanText(raw.Field(tender.FieldTitle)),
		Summary:      cleanText(raw.Field(tender.FieldSummary)),
		BuyerName:    cleanText(raw.Field(tender.FieldBuyer)),
		BuyerCountry: country,
		IsSynthetic:  raw.Synthetic,
		ServedBy:     raw.Method,
		RawBlob:      raw.Payload,
		FetchedAt:    fetchedAt.UTC(),
	}
	if len(raw.CPVCodes) > 0 {
		t.CategoryCodes = append([]string(nil), raw.CPVCodes...)
		t.CategoryOrigin = tender.CategoryFromSource
	}

	t.PublicationDate = n.date(log, tender.FieldPublished, raw.Field(tender.FieldPublished), profile)
	t.DeadlineDate = n.date(log, tender.FieldDeadline, raw.Field(tender.FieldDeadline), profile)
	t.ValueAmount, t.Currency = n.money(log, raw, profile)
	t.URL = n.link(log, raw.Field(tender.FieldURL), profile)

	if len(raw.Payload) > 0 {
		t.RawHash, _ = n.hasher.Hash(raw.Payload)
	} else {
		t.RawHash = n.hasher.HashFields(raw.Fields)
	}
	return t, nil
}

func (n *Normalizer) date(log *zap.Logger, field, value string, profile Profile) *time.Time {
	if value == "" {
		return nil
	}
	d, err := ParseDate(value, profile.DateLayouts)
	if err != nil {
		log.Warn("dropping unparseable date", zap.String("field", field), zap.Error(err))
		return nil
	}
	return &d
}

func (n *Normalizer) money(log *zap.Logger, raw tender.RawRecord, profile Profile) (*float64, string) {
	amountRaw := raw.Field(tender.FieldAmount)
	if amountRaw == "" {
		return nil, ""
	}
	amount, err := ParseAmount(amountRaw, profile.DecimalSeparator)
	if err != nil {
		log.Warn("dropping unparseable amount", zap.Error(err))
		return nil, ""
	}

	code, ok := ParseCurrency(raw.Field(tender.FieldCurrency))
	if !ok {
		code, ok = detectCurrency(amountRaw)
	}
	if !ok {
		code, ok = ParseCurrency(profile.DefaultCurrency)
	}
	if !ok {
		log.Warn("dropping amount without currency", zap.String("amount", amountRaw))
		return nil, ""
	}
	return &amount, code
}

func (n *Normalizer) link(log *zap.Logger, value string, profile Profile) string {
	if value == "" {
		return ""
	}
	var base *url.URL
	if profile.URLBase != "" {
		base, _ = url.Parse(profile.URLBase)
	}
	resolved := extract.Resolve(base, value)
	u, err := url.Parse(resolved)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		log.Warn("dropping non-absolute notice url", zap.String("url", value))
		return ""
	}
	return u.String()
}

// cleanText strips markup that feeds embed in descriptions and folds whitespace.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return extract.CollapseSpace(s)
}
