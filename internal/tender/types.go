// Package tender defines the canonical tender record and the collaborator
// interfaces shared by the ingestion pipeline.
package tender

import (
	"strings"
	"time"
)

// SourceID identifies an upstream connector. Values are stable and never reused.
type SourceID string

// Method names the acquisition strategy that produced a batch.
type Method string

// Acquisition methods in the order connectors usually declare them.
const (
	MethodAPI       Method = "api"
	MethodFeed      Method = "feed"
	MethodScrape    Method = "scrape"
	MethodHeadless  Method = "headless"
	MethodSynthetic Method = "synthetic"
)

// CategoryOrigin records where a tender's category codes came from.
type CategoryOrigin string

// Category origins.
const (
	CategoryFromSource  CategoryOrigin = "source"
	CategoryFromKeyword CategoryOrigin = "keyword"
)

// Well-known keys of RawRecord.Fields. Values stay in the source's native format.
const (
	FieldRef       = "ref"
	FieldTitle     = "title"
	FieldSummary   = "summary"
	FieldPublished = "published"
	FieldDeadline  = "deadline"
	FieldBuyer     = "buyer"
	FieldCountry   = "country"
	FieldAmount    = "amount"
	FieldCurrency  = "currency"
	FieldURL       = "url"
)

// RawRecord is one notice as a source returned it, before normalization.
type RawRecord struct {
	SourceID  SourceID          `json:"source_id"`
	Method    Method            `json:"method"`
	Fields    map[string]string `json:"fields"`
	CPVCodes  []string          `json:"cpv_codes,omitempty"`
	Synthetic bool              `json:"synthetic,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
}

// Field returns the trimmed value for key, or "" when absent.
func (r RawRecord) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return strings.TrimSpace(r.Fields[key])
}

// Key is the natural key of a tender. It is the only safe identity.
type Key struct {
	SourceID  SourceID `json:"source_id"`
	SourceRef string   `json:"source_ref"`
}

// String renders the key as "source:ref".
func (k Key) String() string {
	return string(k.SourceID) + ":" + k.SourceRef
}

// Less orders keys by source id, then ref.
func (k Key) Less(other Key) bool {
	if k.SourceID != other.SourceID {
		return k.SourceID < other.SourceID
	}
	return k.SourceRef < other.SourceRef
}

// Tender is the canonical, normalized notice persisted by the pipeline.
type Tender struct {
	SourceID        SourceID       `json:"source_id"`
	SourceRef       string         `json:"source_ref"`
	Title           string         `json:"title"`
	Summary         string         `json:"summary,omitempty"`
	PublicationDate *time.Time     `json:"publication_date,omitempty"`
	DeadlineDate    *time.Time     `json:"deadline_date,omitempty"`
	BuyerName       string         `json:"buyer_name,omitempty"`
	BuyerCountry    string         `json:"buyer_country"`
	ValueAmount     *float64       `json:"value_amount,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	CategoryCodes   []string       `json:"category_codes"`
	CategoryOrigin  CategoryOrigin `json:"category_origin,omitempty"`
	URL             string         `json:"url,omitempty"`
	IsShadow        bool           `json:"is_shadow"`
	IsSynthetic     bool           `json:"is_synthetic"`
	IsCanonical     bool           `json:"is_canonical"`
	DuplicateOf     *Key           `json:"duplicate_of,omitempty"`
	ServedBy        Method         `json:"served_by"`
	RawBlob         []byte         `json:"-"`
	RawHash         string         `json:"raw_hash,omitempty"`
	FetchedAt       time.Time      `json:"fetched_at"`
}

// Key returns the natural key of the tender.
func (t Tender) Key() Key {
	return Key{SourceID: t.SourceID, SourceRef: t.SourceRef}
}

// Visible reports whether the tender may appear in user-facing queries.
func (t Tender) Visible() bool {
	return !t.IsShadow && !t.IsSynthetic && t.IsCanonical
}

// PopulatedOptional counts the optional fields carrying a value.
func (t Tender) PopulatedOptional() int {
	n := 0
	if strings.TrimSpace(t.Summary) != "" {
		n++
	}
	if t.PublicationDate != nil {
		n++
	}
	if t.DeadlineDate != nil {
		n++
	}
	if strings.TrimSpace(t.BuyerName) != "" {
		n++
	}
	if t.ValueAmount != nil {
		n++
	}
	if len(t.CategoryCodes) > 0 {
		n++
	}
	if strings.TrimSpace(t.URL) != "" {
		n++
	}
	return n
}

// UpsertOutcome describes what an upsert did to the stored row.
type UpsertOutcome string

// Upsert outcomes.
const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
)

// Query filters stored tenders. The zero value returns only visible tenders.
type Query struct {
	Country           string
	Category          string
	SourceID          SourceID
	PublishedSince    *time.Time
	PublishedBefore   *time.Time
	IncludeShadow     bool
	IncludeDuplicates bool
	Limit             int
	Offset            int
}

// DefaultQueryLimit caps result sets when the caller does not.
const DefaultQueryLimit = 100

// Matches reports whether t passes every filter of q except paging.
func (q Query) Matches(t Tender) bool {
	if !q.IncludeShadow && (t.IsShadow || t.IsSynthetic) {
		return false
	}
	if !q.IncludeDuplicates && !t.IsCanonical {
		return false
	}
	if q.Country != "" && !strings.EqualFold(q.Country, t.BuyerCountry) {
		return false
	}
	if q.SourceID != "" && q.SourceID != t.SourceID {
		return false
	}
	if q.Category != "" && !hasCode(t.CategoryCodes, q.Category) {
		return false
	}
	if q.PublishedSince != nil && (t.PublicationDate == nil || t.PublicationDate.Before(*q.PublishedSince)) {
		return false
	}
	if q.PublishedBefore != nil && (t.PublicationDate == nil || !t.PublicationDate.Before(*q.PublishedBefore)) {
		return false
	}
	return true
}

// EffectiveLimit returns the page size, applying DefaultQueryLimit.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}
