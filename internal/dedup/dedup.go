// Package dedup clusters near-duplicate tenders reported by overlapping
// sources and picks one canonical record per cluster.
//
// Records are blocked by buyer country and ISO week of publication, scored
// pairwise inside a block, and merged transitively with a disjoint set. The
// outcome depends only on the set of records, never on their order.
package dedup

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Config holds the scoring weights and thresholds.
type Config struct {
	Threshold      float64
	TitleWeight    float64
	BuyerWeight    float64
	CategoryWeight float64
	ValueWeight    float64
	// ValueTolerance is the relative difference still treated as equal.
	ValueTolerance float64
	// ValueCutoff is the relative difference at which values stop counting as similar.
	ValueCutoff float64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.75,
		TitleWeight:    0.5,
		BuyerWeight:    0.2,
		CategoryWeight: 0.15,
		ValueWeight:    0.15,
		ValueTolerance: 0.02,
		ValueCutoff:    0.5,
	}
}

// Validate rejects configurations that could merge on anything but the title.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %.2f must be in (0,1]", c.Threshold))
	}
	if c.TitleWeight <= 0 {
		errs = append(errs, errors.New("title weight must be positive"))
	}
	if c.BuyerWeight < 0 || c.CategoryWeight < 0 || c.ValueWeight < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if c.ValueTolerance < 0 || c.ValueCutoff <= c.ValueTolerance {
		errs = append(errs, errors.New("value cutoff must exceed value tolerance"))
	}
	return errors.Join(errs...)
}

// Cluster names a canonical record and the records folded into it.
type Cluster struct {
	Canonical  tender.Key   `json:"canonical"`
	Duplicates []tender.Key `json:"duplicates"`
}

// Result is the deduplicated batch.
type Result struct {
	// Tenders holds every input record, ordered by key, with IsCanonical and
	// DuplicateOf set.
	Tenders []tender.Tender
	// Clusters lists only clusters with more than one member.
	Clusters []Cluster
	// Collapsed counts records marked as duplicates.
	Collapsed int
}

// Deduplicator is stateless apart from its configuration.
type Deduplicator struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Deduplicator.
func New(cfg Config, logger *zap.Logger) (*Deduplicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dedup config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{cfg: cfg, logger: logger}, nil
}

// Run clusters records. The input slice is not modified.
func (d *Deduplicator) Run(records []tender.Tender) Result {
	all := make([]tender.Tender, len(records))
	copy(all, records)
	sort.Slice(all, func(i, j int) bool { return all[i].Key().Less(all[j].Key()) })

	buckets := make(map[string][]int)
	var bucketKeys []string
	for i := range all {
		all[i].IsCanonical = true
		all[i].DuplicateOf = nil
		key, ok := blockKey(all[i])
		if !ok {
			continue
		}
		if _, seen := buckets[key]; !seen {
			bucketKeys = append(bucketKeys, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	var res Result
	for _, bk := range bucketKeys {
		for _, c := range d.clusterBucket(all, buckets[bk]) {
			res.Clusters = append(res.Clusters, c)
			res.Collapsed += len(c.Duplicates)
		}
	}
	sort.Slice(res.Clusters, func(i, j int) bool {
		return res.Clusters[i].Canonical.Less(res.Clusters[j].Canonical)
	})
	res.Tenders = all

	d.logger.Debug("deduplication finished",
		zap.Int("records", len(all)),
		zap.Int("buckets", len(bucketKeys)),
		zap.Int("clusters", len(res.Clusters)),
		zap.Int("collapsed", res.Collapsed),
	)
	return res
}

// clusterBucket merges the bucket members in place and returns clusters of
// two or more records.
func (d *Deduplicator) clusterBucket(all []tender.Tender, idx []int) []Cluster {
	if len(idx) < 2 {
		return nil
	}
	set := newDisjointSet(len(idx))
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			if d.Score(all[idx[i]], all[idx[j]]) >= d.cfg.Threshold {
				set.union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range idx {
		r := set.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], idx[i])
	}

	var clusters []Cluster
	for _, r := range roots {
		members := groups[r]
		if len(members) < 2 {
			continue
		}
		best := members[0]
		for _, m := range members[1:] {
			if preferred(all[m], all[best]) {
				best = m
			}
		}
		c := Cluster{Canonical: all[best].Key()}
		for _, m := range members {
			if m == best {
				continue
			}
			key := all[best].Key()
			all[m].IsCanonical = false
			all[m].DuplicateOf = &key
			c.Duplicates = append(c.Duplicates, all[m].Key())
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// minBuyerSimilarity is the buyer overlap below which two named buyers are
// treated as different organisations whatever the rest of the score says.
const minBuyerSimilarity = 0.3

// Score is the weighted similarity of two records in [0,1]. Components that
// either record lacks are left out and the remaining weights renormalised.
// Keyword-derived categories restate the title and are not scored. Records
// whose named buyers share too little score 0.
func (d *Deduplicator) Score(a, b tender.Tender) float64 {
	title := TitleSimilarity(a.Title, b.Title)
	if title == 0 {
		return 0
	}
	sum := d.cfg.TitleWeight * title
	weight := d.cfg.TitleWeight

	if a.BuyerName != "" && b.BuyerName != "" {
		buyer := TokenSimilarity(a.BuyerName, b.BuyerName)
		if buyer < minBuyerSimilarity {
			return 0
		}
		if d.cfg.BuyerWeight > 0 {
			sum += d.cfg.BuyerWeight * buyer
			weight += d.cfg.BuyerWeight
		}
	}
	if len(a.CategoryCodes) > 0 && len(b.CategoryCodes) > 0 && d.cfg.CategoryWeight > 0 &&
		a.CategoryOrigin != tender.CategoryFromKeyword && b.CategoryOrigin != tender.CategoryFromKeyword {
		sum += d.cfg.CategoryWeight * Jaccard(a.CategoryCodes, b.CategoryCodes)
		weight += d.cfg.CategoryWeight
	}
	if a.ValueAmount != nil && b.ValueAmount != nil && a.Currency == b.Currency && d.cfg.ValueWeight > 0 {
		sum += d.cfg.ValueWeight * ValueCloseness(*a.ValueAmount, *b.ValueAmount, d.cfg.ValueTolerance, d.cfg.ValueCutoff)
		weight += d.cfg.ValueWeight
	}
	return sum / weight
}

// blockKey is country plus ISO week of publication. Synthetic records and
// records without a publication date or country are never blocked.
func blockKey(t tender.Tender) (string, bool) {
	if t.IsSynthetic || t.BuyerCountry == "" || t.PublicationDate == nil {
		return "", false
	}
	year, week := t.PublicationDate.ISOWeek()
	return fmt.Sprintf("%s|%04d-W%02d", t.BuyerCountry, year, week), true
}

// preferred reports whether a should be canonical over b. The order is total
// so the pick is the same for any input order.
func preferred(a, b tender.Tender) bool {
	if a.IsShadow != b.IsShadow {
		return !a.IsShadow
	}
	if pa, pb := a.PopulatedOptional(), b.PopulatedOptional(); pa != pb {
		return pa > pb
	}
	switch {
	case a.PublicationDate != nil && b.PublicationDate != nil:
		if !a.PublicationDate.Equal(*b.PublicationDate) {
			return a.PublicationDate.Before(*b.PublicationDate)
		}
	case a.PublicationDate != nil:
		return true
	case b.PublicationDate != nil:
		return false
	}
	return a.Key().Less(b.Key())
}
