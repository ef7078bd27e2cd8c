package dedup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func amount(v float64) *float64 { return &v }

func newDedup(t *testing.T) *Deduplicator {
	t.Helper()
	d, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return d
}

func byKey(res Result) map[string]tender.Tender {
	out := make(map[string]tender.Tender, len(res.Tenders))
	for _, t := range res.Tenders {
		out[t.Key().String()] = t
	}
	return out
}

func TestScenarioAPIRecordBeatsScrapeFallback(t *testing.T) {
	t.Parallel()

	api := tender.Tender{
		SourceID: "ted", SourceRef: "123456-2025", ServedBy: tender.MethodAPI,
		Title: "IT services contract", Summary: "Managed IT services",
		BuyerName: "Ministry of Digital Affairs", BuyerCountry: "GR",
		PublicationDate: day(2025, 10, 1), DeadlineDate: day(2025, 11, 30),
		ValueAmount: amount(1500000), Currency: "EUR",
		CategoryCodes: []string{"72000000"}, URL: "https://ted.europa.eu/notice/123456-2025",
	}
	scrape := tender.Tender{
		SourceID: "nationalgr", SourceRef: "GR-88", ServedBy: tender.MethodScrape,
		Title: "IT Services Contract", BuyerName: "Ministry of Digital Affairs", BuyerCountry: "GR",
		PublicationDate: day(2025, 10, 2), DeadlineDate: day(2025, 11, 30),
		CategoryCodes: []string{"72000000"}, URL: "https://portal.example.gr/t/88",
	}

	res := newDedup(t).Run([]tender.Tender{scrape, api})
	require.Equal(t, 1, res.Collapsed)
	require.Len(t, res.Clusters, 1)
	require.Equal(t, api.Key(), res.Clusters[0].Canonical)

	got := byKey(res)
	require.True(t, got[api.Key().String()].IsCanonical)
	require.Nil(t, got[api.Key().String()].DuplicateOf)
	dup := got[scrape.Key().String()]
	require.False(t, dup.IsCanonical)
	require.Equal(t, api.Key(), *dup.DuplicateOf)
	require.False(t, dup.Visible())
}

func TestThresholdProperties(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	a := tender.Tender{
		SourceID: "a", SourceRef: "1", BuyerCountry: "FR", PublicationDate: day(2025, 10, 6),
		Title: "Fourniture de materiel informatique pour les ecoles", ValueAmount: amount(100000), Currency: "EUR",
	}
	similar := a
	similar.SourceID, similar.Title, similar.ValueAmount = "b", "Fourniture de materiel informatique pour les ecole", amount(100900)
	require.GreaterOrEqual(t, TitleSimilarity(a.Title, similar.Title), 0.95)
	require.GreaterOrEqual(t, d.Score(a, similar), d.cfg.Threshold)

	unrelated := a
	unrelated.SourceID, unrelated.Title, unrelated.ValueAmount = "c", "Road resurfacing works lot 4", amount(150000)
	require.Less(t, d.Score(a, unrelated), d.cfg.Threshold)

	res := d.Run([]tender.Tender{a, similar, unrelated})
	require.Equal(t, 1, res.Collapsed)
	require.True(t, byKey(res)[unrelated.Key().String()].IsCanonical)
}

func TestTransitiveMerging(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	threshold := d.cfg.Threshold

	base := tender.Tender{BuyerCountry: "DE", PublicationDate: day(2025, 10, 7)}
	x, y, z := base, base, base
	x.SourceID, x.SourceRef, x.Title = "s", "x", "alpha beta gamma delta epsilon"
	y.SourceID, y.SourceRef, y.Title = "s", "y", "alpha beta gamma delta zeta"
	z.SourceID, z.SourceRef, z.Title = "s", "z", "alpha beta gamma eta zeta"

	require.Less(t, d.Score(x, z), threshold)
	require.GreaterOrEqual(t, d.Score(x, y), threshold)
	require.GreaterOrEqual(t, d.Score(y, z), threshold)

	res := d.Run([]tender.Tender{z, x, y})
	require.Len(t, res.Clusters, 1)
	require.Equal(t, 2, res.Collapsed)
}

func TestCanonicalPickIsOrderIndependent(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	mk := func(src, ref string, pub *time.Time, buyer string) tender.Tender {
		return tender.Tender{
			SourceID: tender.SourceID(src), SourceRef: ref, BuyerCountry: "ES",
			Title: "Servicio de limpieza de edificios municipales", BuyerName: buyer, PublicationDate: pub,
		}
	}
	cluster := []tender.Tender{
		mk("place", "P-2", day(2025, 10, 8), "Ayuntamiento de Madrid"),
		mk("ted", "T-1", day(2025, 10, 7), "Ayuntamiento de Madrid"),
		mk("boamp", "B-9", day(2025, 10, 7), "Ayuntamiento de Madrid"),
		mk("ted", "T-0", day(2025, 10, 7), "Ayuntamiento de Madrid"),
	}

	want := d.Run(cluster).Clusters
	require.Len(t, want, 1)
	require.Equal(t, tender.Key{SourceID: "boamp", SourceRef: "B-9"}, want[0].Canonical)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]tender.Tender(nil), cluster...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, want, d.Run(shuffled).Clusters)
	}
}

func TestVisibleRecordPreferredOverShadow(t *testing.T) {
	t.Parallel()

	rich := tender.Tender{
		SourceID: "evergabe", SourceRef: "E1", IsShadow: true, BuyerCountry: "DE",
		Title: "Reinigung Rathaus", Summary: "Unterhaltsreinigung", BuyerName: "Stadt Köln",
		PublicationDate: day(2025, 10, 6), ValueAmount: amount(10), Currency: "EUR",
	}
	plain := tender.Tender{
		SourceID: "ted", SourceRef: "T1", BuyerCountry: "DE", Title: "Reinigung Rathaus",
		PublicationDate: day(2025, 10, 6),
	}
	res := newDedup(t).Run([]tender.Tender{rich, plain})
	require.Equal(t, plain.Key(), res.Clusters[0].Canonical)
}

func TestPassThroughCases(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	title := "Supply of vaccines"
	records := []tender.Tender{
		{SourceID: "a", SourceRef: "1", BuyerCountry: "IE", Title: title},
		{SourceID: "b", SourceRef: "1", BuyerCountry: "IE", Title: title},
		{SourceID: "c", SourceRef: "1", BuyerCountry: "IE", Title: title, PublicationDate: day(2025, 10, 6), IsSynthetic: true},
		{SourceID: "d", SourceRef: "1", BuyerCountry: "IE", Title: title, PublicationDate: day(2025, 10, 6), IsSynthetic: true},
		{SourceID: "e", SourceRef: "1", BuyerCountry: "IE", PublicationDate: day(2025, 10, 6)},
		{SourceID: "f", SourceRef: "1", BuyerCountry: "IE", PublicationDate: day(2025, 10, 6)},
		{SourceID: "g", SourceRef: "1", BuyerCountry: "IE", Title: title, PublicationDate: day(2025, 10, 5)},
		{SourceID: "h", SourceRef: "1", BuyerCountry: "IE", Title: title, PublicationDate: day(2025, 10, 6)},
	}
	res := d.Run(records)
	// 2025-10-05 is a Sunday (week 40), 2025-10-06 a Monday (week 41)
	require.Zero(t, res.Collapsed)
	for _, tn := range res.Tenders {
		require.True(t, tn.IsCanonical, tn.Key().String())
	}
}

func TestScoreRenormalisesMissingComponents(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	a := tender.Tender{Title: "Cleaning services", BuyerName: "City of Cork"}
	b := tender.Tender{Title: "Cleaning services"}
	require.InDelta(t, 1.0, d.Score(a, b), 1e-9)

	// {city, of, cork} against {cork, city, council}: Dice 4/6
	b.BuyerName = "Cork City Council"
	want := (0.5 + 0.2*4.0/6.0) / 0.7
	require.InDelta(t, want, d.Score(a, b), 1e-9)

	a.ValueAmount, a.Currency = amount(100), "EUR"
	b.ValueAmount, b.Currency = amount(100), "GBP"
	require.InDelta(t, want, d.Score(a, b), 1e-9)
}

func TestUnrelatedBuyersNeverMerge(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	lyon := tender.Tender{
		SourceID: "boamp", SourceRef: "25-100", BuyerCountry: "FR", PublicationDate: day(2025, 10, 6),
		Title: "Office cleaning services", BuyerName: "Ville de Lyon",
		CategoryCodes: []string{"90910000"}, CategoryOrigin: tender.CategoryFromKeyword,
	}
	bretagne := lyon
	bretagne.SourceID, bretagne.SourceRef = "ted", "654321-2025"
	bretagne.BuyerName, bretagne.PublicationDate = "Region Bretagne", day(2025, 10, 8)

	require.Less(t, d.Score(lyon, bretagne), d.cfg.Threshold)
	res := d.Run([]tender.Tender{lyon, bretagne})
	require.Zero(t, res.Collapsed)
	require.Empty(t, res.Clusters)
	for _, tn := range res.Tenders {
		require.True(t, tn.IsCanonical, tn.Key().String())
	}

	// a buyer named on one side only leaves the title to decide
	bretagne.BuyerName = ""
	require.Equal(t, 1, d.Run([]tender.Tender{lyon, bretagne}).Collapsed)
}

func TestKeywordCategoriesAreNotScored(t *testing.T) {
	t.Parallel()

	d := newDedup(t)
	a := tender.Tender{Title: "Cleaning services", CategoryCodes: []string{"90910000"}, CategoryOrigin: tender.CategoryFromSource}
	b := tender.Tender{Title: "Cleaning services", CategoryCodes: []string{"90911200"}, CategoryOrigin: tender.CategoryFromSource}
	require.InDelta(t, 0.5/0.65, d.Score(a, b), 1e-9)

	b.CategoryOrigin = tender.CategoryFromKeyword
	require.InDelta(t, 1.0, d.Score(a, b), 1e-9)
	a.CategoryOrigin, b.CategoryCodes = tender.CategoryFromKeyword, []string{"90910000"}
	require.InDelta(t, 1.0, d.Score(a, b), 1e-9)
}

func TestSimilarityHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, TitleSimilarity("", "anything"))
	require.Equal(t, 1.0, TitleSimilarity("Réseau d'eau", "reseau d eau"))
	require.InDelta(t, 1.0/3.0, Jaccard([]string{"1", "2"}, []string{"2", "3"}), 1e-9)
	require.Equal(t, 1.0, ValueCloseness(100, 101.5, 0.02, 0.5))
	require.Equal(t, 0.0, ValueCloseness(100, 50, 0.02, 0.5))
	require.InDelta(t, 0.5, ValueCloseness(100, 74, 0.02, 0.5), 1e-9)
	require.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.Threshold = 0
	bad.TitleWeight = 0
	bad.ValueCutoff = 0.01
	err := bad.Validate()
	require.ErrorContains(t, err, "threshold")
	require.ErrorContains(t, err, "title weight")
	require.ErrorContains(t, err, "cutoff")
	_, err = New(bad, nil)
	require.Error(t, err)
}
