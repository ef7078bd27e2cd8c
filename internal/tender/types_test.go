package tender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTenderPopulatedOptional(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	value := 1500000.0
	full := Tender{
		Summary:         "IT services",
		PublicationDate: &day,
		DeadlineDate:    &day,
		BuyerName:       "Ministry of Digital Affairs",
		ValueAmount:     &value,
		CategoryCodes:   []string{"72000000"},
		URL:             "https://example.eu/notice/1",
	}
	require.Equal(t, 7, full.PopulatedOptional())
	require.Equal(t, 0, Tender{Summary: "   "}.PopulatedOptional())
}

func TestTenderVisible(t *testing.T) {
	t.Parallel()

	require.True(t, Tender{IsCanonical: true}.Visible())
	require.False(t, Tender{IsCanonical: false}.Visible())
	require.False(t, Tender{IsCanonical: true, IsShadow: true}.Visible())
	require.False(t, Tender{IsCanonical: true, IsSynthetic: true}.Visible())
}

func TestKeyOrdering(t *testing.T) {
	t.Parallel()

	a := Key{SourceID: "boamp", SourceRef: "z"}
	b := Key{SourceID: "ted", SourceRef: "a"}
	c := Key{SourceID: "ted", SourceRef: "b"}
	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.False(t, c.Less(b))
	require.Equal(t, "ted:a", b.String())
}

func TestRawRecordField(t *testing.T) {
	t.Parallel()

	var empty RawRecord
	require.Equal(t, "", empty.Field(FieldTitle))
	rec := RawRecord{Fields: map[string]string{FieldTitle: "  Road works \n"}}
	require.Equal(t, "Road works", rec.Field(FieldTitle))
}
