package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// SyntheticTitlePrefix labels every placeholder title.
const SyntheticTitlePrefix = "[PLACEHOLDER] "

// SyntheticMethod is the last-resort generator for sources without a stable
// target. Output is seeded by (source, UTC day) so refs and content are stable
// across re-runs on the same day, and every record carries the synthetic marker.
type SyntheticMethod struct {
	Source   tender.SourceID
	Country  string
	Currency string
	Max      int
	Now      func() time.Time
}

// Name implements Method.
func (m *SyntheticMethod) Name() tender.Method { return tender.MethodSynthetic }

// Fetch implements Method.
func (m *SyntheticMethod) Fetch(ctx context.Context, req Request) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	day := now().UTC().Truncate(24 * time.Hour)
	n := m.Max
	if n <= 0 {
		n = 10
	}
	if req.Limit > 0 && req.Limit < n {
		n = req.Limit
	}

	faker := gofakeit.New(seedFor(m.Source, day))
	stamp := day.Format("20060102")
	records := make([]tender.RawRecord, 0, n)
	for i := 1; i <= n; i++ {
		published := day.AddDate(0, 0, -faker.Number(0, 6))
		deadline := day.AddDate(0, 0, faker.Number(14, 60))
		fields := map[string]string{
			tender.FieldRef:       fmt.Sprintf("SYNTH-%s-%s-%03d", m.Source, stamp, i),
			tender.FieldTitle:     SyntheticTitlePrefix + faker.BuzzWord() + " " + faker.JobDescriptor() + " services",
			tender.FieldSummary:   faker.Sentence(12),
			tender.FieldBuyer:     faker.Company(),
			tender.FieldPublished: published.Format("2006-01-02"),
			tender.FieldDeadline:  deadline.Format("2006-01-02"),
			tender.FieldAmount:    strconv.Itoa(faker.Number(10, 2000) * 1000),
		}
		if m.Country != "" {
			fields[tender.FieldCountry] = m.Country
		}
		if m.Currency != "" {
			fields[tender.FieldCurrency] = m.Currency
		}
		records = append(records, tender.RawRecord{Fields: fields, Synthetic: true})
	}
	return Batch{Records: records}, nil
}

func seedFor(source tender.SourceID, day time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte(day.Format("2006-01-02")))
	return int64(h.Sum64() >> 1)
}
