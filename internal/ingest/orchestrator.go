// Package ingest runs one ingestion pass: fetch every enabled source in
// parallel, normalise, classify, deduplicate and upsert, and report a summary.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/dedup"
	"github.com/JakeFAU/eu-tender-ingest/internal/metrics"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/registry"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/telemetry"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// SummaryTopic is the default topic run summaries are published to.
const SummaryTopic = "ingest.run.completed"

// neighbourLimit caps stored tenders loaded per dedup block.
const neighbourLimit = 5000

// Config controls Orchestrator behaviour.
type Config struct {
	MaxConcurrentFetches int
	// RunTimeout bounds the fetching stage only.
	RunTimeout time.Duration
	// PersistTimeout bounds the persisting stage, which ignores caller cancellation.
	PersistTimeout time.Duration
	DefaultLimit   int
	SourceLimits   map[tender.SourceID]int
	// SinceDays sets the default publication window; 0 fetches without one.
	SinceDays     int
	ArchivePrefix string
	SummaryTopic  string
}

// Sources lists the connectors a run invokes.
type Sources interface {
	Entries() []registry.Entry
}

// Normalizer maps raw records to tenders.
type Normalizer interface {
	Normalize(raw tender.RawRecord, fetchedAt time.Time) (tender.Tender, error)
}

// Classifier assigns category codes.
type Classifier interface {
	Classify(t tender.Tender) tender.Tender
}

// Deduplicator clusters a batch.
type Deduplicator interface {
	Run(records []tender.Tender) dedup.Result
}

// Orchestrator owns the collaborators of a run. It keeps no state between
// runs; the store is the only shared mutable resource.
type Orchestrator struct {
	cfg        Config
	sources    Sources
	normalizer Normalizer
	classifier Classifier
	dedup      Deduplicator
	store      tender.Store
	blobs      tender.BlobStore
	publisher  tender.Publisher
	clock      tender.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Deps bundles the orchestrator's collaborators. Blobs and Publisher are optional.
type Deps struct {
	Sources    Sources
	Normalizer Normalizer
	Classifier Classifier
	Dedup      Deduplicator
	Store      tender.Store
	Blobs      tender.BlobStore
	Publisher  tender.Publisher
	Clock      tender.Clock
	Logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Sources == nil || deps.Normalizer == nil || deps.Classifier == nil || deps.Dedup == nil || deps.Store == nil || deps.Clock == nil {
		return nil, errors.New("orchestrator requires sources, normalizer, classifier, dedup, store and clock")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Minute
	}
	if cfg.SummaryTopic == "" {
		cfg.SummaryTopic = SummaryTopic
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		sources:    deps.Sources,
		normalizer: deps.Normalizer,
		classifier: deps.Classifier,
		dedup:      deps.Dedup,
		store:      deps.Store,
		blobs:      deps.Blobs,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		logger:     logger,
		tracer:     telemetry.Tracer(),
	}, nil
}

// RunOptions parameterise one run.
type RunOptions struct {
	RunID   string
	Trigger Trigger
	// Limits override per-source fetch limits for this run.
	Limits map[tender.SourceID]int
	// Since overrides the default publication window.
	Since *time.Time
	// OnStage is called as the run enters each stage.
	OnStage func(Stage)
}

// fetched is one connector's batch after fetching.
type fetched struct {
	entry     registry.Entry
	result    source.Result
	fetchedAt time.Time
}

// Run executes a full pass. It always returns a summary; upstream,
// normalisation and storage failures are recorded in it, never returned.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) Summary {
	started := o.clock.Now().UTC()
	sum := Summary{RunID: opts.RunID, Trigger: opts.Trigger, Status: StatusRunning, StartedAt: started}
	log := o.logger.With(zap.String("run_id", opts.RunID), zap.String("trigger", string(opts.Trigger)))
	ctx, span := o.tracer.Start(ctx, "ingest.run", trace.WithAttributes(attribute.String("run.id", opts.RunID)))
	defer span.End()

	enter := func(s Stage) {
		sum.Stage = s
		log.Info("run stage", zap.String("stage", string(s)))
		if opts.OnStage != nil {
			opts.OnStage(s)
		}
	}

	enter(StageFetching)
	batches, timedOut := o.fetchAll(ctx, opts, log)
	sum.FetchTimedOut = timedOut

	enter(StageNormalizing)
	records := o.normalizeAll(ctx, batches, &sum, log)
	o.archiveAll(ctx, opts.RunID, batches, &sum, log)

	enter(StageClassifying)
	_, classifySpan := o.tracer.Start(ctx, "ingest.classify")
	for i := range records {
		records[i] = o.classifier.Classify(records[i])
	}
	classifySpan.End()

	enter(StageDeduplicating)
	batchKeys := make(map[tender.Key]bool, len(records))
	for _, r := range records {
		batchKeys[r.Key()] = true
	}
	neighbours := o.loadNeighbours(ctx, records, batchKeys, log)
	_, dedupSpan := o.tracer.Start(ctx, "ingest.dedup")
	result := o.dedup.Run(append(records, neighbours...))
	dedupSpan.End()
	sum.Records = len(records)

	var toWrite []tender.Tender
	relink := relinks(neighbours, result.Tenders, batchKeys)
	collapsed := 0
	for _, t := range result.Tenders {
		if !batchKeys[t.Key()] {
			continue
		}
		if !t.IsCanonical {
			collapsed++
		}
		toWrite = append(toWrite, t)
	}
	sum.Duplicates = collapsed
	metrics.ObserveDuplicatesCollapsed(collapsed)

	enter(StagePersisting)
	o.persist(ctx, toWrite, relink, &sum, log)

	enter(StageCompleted)
	finished := o.clock.Now().UTC()
	sum.FinishedAt = &finished
	sum.Status = StatusCompleted
	if sum.FetchTimedOut || sum.StorageError != "" || len(sum.FailedSources()) > 0 || ctx.Err() != nil {
		sum.Status = StatusPartial
	}
	span.SetAttributes(attribute.String("run.status", string(sum.Status)))
	if sum.Status == StatusPartial {
		span.SetStatus(codes.Error, "partial run")
	}
	metrics.ObserveRun(string(sum.Status), finished.Sub(started))

	log.Info("run finished",
		zap.String("status", string(sum.Status)),
		zap.Int("records", sum.Records),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("unwritten", sum.Unwritten),
		zap.Any("failed_sources", sum.FailedSources()),
	)
	o.publishSummary(ctx, sum, log)
	return sum
}

func (o *Orchestrator) fetchAll(ctx context.Context, opts RunOptions, log *zap.Logger) ([]fetched, bool) {
	ctx, span := o.tracer.Start(ctx, "ingest.fetch")
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	since := opts.Since
	if since == nil && o.cfg.SinceDays > 0 {
		s := o.clock.Now().UTC().AddDate(0, 0, -o.cfg.SinceDays).Truncate(24 * time.Hour)
		since = &s
	}

	entries := o.sources.Entries()
	jobs := make([]fetchJob, len(entries))
	for i, e := range entries {
		jobs[i] = fetchJob{index: i, entry: e, limit: o.limitFor(e.ID(), opts.Limits)}
	}

	results := newFetchPool(o.cfg.MaxConcurrentFetches).Run(fetchCtx, jobs, func(ctx context.Context, job fetchJob) source.Result {
		res := job.entry.Connector.Fetch(ctx, job.limit, since)
		metrics.ObserveFetch(string(job.entry.ID()), string(res.ServedBy), len(res.Records), len(res.Attempts), res.Failed())
		if res.Failed() {
			log.Warn("source failed", zap.String("source", string(job.entry.ID())), zap.Error(res.Err))
		}
		return res
	})

	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		log.Warn("run deadline reached while fetching", zap.Duration("run_timeout", o.cfg.RunTimeout))
	}

	now := o.clock.Now().UTC()
	out := make([]fetched, len(entries))
	for i, e := range entries {
		out[i] = fetched{entry: e, result: results[i], fetchedAt: now}
	}
	return out, timedOut
}

func (o *Orchestrator) limitFor(id tender.SourceID, overrides map[tender.SourceID]int) int {
	if n, ok := overrides[id]; ok && n > 0 {
		return n
	}
	if n, ok := o.cfg.SourceLimits[id]; ok && n > 0 {
		return n
	}
	return o.cfg.DefaultLimit
}

// normalizeAll maps every raw record, marks shadow output and drops repeated
// keys, keeping the first occurrence.
func (o *Orchestrator) normalizeAll(ctx context.Context, batches []fetched, sum *Summary, log *zap.Logger) []tender.Tender {
	_, span := o.tracer.Start(ctx, "ingest.normalize")
	defer span.End()

	var out []tender.Tender
	seen := map[tender.Key]bool{}
	for _, b := range batches {
		id := b.entry.ID()
		ss := SourceSummary{
			SourceID: id,
			Shadow:   b.entry.Shadow,
			ServedBy: b.result.ServedBy,
			Fetched:  len(b.result.Records),
			Attempts: summarizeAttempts(b.result.Attempts),
		}
		if b.result.Err != nil {
			ss.Error = b.result.Err.Error()
		}
		for _, raw := range b.result.Records {
			t, err := o.normalizer.Normalize(raw, b.fetchedAt)
			if err != nil {
				ss.Dropped++
				field := "unknown"
				var nerr *normalize.Error
				if errors.As(err, &nerr) {
					field = nerr.Field
				}
				metrics.ObserveNormalizationDrop(string(id), field)
				log.Warn("record dropped", zap.String("source", string(id)), zap.Error(err))
				continue
			}
			t.IsShadow = b.entry.Shadow || t.IsSynthetic
			if seen[t.Key()] {
				sum.Repeated++
				continue
			}
			seen[t.Key()] = true
			ss.Normalized++
			out = append(out, t)
		}
		sum.Sources = append(sum.Sources, ss)
	}
	return out
}

type archivedRecord struct {
	Method   tender.Method     `json:"method"`
	Fields   map[string]string `json:"fields"`
	CPVCodes []string          `json:"cpv_codes,omitempty"`
	Payload  string            `json:"payload,omitempty"`
}

type archivedBatch struct {
	RunID     string           `json:"run_id"`
	SourceID  tender.SourceID  `json:"source_id"`
	ServedBy  tender.Method    `json:"served_by"`
	FetchedAt time.Time        `json:"fetched_at"`
	Records   []archivedRecord `json:"records"`
}

// archiveAll writes each non-empty raw batch to the blob store. Failures are
// logged; the raw snapshot also travels with every stored tender.
func (o *Orchestrator) archiveAll(ctx context.Context, runID string, batches []fetched, sum *Summary, log *zap.Logger) {
	if o.blobs == nil {
		return
	}
	for i, b := range batches {
		if len(b.result.Records) == 0 {
			continue
		}
		ab := archivedBatch{RunID: runID, SourceID: b.entry.ID(), ServedBy: b.result.ServedBy, FetchedAt: b.fetchedAt}
		for _, r := range b.result.Records {
			ab.Records = append(ab.Records, archivedRecord{Method: r.Method, Fields: r.Fields, CPVCodes: r.CPVCodes, Payload: string(r.Payload)})
		}
		body, err := json.Marshal(ab)
		if err != nil {
			log.Warn("encode raw batch", zap.String("source", string(b.entry.ID())), zap.Error(err))
			continue
		}
		uri, err := o.blobs.PutObject(ctx, o.archivePath(runID, b.entry.ID(), b.fetchedAt), "application/json", bytes.NewReader(body))
		if err != nil {
			log.Warn("archive raw batch", zap.String("source", string(b.entry.ID())), zap.Error(err))
			continue
		}
		if i < len(sum.Sources) {
			sum.Sources[i].ArchiveURI = uri
		}
	}
}

func (o *Orchestrator) archivePath(runID string, id tender.SourceID, at time.Time) string {
	name := fmt.Sprintf("%s/%s/%s.json", at.Format("2006-01-02"), runID, id)
	prefix := strings.Trim(o.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// loadNeighbours reads stored tenders that share a dedup block with the
// batch, so clusters span runs and earlier canonical picks stay stable.
func (o *Orchestrator) loadNeighbours(ctx context.Context, records []tender.Tender, batchKeys map[tender.Key]bool, log *zap.Logger) []tender.Tender {
	type block struct {
		country string
		start   time.Time
	}
	blocks := map[block]bool{}
	var order []block
	for _, r := range records {
		if r.IsSynthetic || r.PublicationDate == nil {
			continue
		}
		b := block{country: r.BuyerCountry, start: weekStart(*r.PublicationDate)}
		if !blocks[b] {
			blocks[b] = true
			order = append(order, b)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].country != order[j].country {
			return order[i].country < order[j].country
		}
		return order[i].start.Before(order[j].start)
	})

	var out []tender.Tender
	for _, b := range order {
		since, before := b.start, b.start.AddDate(0, 0, 7)
		stored, err := o.store.Query(ctx, tender.Query{
			Country:           b.country,
			PublishedSince:    &since,
			PublishedBefore:   &before,
			IncludeShadow:     true,
			IncludeDuplicates: true,
			Limit:             neighbourLimit,
		})
		if err != nil {
			log.Warn("load stored neighbours", zap.String("country", b.country), zap.Time("week", b.start), zap.Error(err))
			continue
		}
		for _, t := range stored {
			if !batchKeys[t.Key()] && !t.IsSynthetic {
				out = append(out, t)
			}
		}
	}
	return out
}

// weekStart returns the Monday of the ISO week containing d.
func weekStart(d time.Time) time.Time {
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

type relink struct {
	key         tender.Key
	duplicateOf *tender.Key
}

// relinks lists stored neighbours whose cluster flags changed.
func relinks(before, after []tender.Tender, batchKeys map[tender.Key]bool) []relink {
	prev := make(map[tender.Key]tender.Tender, len(before))
	for _, t := range before {
		prev[t.Key()] = t
	}
	var out []relink
	for _, t := range after {
		if batchKeys[t.Key()] {
			continue
		}
		old, ok := prev[t.Key()]
		if !ok || sameLink(old, t) {
			continue
		}
		out = append(out, relink{key: t.Key(), duplicateOf: t.DuplicateOf})
	}
	return out
}

func sameLink(a, b tender.Tender) bool {
	if a.IsCanonical != b.IsCanonical {
		return false
	}
	if a.DuplicateOf == nil || b.DuplicateOf == nil {
		return a.DuplicateOf == nil && b.DuplicateOf == nil
	}
	return *a.DuplicateOf == *b.DuplicateOf
}

// persist upserts records one at a time. The first storage error stops the
// stage; everything not yet written is reported as unwritten.
func (o *Orchestrator) persist(ctx context.Context, records []tender.Tender, links []relink, sum *Summary, log *zap.Logger) {
	ctx, span := o.tracer.Start(context.WithoutCancel(ctx), "ingest.persist")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()

	for i, t := range records {
		outcome, err := o.store.Upsert(ctx, t)
		if err != nil {
			sum.Unwritten = len(records) - i + len(links)
			sum.StorageError = err.Error()
			span.RecordError(err)
			log.Error("upsert failed; stopping persistence", zap.String("key", t.Key().String()), zap.Int("unwritten", sum.Unwritten), zap.Error(err))
			return
		}
		metrics.ObserveUpsert(string(outcome))
		switch outcome {
		case tender.UpsertCreated:
			sum.Created++
		case tender.UpsertUpdated:
			sum.Updated++
		}
	}
	for i, l := range links {
		if err := o.store.SetCanonical(ctx, l.key, l.duplicateOf); err != nil {
			sum.Unwritten = len(links) - i
			sum.StorageError = err.Error()
			span.RecordError(err)
			log.Error("relink failed; stopping persistence", zap.String("key", l.key.String()), zap.Error(err))
			return
		}
		sum.Relinked++
	}
}

func (o *Orchestrator) publishSummary(ctx context.Context, sum Summary, log *zap.Logger) {
	if o.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	id, err := o.publisher.Publish(ctx, o.cfg.SummaryTopic, sum)
	if err != nil {
		log.Warn("publish run summary", zap.Error(err))
		return
	}
	log.Debug("run summary published", zap.String("message_id", id))
}
