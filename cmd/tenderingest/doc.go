// Package main hosts the tender ingestion service entrypoint.
//
// Architecture overview:
//   - Sources: internal/registry builds one connector per enabled source from the catalogue in internal/connectors.
//     Each connector owns an ordered chain of acquisition methods (api, feed, scrape, headless, synthetic) and falls
//     back to the next method when one fails or times out. Unknown source ids abort startup before any connection
//     is opened.
//   - Run pipeline: internal/ingest fetches all sources concurrently under a run deadline, normalises raw records
//     into the canonical tender shape, archives raw batches, assigns CPV categories, clusters duplicates across
//     sources and upserts the batch keyed by (source_id, source_ref). Re-running over the same window converges to
//     the same rows.
//   - Triggers: POST /v1/runs starts an asynchronous run, an optional cron schedule (ingest.schedule) fires runs in
//     process, and -once runs a single ingestion in the foreground and exits. Only one run executes at a time.
//   - Persistence & fanout: tenders and run summaries live in memory or Postgres; raw batches go to memory, a local
//     directory or GCS; each finished run publishes its summary to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env (TENDERS_ prefix) and files; zap provides structured
//     logging; Prometheus metrics are exported on /metrics; each run stage is traced with OpenTelemetry.
//
// Operational notes:
//   - Upstream politeness: every source has its own token bucket (sources.<id>.rps/burst) that outlives single
//     runs. Headless rendering is off by default and bounded by headless.max_parallel.
//   - Shadow sources (ingest.shadow_sources) are fetched and stored but hidden from default queries. Synthetic
//     placeholders are disabled unless ingest.synthetic_enabled is set and are always stored as shadow records.
//   - Shutdown: SIGINT/SIGTERM stops the HTTP server, cancels the active run and waits for its summary to be
//     recorded. Records that were already fetched are still persisted within the persist timeout.
//
// Quick checklist:
//   - Run once locally: go run ./cmd/tenderingest -once
//   - Serve the API with a schedule: TENDERS_INGEST_SCHEDULE="0 */6 * * *" go run ./cmd/tenderingest -config config.yaml
//   - Persist to Postgres: TENDERS_STORAGE_DRIVER=postgres TENDERS_STORAGE_DSN=postgres://...
package main
