// Package api hosts the operator HTTP surface of the ingestion service:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a run, GET /v1/runs/{run_id} for its summary.
//   - GET /v1/tenders and /v1/tenders/{source_id}/{source_ref} to read stored
//     tenders. Only visible tenders are listed unless include= opts in.
package api
