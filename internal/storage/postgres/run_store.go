package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
)

// RunStore persists run summaries as JSONB so status survives restarts.
type RunStore struct {
	pool  pool
	table string
}

// Save upserts the latest state of a run.
func (s *RunStore) Save(ctx context.Context, sum ingest.Summary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, status, started_at, finished_at, summary)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	summary = EXCLUDED.summary`, s.table)
	if _, err := s.pool.Exec(ctx, query, sum.RunID, string(sum.Status), sum.StartedAt, sum.FinishedAt, body); err != nil {
		return fmt.Errorf("save run %s: %w", sum.RunID, err)
	}
	return nil
}

// Get loads a run summary.
func (s *RunStore) Get(ctx context.Context, runID string) (ingest.Summary, error) {
	query := fmt.Sprintf(`SELECT summary FROM %s WHERE run_id = $1`, s.table)
	var body []byte
	err := s.pool.QueryRow(ctx, query, runID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Summary{}, ingest.ErrRunNotFound
	}
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	var sum ingest.Summary
	if err := json.Unmarshal(body, &sum); err != nil {
		return ingest.Summary{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return sum, nil
}
