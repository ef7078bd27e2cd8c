// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for tender rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// AutoMigrate applies the embedded schema when the store opens.
	AutoMigrate bool
}

// pool is the subset of *pgxpool.Pool the stores use; pgxmock implements it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const tenderColumns = `source_id, source_ref, title, summary, publication_date, deadline_date,
	buyer_name, buyer_country, value_amount, currency, category_codes, category_origin,
	url, is_shadow, is_synthetic, is_canonical, duplicate_of_source_id, duplicate_of_source_ref,
	served_by, raw_blob, raw_hash, fetched_at`

// TenderStore implements tender.Store on a single table keyed by
// (source_id, source_ref).
type TenderStore struct {
	pool  pool
	table string
}

// New connects to Postgres and, when configured, applies the schema.
func New(ctx context.Context, cfg Config) (*TenderStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*TenderStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "tenders"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TenderStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TenderStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tender and run tables if they do not exist.
func (s *TenderStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{table}}", s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Runs returns the run summary store sharing this store's pool.
func (s *TenderStore) Runs() *RunStore {
	return &RunStore{pool: s.pool, table: s.table + "_runs"}
}

// Upsert writes t in one statement. The created/updated outcome comes from
// xmax, which is zero only for freshly inserted rows.
func (s *TenderStore) Upsert(ctx context.Context, t tender.Tender) (tender.UpsertOutcome, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
)
ON CONFLICT (source_id, source_ref) DO UPDATE SET
	title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	publication_date = EXCLUDED.publication_date,
	deadline_date = EXCLUDED.deadline_date,
	buyer_name = EXCLUDED.buyer_name,
	buyer_country = EXCLUDED.buyer_country,
	value_amount = EXCLUDED.value_amount,
	currency = EXCLUDED.currency,
	category_codes = EXCLUDED.category_codes,
	category_origin = EXCLUDED.category_origin,
	url = EXCLUDED.url,
	is_shadow = EXCLUDED.is_shadow,
	is_synthetic = EXCLUDED.is_synthetic,
	is_canonical = EXCLUDED.is_canonical,
	duplicate_of_source_id = EXCLUDED.duplicate_of_source_id,
	duplicate_of_source_ref = EXCLUDED.duplicate_of_source_ref,
	served_by = EXCLUDED.served_by,
	raw_blob = EXCLUDED.raw_blob,
	raw_hash = EXCLUDED.raw_hash,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`, s.table, tenderColumns)

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, upsertArgs(t)...).Scan(&inserted); err != nil {
		return "", fmt.Errorf("upsert tender %s: %w", t.Key(), err)
	}
	if inserted {
		return tender.UpsertCreated, nil
	}
	return tender.UpsertUpdated, nil
}

func upsertArgs(t tender.Tender) []any {
	var dupSource, dupRef *string
	if t.DuplicateOf != nil {
		id, ref := string(t.DuplicateOf.SourceID), t.DuplicateOf.SourceRef
		dupSource, dupRef = &id, &ref
	}
	codes := t.CategoryCodes
	if codes == nil {
		codes = []string{}
	}
	return []any{
		string(t.SourceID),
		t.SourceRef,
		t.Title,
		t.Summary,
		t.PublicationDate,
		t.DeadlineDate,
		t.BuyerName,
		t.BuyerCountry,
		t.ValueAmount,
		t.Currency,
		codes,
		string(t.CategoryOrigin),
		t.URL,
		t.IsShadow,
		t.IsSynthetic,
		t.IsCanonical,
		dupSource,
		dupRef,
		string(t.ServedBy),
		t.RawBlob,
		t.RawHash,
		t.FetchedAt,
	}
}

// SetCanonical rewrites only the cluster flags of a stored row.
func (s *TenderStore) SetCanonical(ctx context.Context, key tender.Key, duplicateOf *tender.Key) error {
	var dupSource, dupRef *string
	if duplicateOf != nil {
		id, ref := string(duplicateOf.SourceID), duplicateOf.SourceRef
		dupSource, dupRef = &id, &ref
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	is_canonical = $3,
	duplicate_of_source_id = $4,
	duplicate_of_source_ref = $5,
	updated_at = now()
WHERE source_id = $1 AND source_ref = $2`, s.table)

	tag, err := s.pool.Exec(ctx, query, string(key.SourceID), key.SourceRef, duplicateOf == nil, dupSource, dupRef)
	if err != nil {
		return fmt.Errorf("relink tender %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relink tender %s: %w", key, tender.ErrNotFound)
	}
	return nil
}

// Get fetches one tender by key.
func (s *TenderStore) Get(ctx context.Context, key tender.Key) (tender.Tender, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source_id = $1 AND source_ref = $2`, tenderColumns, s.table)
	t, err := scanTender(s.pool.QueryRow(ctx, query, string(key.SourceID), key.SourceRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return tender.Tender{}, tender.ErrNotFound
	}
	if err != nil {
		return tender.Tender{}, fmt.Errorf("get tender %s: %w", key, err)
	}
	return t, nil
}

// Query returns matching tenders, newest publication first, then by key.
func (s *TenderStore) Query(ctx context.Context, q tender.Query) ([]tender.Tender, error) {
	query, args := buildQuery(s.table, q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenders: %w", err)
	}
	defer rows.Close()

	out := []tender.Tender{}
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tender: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenders: %w", err)
	}
	return out, nil
}

// buildQuery renders q as SQL. Filters are ANDed; the visibility defaults
// are applied unless the query opts out.
func buildQuery(table string, q tender.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.IncludeShadow {
		where = append(where, "NOT is_shadow", "NOT is_synthetic")
	}
	if !q.IncludeDuplicates {
		where = append(where, "is_canonical")
	}
	if q.Country != "" {
		where = append(where, "buyer_country = "+arg(strings.ToUpper(q.Country)))
	}
	if q.SourceID != "" {
		where = append(where, "source_id = "+arg(string(q.SourceID)))
	}
	if q.Category != "" {
		where = append(where, arg(q.Category)+" = ANY(category_codes)")
	}
	if q.PublishedSince != nil {
		where = append(where, "publication_date >= "+arg(*q.PublishedSince))
	}
	if q.PublishedBefore != nil {
		where = append(where, "publication_date < "+arg(*q.PublishedBefore))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", tenderColumns, table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY publication_date DESC NULLS LAST, source_id, source_ref")
	fmt.Fprintf(&b, " LIMIT %s", arg(q.EffectiveLimit()))
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %s", arg(q.Offset))
	}
	return b.String(), args
}

func scanTender(row pgx.Row) (tender.Tender, error) {
	var (
		t                 tender.Tender
		sourceID, origin  string
		servedBy          string
		dupSource, dupRef *string
	)
	err := row.Scan(
		&sourceID,
		&t.SourceRef,
		&t.Title,
		&t.Summary,
		&t.PublicationDate,
		&t.DeadlineDate,
		&t.BuyerName,
		&t.BuyerCountry,
		&t.ValueAmount,
		&t.Currency,
		&t.CategoryCodes,
		&origin,
		&t.URL,
		&t.IsShadow,
		&t.IsSynthetic,
		&t.IsCanonical,
		&dupSource,
		&dupRef,
		&servedBy,
		&t.RawBlob,
		&t.RawHash,
		&t.FetchedAt,
	)
	if err != nil {
		return tender.Tender{}, err
	}
	t.SourceID = tender.SourceID(sourceID)
	t.CategoryOrigin = tender.CategoryOrigin(origin)
	t.ServedBy = tender.Method(servedBy)
	if dupSource != nil && dupRef != nil {
		t.DuplicateOf = &tender.Key{SourceID: tender.SourceID(*dupSource), SourceRef: *dupRef}
	}
	return t, nil
}
