package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/atp/internal/cycle"
)

// PG is the PostgreSQL archive, for teams sharing cycle history.
type PG struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PG{pool: pool}, nil
}

// Close releases the pool.
func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

const pgSchemaV1 = `
CREATE TABLE IF NOT EXISTS atp_schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cycles (
    id               TEXT PRIMARY KEY,
    origin           TEXT NOT NULL,
    phase            TEXT NOT NULL CHECK(phase IN ('finished','error','canceled')),
    started_at_ms    BIGINT NOT NULL,
    finished_at_ms   BIGINT,
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT '',
    total_tests      INTEGER NOT NULL DEFAULT 0,
    failing_tests    INTEGER NOT NULL DEFAULT 0,
    coverage_before  DOUBLE PRECISION,
    coverage_after   DOUBLE PRECISION,
    coverage_delta   DOUBLE PRECISION,
    regressions      INTEGER NOT NULL DEFAULT 0,
    generated_tests  INTEGER NOT NULL DEFAULT 0,
    suggested_fixes  INTEGER NOT NULL DEFAULT 0,
    state            JSONB NOT NULL,
    recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at_ms DESC);

CREATE TABLE IF NOT EXISTS cycle_events (
    id        BIGSERIAL PRIMARY KEY,
    cycle_id  TEXT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
    ts_ms     BIGINT NOT NULL,
    level     TEXT NOT NULL CHECK(level IN ('debug','info','warn','error')),
    message   TEXT NOT NULL,
    meta      JSONB
);
CREATE INDEX IF NOT EXISTS idx_cycle_events_cycle ON cycle_events(cycle_id, ts_ms);
`

// Migrate applies the schema once.
func (p *PG) Migrate(ctx context.Context) error {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM atp_schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO atp_schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops the archive tables and re-applies the schema.
func (p *PG) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS cycle_events, cycles, atp_schema_version"); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return p.Migrate(ctx)
}

// Record upserts a finished cycle and replaces its log.
func (p *PG) Record(ctx context.Context, st cycle.State) error {
	if !st.Phase.IsTerminal() {
		return fmt.Errorf("record cycle %s: phase %q is not terminal", st.ID, st.Phase)
	}
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cycle %s: %w", st.ID, err)
	}
	r := recordFromState(st)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cycles WHERE id = $1`, r.ID); err != nil {
		return fmt.Errorf("replace cycle %s: %w", r.ID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO cycles (id, origin, phase, started_at_ms, finished_at_ms, duration_ms, error_message,
			total_tests, failing_tests, coverage_before, coverage_after, coverage_delta,
			regressions, generated_tests, suggested_fixes, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, string(r.Trigger), string(r.Phase), r.StartedAt.UnixMilli(), millis(r.FinishedAt), r.DurationMs, r.ErrorMessage,
		r.TotalTests, r.FailingTests, r.CoverageBefore, r.CoverageAfter, r.CoverageDelta,
		r.Regressions, r.GeneratedTests, r.SuggestedFixes, string(state),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", r.ID, err)
	}

	batch := &pgx.Batch{}
	for _, l := range st.Logs {
		meta, err := encodeMeta(l.Meta)
		if err != nil {
			return fmt.Errorf("encode log meta: %w", err)
		}
		batch.Queue(`INSERT INTO cycle_events (cycle_id, ts_ms, level, message, meta) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, l.TS.UnixMilli(), string(l.Level), l.Message, meta)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert cycle events: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// List returns archived cycles, newest first.
func (p *PG) List(ctx context.Context, opts ListOptions) ([]CycleRecord, error) {
	query, args := buildList(selectRecord, opts, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	records := []CycleRecord{}
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get returns the full archived state of one cycle.
func (p *PG) Get(ctx context.Context, id string) (*cycle.State, error) {
	var state []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM cycles WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", id, err)
	}
	var st cycle.State
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode cycle %s: %w", id, err)
	}
	return &st, nil
}

func scanPGRecord(row pgx.Row) (CycleRecord, error) {
	var r CycleRecord
	var trigger, phase string
	var started int64
	var finished *int64
	err := row.Scan(&r.ID, &trigger, &phase, &started, &finished, &r.DurationMs, &r.ErrorMessage,
		&r.TotalTests, &r.FailingTests, &r.CoverageBefore, &r.CoverageAfter, &r.CoverageDelta,
		&r.Regressions, &r.GeneratedTests, &r.SuggestedFixes)
	if err != nil {
		return r, err
	}
	r.Trigger = cycle.Trigger(trigger)
	r.Phase = cycle.Phase(phase)
	r.StartedAt = fromMillis(started)
	if finished != nil {
		t := fromMillis(*finished)
		r.FinishedAt = &t
	}
	return r, nil
}
