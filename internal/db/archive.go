package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/atp/internal/cycle"
)

// ErrNotFound is returned by Get for unknown cycle ids.
var ErrNotFound = errors.New("cycle not found")

// Archive stores finished cycles. The sqlite DB and the postgres PG both
// implement it.
type Archive interface {
	Record(ctx context.Context, st cycle.State) error
	List(ctx context.Context, opts ListOptions) ([]CycleRecord, error)
	Get(ctx context.Context, id string) (*cycle.State, error)
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

// ListOptions filters List. Zero values mean no filter.
type ListOptions struct {
	Limit int
	Since time.Time
	Phase cycle.Phase
}

// CycleRecord is the row summary of an archived cycle.
type CycleRecord struct {
	ID             string        `json:"id"`
	Trigger        cycle.Trigger `json:"trigger"`
	Phase          cycle.Phase   `json:"phase"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	TotalTests     int           `json:"total_tests"`
	FailingTests   int           `json:"failing_tests"`
	CoverageBefore *float64      `json:"coverage_before,omitempty"`
	CoverageAfter  *float64      `json:"coverage_after,omitempty"`
	CoverageDelta  *float64      `json:"coverage_delta,omitempty"`
	Regressions    int           `json:"regressions"`
	GeneratedTests int           `json:"generated_tests"`
	SuggestedFixes int           `json:"suggested_fixes"`
}

// recordFromState flattens the columns stored alongside the state JSON.
func recordFromState(st cycle.State) CycleRecord {
	r := CycleRecord{
		ID:             st.ID,
		Trigger:        st.Trigger,
		Phase:          st.Phase,
		StartedAt:      st.StartedAt,
		FinishedAt:     st.FinishedAt,
		DurationMs:     st.DurationMs,
		ErrorMessage:   st.ErrorMessage,
		CoverageBefore: st.Metrics.CoverageBefore,
		CoverageAfter:  st.Metrics.CoverageAfter,
		Regressions:    st.Metrics.Regressions,
		GeneratedTests: len(st.Metrics.GeneratedTests),
		SuggestedFixes: len(st.Metrics.SuggestedFixes),
	}
	if st.Metrics.Tests != nil {
		r.TotalTests = st.Metrics.Tests.Total
		r.FailingTests = st.Metrics.Tests.Failed
	}
	if d := st.Metrics.CoverageDelta; d != nil {
		r.CoverageDelta = d.TotalDelta
	}
	return r
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeMeta(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// Record inserts or replaces a finished cycle and its log.
func (d *DB) Record(ctx context.Context, st cycle.State) error {
	if !st.Phase.IsTerminal() {
		return fmt.Errorf("record cycle %s: phase %q is not terminal", st.ID, st.Phase)
	}
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cycle %s: %w", st.ID, err)
	}
	r := recordFromState(st)

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("replace cycle %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycles (id, origin, phase, started_at_ms, finished_at_ms, duration_ms, error_message,
			total_tests, failing_tests, coverage_before, coverage_after, coverage_delta,
			regressions, generated_tests, suggested_fixes, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Trigger), string(r.Phase), r.StartedAt.UnixMilli(), millis(r.FinishedAt), r.DurationMs, r.ErrorMessage,
		r.TotalTests, r.FailingTests, r.CoverageBefore, r.CoverageAfter, r.CoverageDelta,
		r.Regressions, r.GeneratedTests, r.SuggestedFixes, string(state),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", r.ID, err)
	}

	for _, l := range st.Logs {
		meta, err := encodeMeta(l.Meta)
		if err != nil {
			return fmt.Errorf("encode log meta: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cycle_events (cycle_id, ts_ms, level, message, meta) VALUES (?, ?, ?, ?, ?)`,
			r.ID, l.TS.UnixMilli(), string(l.Level), l.Message, meta,
		); err != nil {
			return fmt.Errorf("insert cycle event: %w", err)
		}
	}
	return tx.Commit()
}

const selectRecord = `SELECT id, origin, phase, started_at_ms, finished_at_ms, duration_ms, error_message,
	total_tests, failing_tests, coverage_before, coverage_after, coverage_delta,
	regressions, generated_tests, suggested_fixes FROM cycles`

// List returns archived cycles, newest first.
func (d *DB) List(ctx context.Context, opts ListOptions) ([]CycleRecord, error) {
	query, args := buildList(selectRecord, opts, func(int) string { return "?" })
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	records := []CycleRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get returns the full archived state of one cycle.
func (d *DB) Get(ctx context.Context, id string) (*cycle.State, error) {
	var state string
	err := d.conn.QueryRowContext(ctx, `SELECT state FROM cycles WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", id, err)
	}
	var st cycle.State
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return nil, fmt.Errorf("decode cycle %s: %w", id, err)
	}
	return &st, nil
}

// buildList appends filters to base. placeholder renders the nth (1-based)
// bind parameter for the driver.
func buildList(base string, opts ListOptions, placeholder func(n int) string) (string, []any) {
	var where []string
	var args []any
	if !opts.Since.IsZero() {
		args = append(args, opts.Since.UnixMilli())
		where = append(where, "started_at_ms >= "+placeholder(len(args)))
	}
	if opts.Phase != "" {
		args = append(args, string(opts.Phase))
		where = append(where, "phase = "+placeholder(len(args)))
	}

	var b strings.Builder
	b.WriteString(base)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY started_at_ms DESC, id")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		b.WriteString(" LIMIT " + placeholder(len(args)))
	}
	return b.String(), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (CycleRecord, error) {
	var r CycleRecord
	var trigger, phase string
	var started int64
	var finished sql.NullInt64
	var before, after, delta sql.NullFloat64
	err := s.Scan(&r.ID, &trigger, &phase, &started, &finished, &r.DurationMs, &r.ErrorMessage,
		&r.TotalTests, &r.FailingTests, &before, &after, &delta,
		&r.Regressions, &r.GeneratedTests, &r.SuggestedFixes)
	if err != nil {
		return r, err
	}
	r.Trigger = cycle.Trigger(trigger)
	r.Phase = cycle.Phase(phase)
	r.StartedAt = fromMillis(started)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		r.FinishedAt = &t
	}
	r.CoverageBefore = nullFloat(before)
	r.CoverageAfter = nullFloat(after)
	r.CoverageDelta = nullFloat(delta)
	return r, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// OpenArchive opens and migrates the archive for driver. Driver "none"
// returns a nil Archive.
func OpenArchive(ctx context.Context, driver, dsn string) (Archive, error) {
	var a Archive
	switch driver {
	case "none":
		return nil, nil
	case "sqlite", "":
		d, err := Open(dsn)
		if err != nil {
			return nil, err
		}
		a = d
	case "postgres":
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a = p
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
	if err := a.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}
