package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ JournalStore = (*SQLiteStore)(nil)
var _ ReportStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements JournalStore, ReportStore, and RunStore backed by
// a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	run_id TEXT    NOT NULL,
	seq    INTEGER NOT NULL,
	time   TEXT    NOT NULL,
	side   TEXT    NOT NULL,
	qty    INTEGER NOT NULL,
	price  TEXT    NOT NULL,
	tag    TEXT    NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS reports (
	run_id      TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	period      TEXT    NOT NULL,
	profit_loss TEXT    NOT NULL,
	traded_qty  INTEGER NOT NULL,
	commission  TEXT    NOT NULL,
	slippage    TEXT    NOT NULL,
	PRIMARY KEY (run_id, kind, seq)
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	strategy    TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	start_date  TEXT    NOT NULL,
	end_date    TEXT    NOT NULL,
	workers     INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	created_at  TEXT    NOT NULL,
	finished_at TEXT    NOT NULL DEFAULT ''
);`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// JournalStore implementation
// ---------------------------------------------------------------------------

// AppendFills appends fills after the last stored entry of runID.
func (s *SQLiteStore) AppendFills(ctx context.Context, runID string, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM journal WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("reading journal sequence: %w", err)
	}
	for i, f := range fills {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO journal (run_id, seq, time, side, qty, price, tag) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, next+int64(i), formatTime(f.Time), string(f.Side), f.Qty, f.Price.String(), f.Tag); err != nil {
			return fmt.Errorf("inserting fill %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ReadFills returns the journal of runID in append order.
func (s *SQLiteStore) ReadFills(ctx context.Context, runID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, side, qty, price, tag FROM journal WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			ts, side, price, tag string
			qty                  int64
		)
		if err := rows.Scan(&ts, &side, &qty, &price, &tag); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("fill price %q: %w", price, err)
		}
		fills = append(fills, domain.Fill{Time: t, Side: domain.Side(side), Qty: qty, Price: p, Tag: tag})
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// ReportStore implementation
// ---------------------------------------------------------------------------

// SaveReport replaces the rows of kind for runID.
func (s *SQLiteStore) SaveReport(ctx context.Context, runID, kind string, rows []domain.ReportRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE run_id = ? AND kind = ?`, runID, kind); err != nil {
		return fmt.Errorf("clearing %s report: %w", kind, err)
	}
	for i, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reports (run_id, kind, seq, period, profit_loss, traded_qty, commission, slippage)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, kind, i, r.Period, r.ProfitLoss.String(), r.TradedQty, r.Commission.String(), r.Slippage.String()); err != nil {
			return fmt.Errorf("inserting %s row %d: %w", kind, i, err)
		}
	}
	return tx.Commit()
}

// LoadReport returns the rows of kind for runID.
func (s *SQLiteStore) LoadReport(ctx context.Context, runID, kind string) ([]domain.ReportRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period, profit_loss, traded_qty, commission, slippage
		 FROM reports WHERE run_id = ? AND kind = ? ORDER BY seq`, runID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReportRow
	for rows.Next() {
		var (
			r                  domain.ReportRow
			pnl, comm, slipped string
		)
		if err := rows.Scan(&r.Period, &pnl, &r.TradedQty, &comm, &slipped); err != nil {
			return nil, err
		}
		if r.ProfitLoss, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		if r.Commission, err = decimal.NewFromString(comm); err != nil {
			return nil, err
		}
		if r.Slippage, err = decimal.NewFromString(slipped); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, strategy, symbol, start_date, end_date, workers, status, error, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.Symbol,
		run.Start.Format(time.DateOnly), run.End.Format(time.DateOnly),
		run.Workers, run.Status, run.Error,
		formatTime(run.CreatedAt), formatOptionalTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const runColumns = `id, strategy, symbol, start_date, end_date, workers, status, error, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		run                           RunRecord
		start, end, created, finished string
	)
	if err := sc.Scan(&run.ID, &run.Strategy, &run.Symbol, &start, &end,
		&run.Workers, &run.Status, &run.Error, &created, &finished); err != nil {
		return RunRecord{}, err
	}
	var err error
	if run.Start, err = time.Parse(time.DateOnly, start); err != nil {
		return RunRecord{}, err
	}
	if run.End, err = time.Parse(time.DateOnly, end); err != nil {
		return RunRecord{}, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return RunRecord{}, err
	}
	if finished != "" {
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return RunRecord{}, err
		}
	}
	return run, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
