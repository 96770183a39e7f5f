// Package store defines storage interfaces for bar data, trade journals,
// reports and backtest runs, with Parquet, SQLite and ClickHouse
// implementations and a loader for vendor CSV exports.
//
// Bar timestamps are exchange wall-clock times carried in UTC.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"algotrade/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, replacing bars with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end] in time order.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// JournalStore persists the append-only trade journal of a run.
type JournalStore interface {
	// AppendFills appends fills to the journal of runID.
	AppendFills(ctx context.Context, runID string, fills []domain.Fill) error

	// ReadFills returns the journal of runID in time order.
	ReadFills(ctx context.Context, runID string) ([]domain.Fill, error)
}

// Report kinds stored by a ReportStore.
const (
	ReportMonthly = "monthly"
	ReportYearly  = "yearly"
)

// ReportStore persists derived report rows.
type ReportStore interface {
	// SaveReport replaces the rows of kind for runID.
	SaveReport(ctx context.Context, runID, kind string, rows []domain.ReportRow) error

	// LoadReport returns the rows of kind for runID in saved order.
	LoadReport(ctx context.Context, runID, kind string) ([]domain.ReportRow, error)
}

// Run statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// RunRecord describes one backtest run.
type RunRecord struct {
	ID         string    `json:"id"`
	Strategy   string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Workers    int       `json:"workers"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// RunStore persists backtest run records.
type RunStore interface {
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, run RunRecord) error

	// GetRun returns the run with id, or ErrNotFound.
	GetRun(ctx context.Context, id string) (RunRecord, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]RunRecord, error)
}

// Bar store kinds accepted by OpenBarStore.
const (
	BarStoreParquet    = "parquet"
	BarStoreClickHouse = "clickhouse"
)

// OpenBarStore opens the bar store named by kind. The returned close
// function is never nil.
func OpenBarStore(ctx context.Context, kind, dataDir string, ch ClickHouseConfig) (BarStore, func() error, error) {
	switch kind {
	case BarStoreParquet, "":
		return NewParquetStore(dataDir), func() error { return nil }, nil
	case BarStoreClickHouse:
		s, err := NewClickHouseStore(ctx, ch)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bar store %q", kind)
	}
}
