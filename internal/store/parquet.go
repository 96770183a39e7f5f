package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ JournalStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and JournalStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for minute bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// FillRecord is the Parquet schema of a journal entry. Prices are stored as
// decimal strings so they round-trip exactly.
type FillRecord struct {
	Time  int64  `parquet:"time,timestamp(millisecond)"` // Unix ms
	Side  string `parquet:"side"`
	Qty   int64  `parquet:"qty"`
	Price string `parquet:"price"`
	Tag   string `parquet:"tag"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and month.
// Each symbol+month combination produces a separate file at:
//
//	<DataDir>/bars/<SYMBOL>/<YYYY-MM>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		month  time.Time
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, month: monthOf(b.Timestamp)}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.month)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.month.Format("2006-01"), err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for m := monthOf(start); !m.After(end); m = m.AddDate(0, 1, 0) {
		path := s.barPath(symbol, m)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			b := fromBarRecord(r)
			if b.Timestamp.Before(start) || b.Timestamp.After(end) {
				continue
			}
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// JournalStore implementation
// ---------------------------------------------------------------------------

// AppendFills appends fills to <DataDir>/journals/<runID>.parquet.
func (s *ParquetStore) AppendFills(_ context.Context, runID string, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	path := s.journalPath(runID)
	existing, err := readParquetFile[FillRecord](path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading journal %s: %w", runID, err)
	}
	for _, f := range fills {
		existing = append(existing, FillRecord{
			Time:  f.Time.UnixMilli(),
			Side:  string(f.Side),
			Qty:   f.Qty,
			Price: f.Price.String(),
			Tag:   f.Tag,
		})
	}
	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Time < existing[j].Time })
	if err := writeParquetFile(path, existing); err != nil {
		return fmt.Errorf("writing journal %s: %w", runID, err)
	}
	return nil
}

// ReadFills returns the journal of runID, or ErrNotFound.
func (s *ParquetStore) ReadFills(_ context.Context, runID string) ([]domain.Fill, error) {
	records, err := readParquetFile[FillRecord](s.journalPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("journal %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	fills := make([]domain.Fill, len(records))
	for i, r := range records {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("journal %s row %d: %w", runID, i, err)
		}
		fills[i] = domain.Fill{
			Time:  time.UnixMilli(r.Time).UTC(),
			Side:  domain.Side(r.Side),
			Qty:   r.Qty,
			Price: price,
			Tag:   r.Tag,
		}
	}
	return fills, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<SYMBOL>/<YYYY-MM>.parquet
func (s *ParquetStore) barPath(symbol string, month time.Time) string {
	return filepath.Join(s.DataDir, "bars", strings.ToUpper(symbol), month.Format("2006-01")+".parquet")
}

// journalPath returns the filesystem path for a run journal.
// Layout: <dataDir>/journals/<runID>.parquet
func (s *ParquetStore) journalPath(runID string) string {
	return filepath.Join(s.DataDir, "journals", runID+".parquet")
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

func fromBarRecord(r BarRecord) domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
