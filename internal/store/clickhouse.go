package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"algotrade/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ClickHouseStore)(nil)

// ClickHouseConfig holds the connection settings of a ClickHouseStore.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseStore implements BarStore on a ClickHouse ReplacingMergeTree
// table keyed by (symbol, ts).
type ClickHouseStore struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseStore connects to ClickHouse, checks the connection and
// creates the bar table when missing.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	if cfg.Table == "" {
		cfg.Table = "bars"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse %s: %w", cfg.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := &ClickHouseStore{conn: conn, table: cfg.Database + "." + cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol  LowCardinality(String),
			ts      DateTime64(3, 'UTC'),
			open    Float64,
			high    Float64,
			low     Float64,
			close   Float64,
			volume  Int64,
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, ts)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

// WriteBars inserts bars in one batch. Later versions replace earlier rows
// with the same key when ClickHouse merges parts.
func (s *ClickHouseStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	version := uint64(time.Now().UnixNano())
	for _, b := range bars {
		if err := batch.Append(b.Symbol, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume, version); err != nil {
			return fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	return nil
}

// ReadBars returns bars for symbol within [start, end]. FINAL collapses
// rows not yet merged.
func (s *ClickHouseStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	query := fmt.Sprintf(`
		SELECT symbol, ts, open, high, low, close, volume
		FROM %s FINAL
		WHERE symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY ts`, s.table)
	rows, err := s.conn.Query(ctx, query, symbol, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols returns the distinct stored symbols.
func (s *ClickHouseStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT DISTINCT symbol FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, rows.Err()
}
