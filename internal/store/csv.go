package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"algotrade/internal/domain"
)

// ErrContractName is returned when a contract file name does not end in a
// month code and a year digit.
var ErrContractName = errors.New("invalid contract file name")

// csvTimeLayout is the vendor Date + Time layout (day first).
const csvTimeLayout = "02/01/2006 15:04:05"

// csvColumns are the required header columns of a vendor export.
var csvColumns = []string{"Date", "Time", "Open", "High", "Low", "Close", "TotalVolume"}

// monthCodes maps futures month codes to calendar months.
var monthCodes = map[byte]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March, 'J': time.April,
	'K': time.May, 'M': time.June, 'N': time.July, 'Q': time.August,
	'U': time.September, 'V': time.October, 'X': time.November, 'Z': time.December,
}

// CSVLoader reads vendor minute-bar CSV exports.
type CSVLoader struct {
	// Encoding of the files. Nil means UTF-8 with an optional BOM.
	Encoding encoding.Encoding

	// Now resolves the decade of single-digit contract years. Nil means
	// time.Now.
	Now func() time.Time
}

// NewCSVLoader returns a loader for UTF-8 files, or GBK and GB18030 files
// when charset names them.
func NewCSVLoader(charset string) *CSVLoader {
	l := &CSVLoader{}
	switch strings.ToLower(charset) {
	case "gbk":
		l.Encoding = simplifiedchinese.GBK
	case "gb18030":
		l.Encoding = simplifiedchinese.GB18030
	}
	return l
}

func (l *CSVLoader) decoder() transform.Transformer {
	if l.Encoding != nil {
		return l.Encoding.NewDecoder()
	}
	return unicode.BOMOverride(unicode.UTF8.NewDecoder())
}

// LoadFile parses one export and tags each bar with symbol. Rows are
// returned in time order; duplicated timestamps keep the first row.
func (l *CSVLoader) LoadFile(path, symbol string) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bars, err := l.parse(transform.NewReader(f, l.decoder()), symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return bars, nil
}

func (l *CSVLoader) parse(r io.Reader, symbol string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, c := range csvColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseRecord(rec, idx, symbol)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.Timestamp.Equal(bars[i-1].Timestamp) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func parseRecord(rec []string, idx map[string]int, symbol string) (domain.Bar, error) {
	clock := strings.TrimSpace(rec[idx["Time"]])
	if strings.Count(clock, ":") == 1 {
		clock += ":00"
	}
	ts, err := time.Parse(csvTimeLayout, strings.TrimSpace(rec[idx["Date"]])+" "+clock)
	if err != nil {
		return domain.Bar{}, err
	}

	b := domain.Bar{Symbol: symbol, Timestamp: ts}
	fields := []struct {
		col string
		dst *float64
	}{
		{"Open", &b.Open}, {"High", &b.High}, {"Low", &b.Low}, {"Close", &b.Close},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(strings.TrimSpace(rec[idx[f.col]]), 64); err != nil {
			return domain.Bar{}, fmt.Errorf("%s: %w", f.col, err)
		}
	}
	vol, err := strconv.ParseFloat(strings.TrimSpace(rec[idx["TotalVolume"]]), 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("TotalVolume: %w", err)
	}
	b.Volume = int64(vol)
	return b, nil
}

// ContractMonth decodes the contract month of a file such as HSIF9.csv:
// the last two characters before the extension are the month code and the
// last digit of the year. Digits above the current year's last digit refer
// to the previous decade.
func (l *CSVLoader) ContractMonth(name string) (time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if len(base) < 2 {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrContractName)
	}
	month, ok := monthCodes[strings.ToUpper(base)[len(base)-2]]
	digit := base[len(base)-1]
	if !ok || digit < '0' || digit > '9' {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrContractName)
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	year := now().Year()
	decade := year - year%10
	y := decade + int(digit-'0')
	if y > year {
		y -= 10
	}
	return time.Date(y, month, 1, 0, 0, 0, 0, time.UTC), nil
}

// LoadContracts stitches the contract files <symbol>*.csv in dir into one
// continuous series. Contracts are read in expiry order and each one only
// contributes bars after the last bar already taken, starting after since.
func (l *CSVLoader) LoadContracts(dir, symbol string, since time.Time) ([]domain.Bar, error) {
	paths, err := filepath.Glob(filepath.Join(dir, symbol+"*.csv"))
	if err != nil {
		return nil, err
	}

	type contract struct {
		path  string
		month time.Time
	}
	contracts := make([]contract, 0, len(paths))
	for _, p := range paths {
		m, err := l.ContractMonth(p)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, contract{path: p, month: m})
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].month.Before(contracts[j].month) })

	var out []domain.Bar
	cutoff := since
	for _, c := range contracts {
		bars, err := l.LoadFile(c.path, symbol)
		if err != nil {
			return nil, err
		}
		for _, b := range bars {
			if b.Timestamp.After(cutoff) {
				out = append(out, b)
				cutoff = b.Timestamp
			}
		}
	}
	return out, nil
}
