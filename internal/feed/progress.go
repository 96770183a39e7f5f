package feed

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	triedEmptyFile    = ".tried-empty"
	lastCompletedFile = ".last-completed"
)

// progress keeps the .tried-empty and .last-completed files of a backfill
// directory so a rerun skips symbols the API has no data for and reports
// how far the previous run got.
type progress struct {
	mu         sync.Mutex
	triedEmpty map[string]struct{}
	writer     *bufio.Writer
	file       *os.File
	dir        string
}

// openProgress loads the tracker rooted at dir, creating it when missing.
func openProgress(dir string) (*progress, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}
	p := &progress{triedEmpty: make(map[string]struct{}), dir: dir}

	path := filepath.Join(dir, triedEmptyFile)
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				p.triedEmpty[sym] = struct{}{}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", triedEmptyFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return p, nil
}

func (p *progress) isTriedEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.triedEmpty[strings.ToUpper(symbol)]
	return ok
}

// markEmpty records symbols the API returned nothing for.
func (p *progress) markEmpty(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := p.triedEmpty[sym]; ok {
			continue
		}
		p.triedEmpty[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", triedEmptyFile, err)
		}
	}
	return p.writer.Flush()
}

func (p *progress) markCompleted(end time.Time) error {
	return os.WriteFile(filepath.Join(p.dir, lastCompletedFile), []byte(end.Format(time.DateOnly)), 0o644)
}

// lastCompleted returns the end date of the last clean run, or the zero
// time.
func (p *progress) lastCompleted() time.Time {
	data, err := os.ReadFile(filepath.Join(p.dir, lastCompletedFile))
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p *progress) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writer.Flush(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}
