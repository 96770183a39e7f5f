// Package control holds the runtime switches of each strategy (on/off and
// normal/reverse routing) in memory, with JSON persistence and pub/sub for
// the server's WebSocket stream and the live engine.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"algotrade/internal/domain"
)

// ErrInvalidMode is returned by Set for a mode other than normal or reverse.
var ErrInvalidMode = errors.New("invalid mode")

// Control is the runtime switch set of one strategy.
type Control struct {
	Enabled bool        `json:"enabled"`
	Mode    domain.Mode `json:"mode"`
}

// Default is the control of a strategy that was never configured.
var Default = Control{Enabled: true, Mode: domain.ModeNormal}

// Event types.
const (
	EventSnapshot = "snapshot"
	EventSet      = "set"
)

// Event is the wire format for pushed control changes.
type Event struct {
	Type     string             `json:"type"`
	Strategy string             `json:"strategy,omitempty"` // set only
	Control  *Control           `json:"control,omitempty"`  // set only
	Data     map[string]Control `json:"data,omitempty"`     // snapshot only
}

// Store holds controls in memory with JSON persistence and pub/sub.
type Store struct {
	mu       sync.RWMutex
	controls map[string]Control // strategy -> control
	filePath string
	log      *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewStore creates a Store, loading persisted state from filePath. An empty
// path keeps the store in memory only.
func NewStore(filePath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		controls: make(map[string]Control),
		filePath: filePath,
		log:      log.With("component", "control"),
		subs:     make(map[int]chan Event),
	}
	s.load()
	return s
}

// Snapshot returns a copy of all controls.
func (s *Store) Snapshot() map[string]Control {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Control, len(s.controls))
	for k, v := range s.controls {
		out[k] = v
	}
	return out
}

// Get returns the control of a strategy, or Default when none is stored.
func (s *Store) Get(strategy string) Control {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.controls[strategy]; ok {
		return c
	}
	return Default
}

// Set stores a control, persists to disk, and broadcasts to subscribers.
func (s *Store) Set(strategy string, c Control) error {
	if c.Mode == "" {
		c.Mode = domain.ModeNormal
	}
	if c.Mode != domain.ModeNormal && c.Mode != domain.ModeReverse {
		return fmt.Errorf("%q: %w", c.Mode, ErrInvalidMode)
	}

	s.mu.Lock()
	s.controls[strategy] = c
	err := s.flush()
	s.mu.Unlock()

	s.broadcast(Event{Type: EventSet, Strategy: strategy, Control: &c})
	return err
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (s *Store) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (s *Store) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.Debug("dropping control event for slow subscriber", "strategy", e.Strategy)
		}
	}
}

// load reads the JSON file into memory.
func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return // File doesn't exist yet; start empty.
	}
	var loaded map[string]Control
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("loading controls file", "error", err)
		return
	}
	s.controls = loaded
	s.log.Info("loaded controls", "strategies", len(loaded))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (s *Store) flush() error {
	if s.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.controls, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling controls: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath, data, 0o644); err != nil {
		return fmt.Errorf("writing controls file: %w", err)
	}
	return nil
}
