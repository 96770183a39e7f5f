package strategy

import (
	"errors"
	"testing"
	"time"

	"algotrade/internal/domain"
)

// stubStrategy is a configurable Strategy used by the registry and machine
// tests.
type stubStrategy struct {
	name    string
	warmUp  int
	applyFn func(domain.Series) error
	entryFn func(i int) (domain.Decision, bool)
	exitFn  func(i int, pos domain.Position) (domain.Decision, bool)
	timeout TimeoutRule
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) WarmUp() int  { return s.warmUp }
func (s *stubStrategy) ApplyIndicators(series domain.Series) error {
	if s.applyFn != nil {
		return s.applyFn(series)
	}
	return nil
}
func (s *stubStrategy) CheckEntryConditions(i int) (domain.Decision, bool) {
	if s.entryFn == nil {
		return domain.Decision{}, false
	}
	return s.entryFn(i)
}
func (s *stubStrategy) CheckExitConditions(i int, pos domain.Position) (domain.Decision, bool) {
	if s.exitFn == nil {
		return domain.Decision{}, false
	}
	return s.exitFn(i, pos)
}
func (s *stubStrategy) CheckIsTimeout(t time.Time) bool { return s.timeout.Fired(t) }

func stubFactory(name string) Factory {
	return func(p Params) (Strategy, error) { return &stubStrategy{name: name}, nil }
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	f, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	s, err := f(DefaultParams())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if s.Name() != "test-strategy" {
		t.Errorf("factory built strategy with Name() = %q, want %q", s.Name(), "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
	if _, err := r.New("nonexistent", DefaultParams()); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("New error = %v, want ErrUnknownStrategy", err)
	}
}

func TestRegistryNewValidates(t *testing.T) {
	r := NewRegistry()
	r.Register("s", stubFactory("s"))

	p := DefaultParams()
	p.ExecQuantity = 2 // above max_contract 1
	if _, err := r.New("s", p); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("New error = %v, want ErrInvalidParams", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory("beta"))
	r.Register("alpha", stubFactory("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(*Params) {}, true},
		{"zero max contract", func(p *Params) { p.MaxContract = 0 }, false},
		{"zero exec", func(p *Params) { p.ExecQuantity = 0 }, false},
		{"bad ema", func(p *Params) { p.EMAFast = 0 }, false},
		{"negative sl", func(p *Params) { p.StopLoss = -1 }, false},
		{"bad mode", func(p *Params) { p.Mode = "sideways" }, false},
		{"negative cooldown", func(p *Params) { p.Cooldown = -time.Second }, false},
		{"reverse", func(p *Params) { p.Mode = domain.ModeReverse }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() = %v, want ErrInvalidParams", err)
			}
		})
	}
}
