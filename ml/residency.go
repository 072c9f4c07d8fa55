package ml

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Residency is where a module's weights currently live.
type Residency int

const (
	Host Residency = iota
	Device
)

func (r Residency) String() string {
	switch r {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

// Relocatable is implemented by modules whose weights can move between
// host memory and the accelerator.
type Relocatable interface {
	MoveTo(ctx context.Context, r Residency) error
}

// Transition records a completed relocation.
type Transition struct {
	Module string
	From   Residency
	To     Residency
}

// Placement tracks the residency of named modules. Every module starts on
// the host. All relocation goes through Relocate so the recorded state
// matches what was asked of each module.
type Placement struct {
	mu        sync.Mutex
	state     map[string]Residency
	observers []func(Transition)
}

func NewPlacement() *Placement {
	return &Placement{state: make(map[string]Residency)}
}

func (p *Placement) Residency(module string) Residency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[module]
}

// Observe registers fn to be called after every transition.
func (p *Placement) Observe(fn func(Transition)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Relocate moves m to target unless it is already there and returns where
// the module lives afterward. On failure the module stays where it was.
func (p *Placement) Relocate(ctx context.Context, module string, m Relocatable, target Residency) (Residency, error) {
	p.mu.Lock()
	from := p.state[module]
	p.mu.Unlock()

	if from == target {
		return target, nil
	}

	if err := m.MoveTo(ctx, target); err != nil {
		return from, fmt.Errorf("move %s to %s: %w", module, target, err)
	}

	p.mu.Lock()
	p.state[module] = target
	observers := p.observers
	p.mu.Unlock()

	slog.Debug("relocated", "module", module, "from", from, "to", target)
	for _, fn := range observers {
		fn(Transition{Module: module, From: from, To: target})
	}
	return target, nil
}
