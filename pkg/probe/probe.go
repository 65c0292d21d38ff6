// Package probe defines how a scenario is measured. A Probe turns the
// parameters of one fire into raw measurements; the engine never looks
// inside.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/scenario"
)

// ErrProbe matches every *Error with errors.Is.
var ErrProbe = errors.New("probe failed")

// Error reports a failed measurement.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe failed: %s: %v", e.Reason, e.Err)
	}
	return "probe failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrProbe }

// Failf builds an *Error with a formatted reason.
func Failf(err error, format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Measurement is one named raw value in its probe-native unit.
type Measurement struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Probe measures one fire of a scenario.
type Probe interface {
	Run(ctx context.Context, scenarioID string, params scenario.Parameters) ([]Measurement, error)
}

// Func adapts a function to Probe.
type Func func(ctx context.Context, scenarioID string, params scenario.Parameters) ([]Measurement, error)

func (f Func) Run(ctx context.Context, scenarioID string, params scenario.Parameters) ([]Measurement, error) {
	return f(ctx, scenarioID, params)
}

// Registry selects a probe by protocol.
type Registry struct {
	mu     sync.RWMutex
	probes map[scenario.Protocol]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[scenario.Protocol]Probe)}
}

// Register installs p for protocol, replacing any previous probe.
func (r *Registry) Register(protocol scenario.Protocol, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[protocol] = p
}

// For returns the probe of protocol, or an *Error when none is registered.
func (r *Registry) For(protocol scenario.Protocol) (Probe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[protocol]
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("no probe registered for protocol %q", protocol)}
	}
	return p, nil
}
