// Package gate decides, per sensor stream, whether a freshly observed value
// is worth publishing. A value is published when it moved at least the
// stream's change threshold away from the last published value, or when the
// stream has been silent for its maximum silence interval.
//
// The gate never publishes anything itself; callers hand the value to their
// transport when Evaluate returns Publish.
package gate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownStream   = errors.New("unknown stream")
	ErrDuplicateStream = errors.New("stream already registered")
	ErrInvalidPolicy   = errors.New("invalid publication policy")
)

// Key identifies a stream for the lifetime of the process, e.g. "internal"
// or the hex address of a 1-wire thermometer.
type Key string

// Policy is the per-stream publication configuration.
type Policy struct {
	// ChangeThreshold is the minimum absolute change that forces a publish.
	// Zero publishes every valid sample.
	ChangeThreshold float64
	// MaxSilence bounds the time between two publishes of the stream.
	MaxSilence time.Duration
}

func (p Policy) Validate() error {
	if p.ChangeThreshold < 0 || math.IsNaN(p.ChangeThreshold) || math.IsInf(p.ChangeThreshold, 0) {
		return fmt.Errorf("%w: change threshold %v", ErrInvalidPolicy, p.ChangeThreshold)
	}
	if p.MaxSilence <= 0 {
		return fmt.Errorf("%w: max silence %v", ErrInvalidPolicy, p.MaxSilence)
	}
	return nil
}

type stream struct {
	mu     sync.Mutex
	policy Policy
	state  State
}

// Gate owns the publication state of a set of streams. Streams are updated
// independently; calls for the same stream are serialized.
type Gate struct {
	mu       sync.RWMutex
	streams  map[Key]*stream
	fallback *Policy
}

type Option func(*Gate)

// WithDefaultPolicy makes Evaluate create unknown streams on first use with
// the given policy instead of rejecting them.
func WithDefaultPolicy(p Policy) Option {
	return func(g *Gate) { g.fallback = &p }
}

func New(opts ...Option) *Gate {
	g := &Gate{streams: make(map[Key]*stream)}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register adds a stream with its policy. Registering at startup is
// preferred over lazy creation so configuration mistakes surface early.
func (g *Gate) Register(key Key, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("register %q: %w", key, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.streams[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStream, key)
	}
	g.streams[key] = &stream{policy: p, state: NewState()}
	return nil
}

// Evaluate applies one observation to the stream identified by key and
// reports whether the value must be published now. State changes only on a
// publish (value and deadline advance) or on a failed read (the remembered
// value is forgotten).
func (g *Gate) Evaluate(key Key, obs Observation, now time.Duration) (Decision, error) {
	s, err := g.lookup(key)
	if err != nil {
		return Suppress, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Decide(s.policy, s.state, obs, now)
	s.state = s.state.Next(s.policy, obs, d, now)
	return d, nil
}

// State returns a copy of the stream's current state.
func (g *Gate) State(key Key) (State, bool) {
	g.mu.RLock()
	s, ok := g.streams[key]
	g.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

func (g *Gate) Policy(key Key) (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.streams[key]
	if !ok {
		return Policy{}, false
	}
	return s.policy, true
}

// Keys returns the registered stream keys in sorted order.
func (g *Gate) Keys() []Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]Key, 0, len(g.streams))
	for k := range g.streams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (g *Gate) lookup(key Key) (*stream, error) {
	g.mu.RLock()
	s, ok := g.streams[key]
	g.mu.RUnlock()
	if ok {
		return s, nil
	}
	if g.fallback == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, key)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.streams[key]; ok {
		return s, nil
	}
	s = &stream{policy: *g.fallback, state: NewState()}
	g.streams[key] = s
	return s, nil
}
