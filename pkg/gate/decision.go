package gate

import (
	"math"
	"time"
)

// thresholdEpsilon absorbs float64 rounding so a decimal step equal to the
// threshold (20.0 -> 20.2 at 0.2) publishes.
const thresholdEpsilon = 1e-9

type Decision uint8

const (
	Suppress Decision = iota
	Publish
)

func (d Decision) String() string {
	switch d {
	case Publish:
		return "publish"
	default:
		return "suppress"
	}
}

// Observation is a single sample of a stream: either a value or a failed
// read. A non-finite Value counts as a failed read whatever OK says.
type Observation struct {
	Value float64
	OK    bool
}

// Valid reports whether o carries a usable value.
func (o Observation) Valid() bool {
	return o.OK && !math.IsNaN(o.Value) && !math.IsInf(o.Value, 0)
}

// Value returns a successful observation. NaN and infinities are treated as
// failed reads.
func Value(v float64) Observation {
	return Observation{Value: v, OK: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// Failed returns the observation for a sensor read that produced no value.
func Failed() Observation { return Observation{Value: math.NaN()} }

// State is the remembered publication state of one stream.
type State struct {
	// LastPublished is NaN while unknown: at start and after a failed read.
	LastPublished float64
	// Deadline is the time at or after which a publish is forced. It only
	// moves forward, and only when a value is published.
	Deadline time.Duration
}

func NewState() State { return State{LastPublished: math.NaN()} }

func (s State) Known() bool { return !math.IsNaN(s.LastPublished) }

// Decide is the pure decision function behind Gate.Evaluate.
func Decide(p Policy, s State, obs Observation, now time.Duration) Decision {
	if !obs.Valid() {
		return Suppress
	}
	if !s.Known() {
		return Publish
	}
	if math.Abs(obs.Value-s.LastPublished) >= p.ChangeThreshold-thresholdEpsilon {
		return Publish
	}
	if now >= s.Deadline {
		return Publish
	}
	return Suppress
}

// Next returns the state after obs was evaluated with decision d.
func (s State) Next(p Policy, obs Observation, d Decision, now time.Duration) State {
	switch {
	case !obs.Valid():
		s.LastPublished = math.NaN()
	case d == Publish:
		s.LastPublished = obs.Value
		if next := now + p.MaxSilence; next > s.Deadline {
			s.Deadline = next
		}
	}
	return s
}
