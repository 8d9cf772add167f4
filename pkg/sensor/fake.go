package sensor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"
)

var ErrSimulatedFailure = errors.New("simulated read failure")

// FakeOptions tune the simulated thermometers.
type FakeOptions struct {
	Start       float64 // starting temperature, °C
	Step        float64 // max change per sample, °C
	FailureRate float64 // probability of a failed read, 0..1
	Seed        int64
}

func DefaultFakeOptions() FakeOptions {
	return FakeOptions{Start: 21.0, Step: 0.15, FailureRate: 0.02, Seed: time.Now().UnixNano()}
}

// FakeSensor simulates either the internal thermometer or a set of 1-wire
// thermometers with a bounded random walk.
type FakeSensor struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	opts     FakeOptions
	internal bool
	addrs    []onewire.Address
	values   []float64
	now      func() time.Time
}

func NewFakeInternal(opts FakeOptions) *FakeSensor {
	return newFake(opts, true, nil)
}

// NewFakeExternal simulates n DS18B20s with made-up addresses.
func NewFakeExternal(n int, opts FakeOptions) *FakeSensor {
	if n < 0 {
		n = 0
	}
	addrs := make([]onewire.Address, n)
	for i := range addrs {
		addrs[i] = onewire.Address(uint64(i+1)<<8 | familyDS18B20)
	}
	return newFake(opts, false, addrs)
}

func newFake(opts FakeOptions, internal bool, addrs []onewire.Address) *FakeSensor {
	n := len(addrs)
	if internal {
		n = 1
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = opts.Start
	}
	return &FakeSensor{
		rnd:      rand.New(rand.NewSource(opts.Seed)),
		opts:     opts,
		internal: internal,
		addrs:    addrs,
		values:   values,
		now:      time.Now,
	}
}

func (f *FakeSensor) Addresses() []onewire.Address {
	return append([]onewire.Address(nil), f.addrs...)
}

func (f *FakeSensor) Sample(ctx context.Context) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.now()
	out := make([]Event, 0, len(f.values))
	for i := range f.values {
		r := Reading{Timestamp: ts}
		if f.rnd.Float64() < f.opts.FailureRate {
			r.Celsius = math.NaN()
			r.Err = ErrSimulatedFailure
		} else {
			f.values[i] += (f.rnd.Float64()*2 - 1) * f.opts.Step
			// 1/16 °C steps like the real chips
			r.Celsius = math.Round(f.values[i]*16) / 16
		}
		if f.internal {
			out = append(out, InternalUpdate{r})
		} else {
			out = append(out, ExternalUpdate{Address: f.addrs[i], Reading: r})
		}
	}
	return out
}

func (f *FakeSensor) Close() error { return nil }
