package sensor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller samples a Sensor at an interval that can be changed while running
// and forwards the events to a single consumer.
type Poller struct {
	name   string
	sensor Sensor
	log    *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
}

func NewPoller(name string, s Sensor, interval time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{name: name, sensor: s, interval: interval, log: log.With("component", "poller", "sensor", name)}
}

func (p *Poller) Name() string { return p.name }

// SetInterval changes the sampling interval. Non-positive values are ignored
// and setting the current interval again is harmless.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == p.interval {
		return
	}
	p.interval = d
	if p.ticker != nil {
		p.ticker.Reset(d)
	}
	p.log.Debug("sampling interval changed", "interval", d)
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Run samples immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context, out chan<- Event) error {
	p.mu.Lock()
	p.ticker = time.NewTicker(p.interval)
	ticker := p.ticker
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ticker.Stop()
		p.ticker = nil
		p.mu.Unlock()
	}()

	p.poll(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, out)
		}
	}
}

func (p *Poller) poll(ctx context.Context, out chan<- Event) {
	for _, e := range p.sensor.Sample(ctx) {
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}
