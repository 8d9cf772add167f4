// Package dutycycle moves a sensor from a fast sampling interval used right
// after power-up (the service window, handy while commissioning) to a slow
// steady-state interval that saves power. The transition happens exactly once.
package dutycycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults match the node's factory configuration.
const (
	DefaultServiceWindow   = 10 * time.Minute
	DefaultServiceInterval = 5 * time.Second
	DefaultNormalInterval  = 1 * time.Minute
)

var ErrInvalidInterval = errors.New("invalid duty-cycle interval")

// Mode is the sampling regime of a governed sensor.
type Mode uint8

const (
	ModeService Mode = iota
	ModeNormal
)

func (m Mode) String() string {
	switch m {
	case ModeService:
		return "service"
	case ModeNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// Target is the sensor whose sampling interval is governed.
type Target interface {
	SetInterval(d time.Duration)
}

type Config struct {
	ServiceWindow   time.Duration
	ServiceInterval time.Duration
	NormalInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServiceWindow:   DefaultServiceWindow,
		ServiceInterval: DefaultServiceInterval,
		NormalInterval:  DefaultNormalInterval,
	}
}

func (c Config) Validate() error {
	if c.ServiceWindow <= 0 {
		return fmt.Errorf("%w: service window %v", ErrInvalidInterval, c.ServiceWindow)
	}
	if c.ServiceInterval <= 0 {
		return fmt.Errorf("%w: service interval %v", ErrInvalidInterval, c.ServiceInterval)
	}
	if c.NormalInterval <= 0 {
		return fmt.Errorf("%w: normal interval %v", ErrInvalidInterval, c.NormalInterval)
	}
	return nil
}

// Controller is a two-state machine, Service then Normal. The timer is only
// a trigger; the controller owns the mode.
type Controller struct {
	mu       sync.Mutex
	name     string
	cfg      Config
	target   Target
	mode     Mode
	timer    Timer
	onChange func(name string, m Mode)
	log      *slog.Logger
}

// New creates a controller in Service mode. It does not touch the target
// until Start is called.
func New(name string, cfg Config, target Target, log *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		name:   name,
		cfg:    cfg,
		target: target,
		mode:   ModeService,
		log:    log.With("component", "dutycycle", "sensor", name),
	}, nil
}

// OnModeChange registers a callback invoked after the transition to Normal.
func (c *Controller) OnModeChange(fn func(name string, m Mode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Start applies the service interval and arms the one-shot timer. Starting a
// controller that is already armed or already Normal does nothing.
func (c *Controller) Start(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeService || c.timer != nil {
		return
	}
	c.target.SetInterval(c.cfg.ServiceInterval)
	c.timer = s.AfterFunc(c.cfg.ServiceWindow, c.ServiceWindowElapsed)
	c.log.Debug("service window armed", "window", c.cfg.ServiceWindow, "interval", c.cfg.ServiceInterval)
}

// ServiceWindowElapsed switches the target to the normal interval and
// retires the timer. Later calls are no-ops.
func (c *Controller) ServiceWindowElapsed() {
	c.mu.Lock()
	if c.mode == ModeNormal {
		c.mu.Unlock()
		return
	}
	c.mode = ModeNormal
	c.target.SetInterval(c.cfg.NormalInterval)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	fn := c.onChange
	c.mu.Unlock()

	c.log.Info("switched to normal mode", "interval", c.cfg.NormalInterval)
	if fn != nil {
		fn(c.name, ModeNormal)
	}
}

// Cancel disarms a pending timer, e.g. on shutdown. The mode is left as is.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
