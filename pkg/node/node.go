// Package node is the sensor node's event loop. It receives sensor updates,
// asks the publication gate whether each value is worth sending, hands the
// values that are to the outputs and keeps the local display current.
//
// All updates are handled one at a time on the goroutine running Run.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/ericogr/printer-temperature-monitor/pkg/display"
	"github.com/ericogr/printer-temperature-monitor/pkg/dutycycle"
	"github.com/ericogr/printer-temperature-monitor/pkg/gate"
	"github.com/ericogr/printer-temperature-monitor/pkg/metrics"
	"github.com/ericogr/printer-temperature-monitor/pkg/output"
	"github.com/ericogr/printer-temperature-monitor/pkg/sensor"
)

// InternalKey is the stream key of the on-board thermometer.
const InternalKey gate.Key = "internal"

const eventQueueSize = 32

// StreamSpec configures the internal stream.
type StreamSpec struct {
	Name   string
	Topic  string
	Policy gate.Policy
}

// ExternalSpec configures every 1-wire thermometer stream. TopicFormat
// receives the device address as a %x verb.
type ExternalSpec struct {
	Name        string
	TopicFormat string
	Policy      gate.Policy
}

type NamedOutput struct {
	Name string
	output.Output
}

// Renderer shows the latest values locally.
type Renderer interface {
	Render([]display.Panel) error
}

type Options struct {
	Internal        *StreamSpec
	External        *ExternalSpec
	Outputs         []NamedOutput
	Display         Renderer
	DisplayInterval time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	// Start is the origin of the gate's clock; defaults to time.Now().
	Start time.Time
}

type streamInfo struct {
	name  string
	topic string
}

type Node struct {
	gate     *gate.Gate
	internal *StreamSpec
	external *ExternalSpec
	streams  map[gate.Key]streamInfo
	outputs  []NamedOutput
	display  Renderer
	interval time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	start    time.Time
	events   chan sensor.Event
}

func New(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	var gopts []gate.Option
	if opts.External != nil {
		// thermometers plugged in after start-up get the external policy
		gopts = append(gopts, gate.WithDefaultPolicy(opts.External.Policy))
	}
	n := &Node{
		gate:     gate.New(gopts...),
		internal: opts.Internal,
		external: opts.External,
		streams:  make(map[gate.Key]streamInfo),
		outputs:  opts.Outputs,
		display:  opts.Display,
		interval: opts.DisplayInterval,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "node"),
		start:    opts.Start,
		events:   make(chan sensor.Event, eventQueueSize),
	}
	if n.internal != nil {
		if err := n.gate.Register(InternalKey, n.internal.Policy); err != nil {
			return nil, err
		}
		n.streams[InternalKey] = streamInfo{name: n.internal.Name, topic: n.internal.Topic}
	}
	if n.external != nil {
		if err := n.external.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("external: %w", err)
		}
	}
	return n, nil
}

// RegisterExternal registers the thermometers found at start-up.
func (n *Node) RegisterExternal(addrs []onewire.Address) error {
	if n.external == nil {
		return fmt.Errorf("external thermometers disabled")
	}
	for _, a := range addrs {
		key := ExternalKey(a)
		if err := n.gate.Register(key, n.external.Policy); err != nil {
			return err
		}
		n.streams[key] = n.externalInfo(a)
	}
	return nil
}

// ExternalKey is the stream key of a 1-wire thermometer.
func ExternalKey(a onewire.Address) gate.Key {
	return gate.Key(sensor.FormatAddress(a))
}

func (n *Node) externalInfo(a onewire.Address) streamInfo {
	return streamInfo{name: n.external.Name, topic: fmt.Sprintf(n.external.TopicFormat, uint64(a))}
}

// Streams lists the registered streams, internal first.
func (n *Node) Streams() []output.Stream {
	var out []output.Stream
	for _, k := range n.orderedKeys() {
		info := n.streams[k]
		out = append(out, output.Stream{Key: string(k), Name: info.name, Topic: info.topic})
	}
	return out
}

// Announce advertises the registered streams on every output that supports
// it. Failures are logged; announcing is best effort. It is called again
// whenever a stream is added at run time.
func (n *Node) Announce() {
	streams := n.Streams()
	for _, o := range n.outputs {
		a, ok := o.Output.(output.Announcer)
		if !ok {
			continue
		}
		if err := a.Announce(streams); err != nil {
			n.log.Warn("announce failed", "output", o.Name, "err", err)
		}
	}
}

// Events is where pollers deliver sensor updates.
func (n *Node) Events() chan<- sensor.Event { return n.events }

// Gate exposes the publication state, mostly for inspection.
func (n *Node) Gate() *gate.Gate { return n.gate }

// Run handles events until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if n.display != nil && n.interval > 0 {
		t := time.NewTicker(n.interval)
		defer t.Stop()
		tick = t.C
	}
	n.refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-n.events:
			sensor.Dispatch(e, n)
		case <-tick:
			n.refresh()
		}
	}
}

func (n *Node) HandleInternal(u sensor.InternalUpdate) {
	if n.internal == nil {
		return
	}
	n.handle(InternalKey, u.Reading)
}

func (n *Node) HandleExternal(u sensor.ExternalUpdate) {
	if n.external == nil {
		return
	}
	key := ExternalKey(u.Address)
	if _, ok := n.streams[key]; !ok {
		if err := n.gate.Register(key, n.external.Policy); err != nil && !errors.Is(err, gate.ErrDuplicateStream) {
			n.log.Warn("register failed", "stream", key, "err", err)
			return
		}
		n.streams[key] = n.externalInfo(u.Address)
		n.log.Info("new thermometer", "stream", key)
		n.Announce()
	}
	n.handle(key, u.Reading)
}

func (n *Node) handle(key gate.Key, r sensor.Reading) {
	obs := gate.Value(r.Celsius)
	if r.Err != nil {
		obs = gate.Failed()
	}
	now := r.Timestamp.Sub(n.start)
	if now < 0 {
		now = 0
	}
	d, err := n.gate.Evaluate(key, obs, now)
	if err != nil {
		n.log.Warn("evaluate failed", "stream", key, "err", err)
		return
	}
	if n.metrics != nil {
		n.metrics.Decisions.WithLabelValues(string(key), d.String()).Inc()
	}
	if !obs.Valid() {
		n.log.Warn("sensor read failed", "stream", key, "err", r.Err)
		if n.metrics != nil {
			n.metrics.ReadFailures.WithLabelValues(string(key)).Inc()
		}
		n.refresh()
		return
	}
	if d != gate.Publish {
		n.log.Debug("suppressed", "stream", key, "celsius", r.Celsius)
		return
	}
	n.publish(key, r)
	n.refresh()
}

func (n *Node) publish(key gate.Key, r sensor.Reading) {
	info := n.streams[key]
	m := output.Measurement{
		Stream:    string(key),
		Name:      info.name,
		Topic:     info.topic,
		Celsius:   r.Celsius,
		Timestamp: r.Timestamp,
	}
	n.log.Info("publish", "stream", key, "topic", info.topic, "celsius", r.Celsius)
	if n.metrics != nil {
		n.metrics.LastPublished.WithLabelValues(string(key)).Set(r.Celsius)
	}
	for _, o := range n.outputs {
		if err := o.Publish(m); err != nil {
			n.log.Warn("publish failed", "output", o.Name, "stream", key, "err", err)
			if n.metrics != nil {
				n.metrics.PublishErrors.WithLabelValues(o.Name).Inc()
			}
		}
	}
}

// ObserveDutyCycle records a duty-cycle transition.
func (n *Node) ObserveDutyCycle(sensorName string, m dutycycle.Mode) {
	n.log.Info("duty cycle", "sensor", sensorName, "mode", m)
	if n.metrics == nil {
		return
	}
	v := 0.0
	if m == dutycycle.ModeNormal {
		v = 1
	}
	n.metrics.DutyCycleMode.WithLabelValues(sensorName).Set(v)
}

// Panels returns the display content: each stream's last published value.
func (n *Node) Panels() []display.Panel {
	keys := n.orderedKeys()
	externals := 0
	for _, k := range keys {
		if k != InternalKey {
			externals++
		}
	}
	panels := make([]display.Panel, 0, len(keys))
	for _, k := range keys {
		v := math.NaN()
		if st, ok := n.gate.State(k); ok {
			v = st.LastPublished
		}
		label := n.streams[k].name
		if label == "" || (k != InternalKey && externals > 1) {
			label = strings.TrimSpace(fmt.Sprintf("%s %s", label, k))
		}
		panels = append(panels, display.Panel{Label: label, Celsius: v})
	}
	return panels
}

func (n *Node) refresh() {
	if n.display == nil {
		return
	}
	if err := n.display.Render(n.Panels()); err != nil {
		n.log.Warn("display failed", "err", err)
	}
}

func (n *Node) orderedKeys() []gate.Key {
	var keys []gate.Key
	if _, ok := n.streams[InternalKey]; ok {
		keys = append(keys, InternalKey)
	}
	for _, k := range n.gate.Keys() {
		if k == InternalKey {
			continue
		}
		if _, ok := n.streams[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
