package node

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/onewire"

	"github.com/ericogr/printer-temperature-monitor/pkg/display"
	"github.com/ericogr/printer-temperature-monitor/pkg/dutycycle"
	"github.com/ericogr/printer-temperature-monitor/pkg/gate"
	"github.com/ericogr/printer-temperature-monitor/pkg/metrics"
	"github.com/ericogr/printer-temperature-monitor/pkg/output"
	"github.com/ericogr/printer-temperature-monitor/pkg/sensor"
)

type fakeOutput struct {
	mu        sync.Mutex
	published []output.Measurement
	announced []output.Stream
	err       error
}

func (f *fakeOutput) Publish(m output.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return f.err
}

func (f *fakeOutput) Announce(s []output.Stream) error {
	f.announced = append(f.announced, s...)
	return nil
}

func (f *fakeOutput) Close() error { return nil }

func (f *fakeOutput) all() []output.Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]output.Measurement(nil), f.published...)
}

type fakeRenderer struct {
	mu     sync.Mutex
	frames [][]display.Panel
}

func (r *fakeRenderer) Render(p []display.Panel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, p)
	return nil
}

func (r *fakeRenderer) last() []display.Panel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

const probe = onewire.Address(0x3c0000055fbb4f28)

var t0 = time.Date(2025, 9, 19, 12, 0, 0, 0, time.UTC)

func newNode(t *testing.T, out output.Output, r Renderer, m *metrics.Metrics) *Node {
	t.Helper()
	opts := Options{
		Internal: &StreamSpec{Name: "Inside", Topic: "thermometer/0:1/temperature",
			Policy: gate.Policy{ChangeThreshold: 0.2, MaxSilence: 15 * time.Minute}},
		External: &ExternalSpec{Name: "Outside", TopicFormat: "thermometer/%x/temperature",
			Policy: gate.Policy{ChangeThreshold: 0.5, MaxSilence: 5 * time.Minute}},
		Outputs: []NamedOutput{{Name: "fake", Output: out}},
		Metrics: m,
		Start:   t0,
	}
	if r != nil {
		opts.Display = r
	}
	n, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, n.RegisterExternal([]onewire.Address{probe}))
	return n
}

func internalAt(c float64, at time.Duration) sensor.InternalUpdate {
	return sensor.InternalUpdate{Reading: sensor.Reading{Celsius: c, Timestamp: t0.Add(at)}}
}

func externalAt(a onewire.Address, c float64, at time.Duration) sensor.ExternalUpdate {
	return sensor.ExternalUpdate{Address: a, Reading: sensor.Reading{Celsius: c, Timestamp: t0.Add(at)}}
}

func TestPublishesThroughGate(t *testing.T) {
	out := &fakeOutput{}
	m := metrics.New()
	n := newNode(t, out, nil, m)

	n.HandleInternal(internalAt(20.0, 0))
	n.HandleInternal(internalAt(20.1, 5*time.Second))
	n.HandleInternal(internalAt(20.3, 10*time.Second))
	n.HandleInternal(internalAt(20.3, 15*time.Minute+10*time.Second))

	got := out.all()
	require.Len(t, got, 3)
	assert.Equal(t, "internal", got[0].Stream)
	assert.Equal(t, "Inside", got[0].Name)
	assert.Equal(t, "thermometer/0:1/temperature", got[0].Topic)
	assert.Equal(t, 20.0, got[0].Celsius)
	assert.Equal(t, 20.3, got[1].Celsius)
	assert.Equal(t, t0.Add(15*time.Minute+10*time.Second), got[2].Timestamp)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Decisions.WithLabelValues("internal", "publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("internal", "suppress")))
	assert.Equal(t, 20.3, testutil.ToFloat64(m.LastPublished.WithLabelValues("internal")))
}

func TestExternalStreamsAreIndependent(t *testing.T) {
	out := &fakeOutput{}
	n := newNode(t, out, nil, nil)
	other := onewire.Address(0x0100000000000028)

	n.HandleExternal(externalAt(probe, 10.0, 0))
	n.HandleExternal(externalAt(other, 10.0, 0))
	n.HandleExternal(externalAt(probe, 10.25, time.Second))
	n.HandleExternal(externalAt(other, 10.5, time.Second))

	got := out.all()
	require.Len(t, got, 3)
	assert.Equal(t, "thermometer/3c0000055fbb4f28/temperature", got[0].Topic)
	assert.Equal(t, "thermometer/100000000000028/temperature", got[1].Topic)
	assert.Equal(t, "100000000000028", got[2].Stream)
	assert.Equal(t, 10.5, got[2].Celsius)

	p, ok := n.Gate().Policy(ExternalKey(other))
	require.True(t, ok)
	assert.Equal(t, 0.5, p.ChangeThreshold)
}

func TestFailedReadSuppressesAndResets(t *testing.T) {
	out := &fakeOutput{}
	m := metrics.New()
	n := newNode(t, out, nil, m)

	n.HandleExternal(externalAt(probe, 21.0, 0))
	failed := externalAt(probe, 85.0, time.Second)
	failed.Err = errors.New("crc mismatch")
	n.HandleExternal(failed)
	n.HandleExternal(externalAt(probe, 21.0, 2*time.Second))

	got := out.all()
	require.Len(t, got, 2)
	assert.Equal(t, 21.0, got[1].Celsius)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadFailures.WithLabelValues(string(ExternalKey(probe)))))
}

func TestOutputErrorsAreAbsorbed(t *testing.T) {
	out := &fakeOutput{err: errors.New("broker down")}
	m := metrics.New()
	n := newNode(t, out, nil, m)

	n.HandleInternal(internalAt(20, 0))
	n.HandleInternal(internalAt(20, time.Second))
	st, ok := n.Gate().State(InternalKey)
	require.True(t, ok)
	assert.Equal(t, 20.0, st.LastPublished)
	assert.Len(t, out.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("fake")))
}

func TestPanels(t *testing.T) {
	r := &fakeRenderer{}
	n := newNode(t, &fakeOutput{}, r, nil)

	panels := n.Panels()
	require.Len(t, panels, 2)
	assert.Equal(t, "Inside", panels[0].Label)
	assert.True(t, math.IsNaN(panels[0].Celsius))
	assert.Equal(t, "Outside", panels[1].Label)

	n.HandleInternal(internalAt(22.5, 0))
	last := r.last()
	require.Len(t, last, 2)
	assert.Equal(t, 22.5, last[0].Celsius)

	n.HandleExternal(externalAt(onewire.Address(0x0200000000000028), 3, 0))
	last = r.last()
	require.Len(t, last, 3)
	assert.Equal(t, "Outside 200000000000028", last[1].Label)
	assert.Equal(t, "Outside 3c0000055fbb4f28", last[2].Label)
}

func TestAnnounce(t *testing.T) {
	out := &fakeOutput{}
	n := newNode(t, out, nil, nil)
	n.Announce()
	require.Len(t, out.announced, 2)
	assert.Equal(t, output.Stream{Key: "internal", Name: "Inside", Topic: "thermometer/0:1/temperature"}, out.announced[0])
	assert.Equal(t, "thermometer/3c0000055fbb4f28/temperature", out.announced[1].Topic)
}

func TestNewThermometerIsAnnounced(t *testing.T) {
	out := &fakeOutput{}
	n := newNode(t, out, nil, nil)
	n.Announce()
	require.Len(t, out.announced, 2)

	late := onewire.Address(0x0200000000000028)
	n.HandleExternal(externalAt(late, 5, 0))
	require.Len(t, out.announced, 5)
	assert.Equal(t, "internal", out.announced[2].Key)
	assert.Equal(t, "200000000000028", out.announced[3].Key)
	assert.Equal(t, "thermometer/200000000000028/temperature", out.announced[3].Topic)
	assert.Equal(t, "3c0000055fbb4f28", out.announced[4].Key)

	// already known streams are not announced again
	n.HandleExternal(externalAt(late, 9, time.Second))
	assert.Len(t, out.announced, 5)
}

func TestDisabledStreamsIgnored(t *testing.T) {
	out := &fakeOutput{}
	n, err := New(Options{Outputs: []NamedOutput{{Name: "fake", Output: out}}, Start: t0})
	require.NoError(t, err)
	n.HandleInternal(internalAt(20, 0))
	n.HandleExternal(externalAt(probe, 20, 0))
	assert.Empty(t, out.all())
	assert.Error(t, n.RegisterExternal([]onewire.Address{probe}))
}

func TestInvalidPolicy(t *testing.T) {
	_, err := New(Options{Internal: &StreamSpec{Policy: gate.Policy{ChangeThreshold: -1, MaxSilence: time.Second}}})
	assert.ErrorIs(t, err, gate.ErrInvalidPolicy)
	_, err = New(Options{External: &ExternalSpec{Policy: gate.Policy{ChangeThreshold: 1}}})
	assert.ErrorIs(t, err, gate.ErrInvalidPolicy)
}

func TestObserveDutyCycle(t *testing.T) {
	m := metrics.New()
	n := newNode(t, &fakeOutput{}, nil, m)
	n.ObserveDutyCycle("ds18b20", dutycycle.ModeNormal)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DutyCycleMode.WithLabelValues("ds18b20")))
}

func TestRunDispatchesEvents(t *testing.T) {
	out := &fakeOutput{}
	n := newNode(t, out, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.Events() <- internalAt(19.0, 0)
	n.Events() <- externalAt(probe, 4.0, 0)

	require.Eventually(t, func() bool { return len(out.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
