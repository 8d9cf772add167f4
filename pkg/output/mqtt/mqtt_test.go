package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/printer-temperature-monitor/pkg/config"
	"github.com/ericogr/printer-temperature-monitor/pkg/output"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// pendingToken never completes, as when the broker is unreachable.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	msgs         []message
	err          error
	pending      bool
	disconnected bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.msgs = append(f.msgs, message{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if f.pending {
		return pendingToken{}
	}
	return doneToken{err: f.err}
}

func (f *fakeClient) Disconnect(uint) { f.disconnected = true }

var meas = output.Measurement{
	Stream:    "3c0000055fbb4f28",
	Name:      "Outside",
	Topic:     "thermometer/3c0000055fbb4f28/temperature",
	Celsius:   19.5,
	Timestamp: time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC),
}

func TestPublishJSON(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{TopicPrefix: "node/", QoS: 1}, Options{})
	require.NoError(t, m.Publish(meas))
	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "node/thermometer/3c0000055fbb4f28/temperature", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, 19.5, got["temperature"])
	assert.Equal(t, "3c0000055fbb4f28", got["stream"])
	assert.Equal(t, "2025-09-19T14:41:54Z", got["timestamp"])
}

func TestPublishPlainAndCBOR(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{PayloadFormat: config.PayloadPlain, Retain: true}, Options{})
	require.NoError(t, m.Publish(meas))
	assert.Equal(t, "19.50", string(client.msgs[0].payload))
	assert.True(t, client.msgs[0].retained)
	assert.Equal(t, meas.Topic, client.msgs[0].topic)

	client = &fakeClient{}
	m = newMQTTOutput(client, config.MQTTConfig{PayloadFormat: config.PayloadCBOR}, Options{})
	require.NoError(t, m.Publish(meas))
	var decoded struct {
		Stream  string  `cbor:"stream"`
		Celsius float64 `cbor:"temperature"`
	}
	require.NoError(t, cbor.Unmarshal(client.msgs[0].payload, &decoded))
	assert.Equal(t, meas.Stream, decoded.Stream)
	assert.Equal(t, 19.5, decoded.Celsius)
}

func TestPublishError(t *testing.T) {
	boom := errors.New("boom")
	m := newMQTTOutput(&fakeClient{err: boom}, config.MQTTConfig{}, Options{})
	assert.ErrorIs(t, m.Publish(meas), boom)

	_, err := encodePayload("xml", meas)
	assert.Error(t, err)
}

func TestAnnounce(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{
		DiscoveryTopic: "homeassistant/sensor/ptm_%s/config",
	}, Options{DeviceName: "printer-temperature-monitor", Version: "1.2.0"})

	streams := []output.Stream{
		{Key: "internal", Name: "Inside", Topic: "thermometer/0:1/temperature"},
		{Key: "3c0000055fbb4f28", Topic: "thermometer/3c0000055fbb4f28/temperature"},
	}
	require.NoError(t, m.Announce(streams))
	require.Len(t, client.msgs, 2)

	assert.Equal(t, "homeassistant/sensor/ptm_internal/config", client.msgs[0].topic)
	assert.True(t, client.msgs[0].retained)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &doc))
	assert.Equal(t, "printer-temperature-monitor Inside", doc[keyName])
	assert.Equal(t, "thermometer/0:1/temperature", doc[keyStateTopic])
	assert.Equal(t, unitCelsius, doc[keyUnitOfMeasurement])
	assert.Equal(t, deviceClassTemp, doc[keyDeviceClass])
	assert.Equal(t, valueTemplateJSON, doc[keyValueTemplate])
	assert.Equal(t, "printer-temperature-monitor_internal", doc[keyUniqueID])
	device := doc[keyDevice].(map[string]interface{})
	assert.Equal(t, "1.2.0", device["sw_version"])

	require.NoError(t, json.Unmarshal(client.msgs[1].payload, &doc))
	assert.Equal(t, "printer-temperature-monitor 3c0000055fbb4f28", doc[keyName])
}

func TestAnnounceContinuesAfterTimeout(t *testing.T) {
	client := &fakeClient{pending: true}
	m := newMQTTOutput(client, config.MQTTConfig{
		DiscoveryTopic: "homeassistant/sensor/%s/config",
	}, Options{})

	streams := []output.Stream{
		{Key: "internal", Name: "Inside", Topic: "thermometer/0:1/temperature"},
		{Key: "3c0000055fbb4f28", Topic: "thermometer/3c0000055fbb4f28/temperature"},
		{Key: "100000000000028", Topic: "thermometer/100000000000028/temperature"},
	}
	err := m.Announce(streams)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt discovery internal")
	assert.Contains(t, err.Error(), "mqtt discovery 100000000000028")
	require.Len(t, client.msgs, 3)
	assert.Equal(t, "homeassistant/sensor/100000000000028/config", client.msgs[2].topic)
}

func TestReannounceOnConnect(t *testing.T) {
	client := &fakeClient{pending: true}
	m := newMQTTOutput(client, config.MQTTConfig{
		DiscoveryTopic: "homeassistant/sensor/%s/config",
	}, Options{})

	streams := []output.Stream{
		{Key: "internal", Topic: "thermometer/0:1/temperature"},
		{Key: "3c0000055fbb4f28", Topic: "thermometer/3c0000055fbb4f28/temperature"},
	}
	require.Error(t, m.Announce(streams))

	// broker becomes reachable
	client.pending = false
	client.msgs = nil
	require.NoError(t, m.onConnect())
	require.Len(t, client.msgs, 2)
	assert.Equal(t, "homeassistant/sensor/internal/config", client.msgs[0].topic)
	assert.Equal(t, "homeassistant/sensor/3c0000055fbb4f28/config", client.msgs[1].topic)
	assert.True(t, client.msgs[1].retained)

	// a later announce replaces the list sent on reconnect
	require.NoError(t, m.Announce(streams[:1]))
	client.msgs = nil
	require.NoError(t, m.onConnect())
	require.Len(t, client.msgs, 1)
}

func TestOnConnectWithoutDiscovery(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{}, Options{})
	require.NoError(t, m.onConnect())
	assert.Empty(t, client.msgs)
}

func TestAnnounceDisabled(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{}, Options{})
	require.NoError(t, m.Announce([]output.Stream{{Key: "internal"}}))
	assert.Empty(t, client.msgs)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "a/b", stateTopic("", "a/b"))
	assert.Equal(t, "p/a/b", stateTopic("p", "/a/b"))
	assert.Equal(t, "fixed", discoveryTopic("fixed", "x"))
	assert.Equal(t, "ha/sensor/0_1/config", discoveryTopic("ha/sensor/%s/config", "0:1"))
}

func TestDefaults(t *testing.T) {
	client := &fakeClient{}
	m := newMQTTOutput(client, config.MQTTConfig{}, Options{})
	assert.Equal(t, DefaultServer, m.cfg.Server)
	assert.Equal(t, config.PayloadJSON, m.cfg.PayloadFormat)
	assert.Regexp(t, `^printer-temperature-monitor-[0-9a-f]{8}$`, m.cfg.ClientID)
	require.NoError(t, m.Close())
	assert.True(t, client.disconnected)
}
