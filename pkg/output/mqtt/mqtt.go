package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ericogr/printer-temperature-monitor/pkg/config"
	"github.com/ericogr/printer-temperature-monitor/pkg/output"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultDeviceName = "printer-temperature-monitor"
	publishTimeout    = 5 * time.Second
	// discovery payload keys/values
	keyName               = "name"
	keyStateTopic         = "state_topic"
	keyUnitOfMeasurement  = "unit_of_measurement"
	keyDeviceClass        = "device_class"
	keyStateClass         = "state_class"
	keyValueTemplate      = "value_template"
	keyUniqueID           = "unique_id"
	keyDevice             = "device"
	unitCelsius           = "°C"
	deviceClassTemp       = "temperature"
	stateClassMeasurement = "measurement"
	valueTemplateJSON     = "{{ value_json.temperature }}"
	valueTemplatePlain    = "{{ value }}"
)

// publisher is the part of the paho client the output needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options identify the node in discovery documents and the default client id.
type Options struct {
	DeviceName string
	Version    string
	Logger     *slog.Logger
}

type MQTTOutput struct {
	client publisher
	cfg    config.MQTTConfig
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	streams []output.Stream // last announced, re-sent on every connect
}

func NewMQTT(cfg config.MQTTConfig, opts Options) (*MQTTOutput, error) {
	cfg, opts = withDefaults(cfg, opts)
	mopts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		mopts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		mopts.SetPassword(cfg.Password)
	}
	out := newMQTTOutput(nil, cfg, opts)
	// handlers run on paho's goroutine and must not wait on tokens
	mopts.SetOnConnectHandler(func(mqtt.Client) { go out.onConnect() })
	client := mqtt.NewClient(mopts)
	out.client = client
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		opts.Logger.Warn("mqtt connect pending, will keep retrying", "server", cfg.Server)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return out, nil
}

func newMQTTOutput(client publisher, cfg config.MQTTConfig, opts Options) *MQTTOutput {
	cfg, opts = withDefaults(cfg, opts)
	return &MQTTOutput{
		client: client,
		cfg:    cfg,
		opts:   opts,
		log:    opts.Logger.With("component", "mqtt", "server", cfg.Server),
	}
}

func withDefaults(cfg config.MQTTConfig, opts Options) (config.MQTTConfig, Options) {
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDeviceName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = opts.DeviceName + "-" + uuid.NewString()[:8]
	}
	if cfg.PayloadFormat == "" {
		cfg.PayloadFormat = config.PayloadJSON
	}
	return cfg, opts
}

func (m *MQTTOutput) Publish(meas output.Measurement) error {
	payload, err := encodePayload(m.cfg.PayloadFormat, meas)
	if err != nil {
		return err
	}
	return m.PublishRaw(stateTopic(m.cfg.TopicPrefix, meas.Topic), payload, m.cfg.Retain)
}

// Announce publishes a retained Home Assistant discovery document for each
// stream. It is a no-op unless a discovery topic is configured; the topic
// takes the stream key as a %s verb. The list is kept and announced again
// whenever the client (re)connects. A failing stream does not stop the others.
func (m *MQTTOutput) Announce(streams []output.Stream) error {
	if m.cfg.DiscoveryTopic == "" {
		return nil
	}
	m.mu.Lock()
	m.streams = append([]output.Stream(nil), streams...)
	m.mu.Unlock()
	return m.announce(streams)
}

func (m *MQTTOutput) announce(streams []output.Stream) error {
	var errs []error
	for _, s := range streams {
		b, err := json.Marshal(m.discoveryPayload(s))
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt discovery %s: %w", s.Key, err))
			continue
		}
		topic := discoveryTopic(m.cfg.DiscoveryTopic, s.Key)
		if err := m.PublishRaw(topic, b, true); err != nil {
			errs = append(errs, fmt.Errorf("mqtt discovery %s: %w", s.Key, err))
			continue
		}
		m.log.Debug("discovery published", "topic", topic)
	}
	return errors.Join(errs...)
}

// onConnect re-sends the discovery documents of the last announced streams.
func (m *MQTTOutput) onConnect() error {
	if m.cfg.DiscoveryTopic == "" {
		return nil
	}
	m.mu.Lock()
	streams := append([]output.Stream(nil), m.streams...)
	m.mu.Unlock()
	m.log.Info("connected", "streams", len(streams))
	err := m.announce(streams)
	if err != nil {
		m.log.Warn("discovery after connect failed", "err", err)
	}
	return err
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, m.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

func encodePayload(format string, meas output.Measurement) ([]byte, error) {
	switch format {
	case config.PayloadPlain:
		return []byte(strconv.FormatFloat(meas.Celsius, 'f', 2, 64)), nil
	case config.PayloadCBOR:
		return cbor.Marshal(meas)
	case config.PayloadJSON, "":
		return json.Marshal(meas)
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// helper: prefix a stream topic
func stateTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// helper: format a discovery topic for a stream using an optional formatter.
// Characters Home Assistant rejects in object ids are replaced.
func discoveryTopic(base, key string) string {
	if !strings.Contains(base, "%s") {
		return base
	}
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
	return fmt.Sprintf(base, id)
}

// helper: build a human-friendly discovery name
func (m *MQTTOutput) discoveryName(s output.Stream) string {
	name := m.cfg.DiscoveryName
	if name == "" {
		name = m.opts.DeviceName
	}
	if s.Name != "" {
		return fmt.Sprintf("%s %s", name, s.Name)
	}
	return fmt.Sprintf("%s %s", name, s.Key)
}

// helper: build a unique id for discovery
func (m *MQTTOutput) discoveryUniqueID(s output.Stream) string {
	uid := m.cfg.DiscoveryUniqueID
	if uid == "" {
		uid = m.opts.DeviceName
	}
	return fmt.Sprintf("%s_%s", uid, s.Key)
}

func (m *MQTTOutput) discoveryPayload(s output.Stream) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:              m.discoveryName(s),
		keyStateTopic:        stateTopic(m.cfg.TopicPrefix, s.Topic),
		keyUnitOfMeasurement: unitCelsius,
		keyDeviceClass:       deviceClassTemp,
		keyStateClass:        stateClassMeasurement,
		keyUniqueID:          m.discoveryUniqueID(s),
		keyDevice: map[string]interface{}{
			"identifiers": []string{m.opts.DeviceName},
			"name":        m.opts.DeviceName,
			"sw_version":  m.opts.Version,
		},
	}
	switch m.cfg.PayloadFormat {
	case config.PayloadJSON:
		payload[keyValueTemplate] = valueTemplateJSON
	case config.PayloadPlain:
		payload[keyValueTemplate] = valueTemplatePlain
	}
	return payload
}
