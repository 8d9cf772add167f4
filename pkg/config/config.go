package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"

	PayloadJSON  = "json"
	PayloadCBOR  = "cbor"
	PayloadPlain = "plain"

	StreamInternal = "internal"
	StreamExternal = "external"
)

var ErrInvalidConfig = errors.New("invalid config")

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	TopicPrefix       string `json:"topic_prefix" yaml:"topic_prefix"`
	PayloadFormat     string `json:"payload_format" yaml:"payload_format"`
	QoS               byte   `json:"qos" yaml:"qos"`
	Retain            bool   `json:"retain" yaml:"retain"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type OutputConfig struct {
	Type string      `json:"type" yaml:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

// InternalConfig is the TMP112 on the node's I²C bus.
type InternalConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	Name            string  `json:"name" yaml:"name"`
	I2CBus          string  `json:"i2c_bus" yaml:"i2c_bus"`
	I2CAddress      int     `json:"i2c_address" yaml:"i2c_address"`
	Topic           string  `json:"topic" yaml:"topic"`
	ChangeThreshold float64 `json:"change_threshold" yaml:"change_threshold"`
	MaxSilenceMs    int     `json:"max_silence_ms" yaml:"max_silence_ms"`
}

// ExternalConfig covers every DS18B20 on one 1-wire bus. TopicFormat takes
// the device address as a %x verb.
type ExternalConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	Name             string  `json:"name" yaml:"name"`
	OneWireBus       string  `json:"onewire_bus" yaml:"onewire_bus"`
	ResolutionBits   int     `json:"resolution_bits" yaml:"resolution_bits"`
	TopicFormat      string  `json:"topic_format" yaml:"topic_format"`
	ChangeThreshold  float64 `json:"change_threshold" yaml:"change_threshold"`
	MaxSilenceMs     int     `json:"max_silence_ms" yaml:"max_silence_ms"`
	SimulatedDevices int     `json:"simulated_devices" yaml:"simulated_devices"`
}

type DutyCycleConfig struct {
	ServiceWindowMs   int `json:"service_window_ms" yaml:"service_window_ms"`
	ServiceIntervalMs int `json:"service_interval_ms" yaml:"service_interval_ms"`
	NormalIntervalMs  int `json:"normal_interval_ms" yaml:"normal_interval_ms"`
}

type DisplayConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	IntervalMs int  `json:"interval_ms" yaml:"interval_ms"`
}

type MetricsConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type Config struct {
	DeviceName string          `json:"device_name" yaml:"device_name"`
	SensorType string          `json:"sensor_type" yaml:"sensor_type"`
	Internal   InternalConfig  `json:"internal" yaml:"internal"`
	External   ExternalConfig  `json:"external" yaml:"external"`
	DutyCycle  DutyCycleConfig `json:"duty_cycle" yaml:"duty_cycle"`
	Display    DisplayConfig   `json:"display" yaml:"display"`
	Metrics    MetricsConfig   `json:"metrics" yaml:"metrics"`
	Outputs    []OutputConfig  `json:"outputs" yaml:"outputs"`
	LogLevel   string          `json:"log_level" yaml:"log_level"`
	LogFormat  string          `json:"log_format" yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		DeviceName: "printer-temperature-monitor",
		SensorType: SensorReal,
		Internal: InternalConfig{
			Enabled:         true,
			Name:            "Inside",
			I2CBus:          "1",
			I2CAddress:      0x49,
			Topic:           "thermometer/0:1/temperature",
			ChangeThreshold: 0.2,
			MaxSilenceMs:    15 * 60 * 1000,
		},
		External: ExternalConfig{
			Enabled:          true,
			Name:             "Outside",
			ResolutionBits:   12,
			TopicFormat:      "thermometer/%x/temperature",
			ChangeThreshold:  0.5,
			MaxSilenceMs:     5 * 60 * 1000,
			SimulatedDevices: 1,
		},
		DutyCycle: DutyCycleConfig{
			ServiceWindowMs:   10 * 60 * 1000,
			ServiceIntervalMs: 5 * 1000,
			NormalIntervalMs:  60 * 1000,
		},
		Display:   DisplayConfig{Enabled: false, IntervalMs: 1000},
		Outputs:   []OutputConfig{{Type: OutputConsole}},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func (c InternalConfig) MaxSilence() time.Duration { return ms(c.MaxSilenceMs) }
func (c ExternalConfig) MaxSilence() time.Duration { return ms(c.MaxSilenceMs) }

func (c DutyCycleConfig) ServiceWindow() time.Duration   { return ms(c.ServiceWindowMs) }
func (c DutyCycleConfig) ServiceInterval() time.Duration { return ms(c.ServiceIntervalMs) }
func (c DutyCycleConfig) NormalInterval() time.Duration  { return ms(c.NormalIntervalMs) }

func (c DisplayConfig) Interval() time.Duration { return ms(c.IntervalMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// LoadFromFlags loads configuration from the process command line.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load loads configuration from a JSON or YAML file (optional) and flags.
// Flags override values present in the file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("printer-temperature-monitor", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus of the internal thermometer (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address of the internal thermometer (decimal or 0x hex)")
	flagOneWireBus := fs.String("onewire-bus", "", "1-wire bus name (empty = first available)")
	flagThresholds := fs.String("change-thresholds", "", "Per-stream change thresholds e.g. internal=0.2,external=0.5")
	flagSilence := fs.String("max-silence-ms", "", "Per-stream max silence e.g. internal=900000,external=300000")
	flagServiceWindow := fs.Int("service-window-ms", -1, "Service window after start-up in ms")
	flagServiceInterval := fs.Int("service-interval-ms", -1, "Sampling interval during the service window in ms")
	flagNormalInterval := fs.Int("normal-interval-ms", -1, "Sampling interval after the service window in ms")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopicPrefix := fs.String("mqtt-topic-prefix", "", "MQTT topic prefix")
	flagPayloadFormat := fs.String("payload-format", "", "MQTT payload format: json|cbor|plain")
	flagDisplay := fs.Bool("display", false, "Render the latest values to stdout")
	flagMetrics := fs.String("metrics-listen", "", "Prometheus listen address (e.g. :2112)")
	flagLogLevel := fs.String("log-level", "", "debug|info|warn|error")
	flagLogFormat := fs.String("log-format", "", "text|json")

	cfg := DefaultConfig()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *cfgPath != "" {
		if err := readFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagI2CBus != "" {
		cfg.Internal.I2CBus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.Internal.I2CAddress = v
	}
	if *flagOneWireBus != "" {
		cfg.External.OneWireBus = *flagOneWireBus
	}
	if *flagThresholds != "" {
		m, err := parseKeyFloatMap(*flagThresholds)
		if err != nil {
			return cfg, fmt.Errorf("change-thresholds: %w", err)
		}
		for k, v := range m {
			switch k {
			case StreamInternal:
				cfg.Internal.ChangeThreshold = v
			case StreamExternal:
				cfg.External.ChangeThreshold = v
			default:
				return cfg, fmt.Errorf("change-thresholds: unknown stream %q", k)
			}
		}
	}
	if *flagSilence != "" {
		m, err := parseKeyIntMap(*flagSilence)
		if err != nil {
			return cfg, fmt.Errorf("max-silence-ms: %w", err)
		}
		for k, v := range m {
			switch k {
			case StreamInternal:
				cfg.Internal.MaxSilenceMs = v
			case StreamExternal:
				cfg.External.MaxSilenceMs = v
			default:
				return cfg, fmt.Errorf("max-silence-ms: unknown stream %q", k)
			}
		}
	}
	if *flagServiceWindow != -1 {
		cfg.DutyCycle.ServiceWindowMs = *flagServiceWindow
	}
	if *flagServiceInterval != -1 {
		cfg.DutyCycle.ServiceIntervalMs = *flagServiceInterval
	}
	if *flagNormalInterval != -1 {
		cfg.DutyCycle.NormalIntervalMs = *flagNormalInterval
	}
	if *flagOutputs != "" {
		// convert simple CSV of types into structured OutputConfig entries
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	// Apply MQTT flags to all mqtt outputs; if none exist, create one.
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopicPrefix != "" || *flagPayloadFormat != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopicPrefix != "" {
				m.TopicPrefix = *flagTopicPrefix
			}
			if *flagPayloadFormat != "" {
				m.PayloadFormat = *flagPayloadFormat
			}
		}
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputMQTT {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: OutputMQTT, MQTT: &MQTTConfig{}}
			apply(mqttOut.MQTT)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}
	if *flagDisplay {
		cfg.Display.Enabled = true
	}
	if *flagMetrics != "" {
		cfg.Metrics.Listen = *flagMetrics
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.LogFormat = *flagLogFormat
	}

	return cfg, cfg.Validate()
}

func readFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("sensor_type %q", c.SensorType))
	}
	if c.Internal.Enabled {
		if bad(c.Internal.ChangeThreshold) {
			errs = append(errs, fmt.Errorf("internal.change_threshold %v", c.Internal.ChangeThreshold))
		}
		if c.Internal.MaxSilenceMs <= 0 {
			errs = append(errs, fmt.Errorf("internal.max_silence_ms %d", c.Internal.MaxSilenceMs))
		}
		if c.Internal.I2CAddress <= 0 || c.Internal.I2CAddress > 0x7f {
			errs = append(errs, fmt.Errorf("internal.i2c_address %#x", c.Internal.I2CAddress))
		}
	}
	if c.External.Enabled {
		if bad(c.External.ChangeThreshold) {
			errs = append(errs, fmt.Errorf("external.change_threshold %v", c.External.ChangeThreshold))
		}
		if c.External.MaxSilenceMs <= 0 {
			errs = append(errs, fmt.Errorf("external.max_silence_ms %d", c.External.MaxSilenceMs))
		}
		if !strings.Contains(c.External.TopicFormat, "%x") {
			errs = append(errs, fmt.Errorf("external.topic_format %q lacks %%x", c.External.TopicFormat))
		}
		if c.SensorType == SensorSimulation && c.External.SimulatedDevices < 0 {
			errs = append(errs, fmt.Errorf("external.simulated_devices %d", c.External.SimulatedDevices))
		}
	}
	if c.DutyCycle.ServiceWindowMs <= 0 || c.DutyCycle.ServiceIntervalMs <= 0 || c.DutyCycle.NormalIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("duty_cycle intervals must be > 0: %+v", c.DutyCycle))
	}
	if c.Display.Enabled && c.Display.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("display.interval_ms %d", c.Display.IntervalMs))
	}
	for i, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole:
		case OutputMQTT:
			if o.MQTT == nil {
				continue
			}
			switch o.MQTT.PayloadFormat {
			case "", PayloadJSON, PayloadCBOR, PayloadPlain:
			default:
				errs = append(errs, fmt.Errorf("outputs[%d].mqtt.payload_format %q", i, o.MQTT.PayloadFormat))
			}
			if o.MQTT.QoS > 2 {
				errs = append(errs, fmt.Errorf("outputs[%d].mqtt.qos %d", i, o.MQTT.QoS))
			}
		default:
			errs = append(errs, fmt.Errorf("outputs[%d].type %q", i, o.Type))
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func bad(threshold float64) bool {
	return threshold < 0 || math.IsNaN(threshold) || math.IsInf(threshold, 0)
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseKeyValues(s string) ([][2]string, error) {
	parts := parseCSV(s)
	out := make([][2]string, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out = append(out, [2]string{strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])})
	}
	return out, nil
}

func parseKeyFloatMap(s string) (map[string]float64, error) {
	kvs, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(kvs))
	for _, kv := range kvs {
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", kv[0], err)
		}
		out[kv[0]] = v
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[string]int, error) {
	kvs, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(kvs))
	for _, kv := range kvs {
		v, err := strconv.Atoi(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", kv[0], err)
		}
		out[kv[0]] = v
	}
	return out, nil
}
