package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/onewire"

	"github.com/ericogr/printer-temperature-monitor/pkg/config"
	"github.com/ericogr/printer-temperature-monitor/pkg/display"
	"github.com/ericogr/printer-temperature-monitor/pkg/dutycycle"
	"github.com/ericogr/printer-temperature-monitor/pkg/gate"
	"github.com/ericogr/printer-temperature-monitor/pkg/metrics"
	"github.com/ericogr/printer-temperature-monitor/pkg/node"
	"github.com/ericogr/printer-temperature-monitor/pkg/output"
	"github.com/ericogr/printer-temperature-monitor/pkg/output/console"
	"github.com/ericogr/printer-temperature-monitor/pkg/output/mqtt"
	"github.com/ericogr/printer-temperature-monitor/pkg/sensor"
)

var version = "dev"

const (
	sensorInternal = "tmp112"
	sensorExternal = "ds18b20"
)

// sampled is an opened sensor and the thermometers it reports on.
type sampled struct {
	name   string
	sensor sensor.Sensor
	addrs  []onewire.Address
}

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg, os.Stderr)
	logger.Info("starting", "device", cfg.DeviceName, "version", version, "sensor_type", cfg.SensorType)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	outputs, err := initOutputs(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, o := range outputs {
			_ = o.Close()
		}
	}()

	opts := nodeOptions(cfg)
	opts.Outputs = outputs
	opts.Metrics = m
	opts.Logger = logger
	if cfg.Display.Enabled {
		opts.Display = display.New(os.Stdout)
	}
	n, err := node.New(opts)
	if err != nil {
		return err
	}

	sensors, err := initSensors(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sensors {
			_ = s.sensor.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sensors {
		if len(s.addrs) > 0 {
			if err := n.RegisterExternal(s.addrs); err != nil {
				return err
			}
		}
		p := sensor.NewPoller(s.name, s.sensor, cfg.DutyCycle.ServiceInterval(), logger)
		ctl, err := dutycycle.New(s.name, dutyCycleConfig(cfg), p, logger)
		if err != nil {
			return err
		}
		ctl.OnModeChange(n.ObserveDutyCycle)
		n.ObserveDutyCycle(s.name, ctl.Mode())
		ctl.Start(dutycycle.SystemScheduler{})
		defer ctl.Cancel()

		g.Go(func() error { return p.Run(gctx, n.Events()) })
	}
	n.Announce()

	g.Go(func() error { return n.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen, logger) })
	}
	return g.Wait()
}

func initOutputs(cfg config.Config, logger *slog.Logger) ([]node.NamedOutput, error) {
	entries := make([]node.NamedOutput, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		var (
			o   output.Output
			err error
		)
		switch strings.ToLower(oc.Type) {
		case config.OutputConsole:
			o = console.NewConsole()
		case config.OutputMQTT:
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			o, err = mqtt.NewMQTT(mc, mqtt.Options{DeviceName: cfg.DeviceName, Version: version, Logger: logger})
		default:
			err = fmt.Errorf("unknown output type %q", oc.Type)
		}
		if err != nil {
			for _, e := range entries {
				_ = e.Close()
			}
			return nil, fmt.Errorf("output %s: %w", oc.Type, err)
		}
		entries = append(entries, node.NamedOutput{Name: strings.ToLower(oc.Type), Output: o})
	}
	return entries, nil
}

func initSensors(cfg config.Config, logger *slog.Logger) ([]sampled, error) {
	var out []sampled
	if cfg.SensorType == config.SensorSimulation {
		if cfg.Internal.Enabled {
			out = append(out, sampled{name: sensorInternal, sensor: sensor.NewFakeInternal(sensor.DefaultFakeOptions())})
		}
		if cfg.External.Enabled {
			f := sensor.NewFakeExternal(cfg.External.SimulatedDevices, sensor.DefaultFakeOptions())
			out = append(out, sampled{name: sensorExternal, sensor: f, addrs: f.Addresses()})
		}
		return out, nil
	}

	if cfg.Internal.Enabled {
		s, err := sensor.NewTMP112Sensor(cfg.Internal.I2CBus, uint16(cfg.Internal.I2CAddress))
		if err != nil {
			return nil, fmt.Errorf("tmp112: %w", err)
		}
		out = append(out, sampled{name: sensorInternal, sensor: s})
	}
	if cfg.External.Enabled {
		s, err := sensor.NewDS18B20Sensor(cfg.External.OneWireBus, cfg.External.ResolutionBits)
		switch {
		case errors.Is(err, sensor.ErrNoThermometers):
			logger.Warn("no external thermometer found, continuing without")
		case err != nil:
			for _, o := range out {
				_ = o.sensor.Close()
			}
			return nil, fmt.Errorf("ds18b20: %w", err)
		default:
			out = append(out, sampled{name: sensorExternal, sensor: s, addrs: s.Addresses()})
		}
	}
	return out, nil
}

// nodeOptions maps the per-stream configuration onto gate policies.
func nodeOptions(cfg config.Config) node.Options {
	var opts node.Options
	if cfg.Internal.Enabled {
		opts.Internal = &node.StreamSpec{
			Name:  cfg.Internal.Name,
			Topic: cfg.Internal.Topic,
			Policy: gate.Policy{
				ChangeThreshold: cfg.Internal.ChangeThreshold,
				MaxSilence:      cfg.Internal.MaxSilence(),
			},
		}
	}
	if cfg.External.Enabled {
		opts.External = &node.ExternalSpec{
			Name:        cfg.External.Name,
			TopicFormat: cfg.External.TopicFormat,
			Policy: gate.Policy{
				ChangeThreshold: cfg.External.ChangeThreshold,
				MaxSilence:      cfg.External.MaxSilence(),
			},
		}
	}
	opts.DisplayInterval = cfg.Display.Interval()
	return opts
}

func dutyCycleConfig(cfg config.Config) dutycycle.Config {
	return dutycycle.Config{
		ServiceWindow:   cfg.DutyCycle.ServiceWindow(),
		ServiceInterval: cfg.DutyCycle.ServiceInterval(),
		NormalInterval:  cfg.DutyCycle.NormalInterval(),
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
