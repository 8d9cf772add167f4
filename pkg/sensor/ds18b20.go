package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/devices/v3/ds18b20"
	"periph.io/x/host/v3"
)

const DefaultDS18B20Resolution = 12

var ErrNoThermometers = errors.New("no DS18B20 found on the 1-wire bus")

// DS18B20Sensor samples every DS18B20 found on one 1-wire bus. All devices
// convert at once and are then read one by one.
type DS18B20Sensor struct {
	bus        onewire.BusCloser
	resolution int
	addrs      []onewire.Address
	devs       []*ds18b20.Dev
	now        func() time.Time
}

func NewDS18B20Sensor(busName string, resolutionBits int) (*DS18B20Sensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	if resolutionBits == 0 {
		resolutionBits = DefaultDS18B20Resolution
	}
	bus, err := onewirereg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open onewire: %w", err)
	}
	found, err := bus.Search(false)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("onewire search: %w", err)
	}
	s := &DS18B20Sensor{bus: bus, resolution: resolutionBits, now: time.Now}
	for _, a := range found {
		if !isDS18B20(a) {
			continue
		}
		dev, err := ds18b20.New(bus, a, resolutionBits)
		if err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("ds18b20 %s: %w", FormatAddress(a), err)
		}
		s.addrs = append(s.addrs, a)
		s.devs = append(s.devs, dev)
	}
	if len(s.devs) == 0 {
		_ = bus.Close()
		return nil, ErrNoThermometers
	}
	return s, nil
}

// Addresses lists the thermometers found when the sensor was opened.
func (s *DS18B20Sensor) Addresses() []onewire.Address {
	return append([]onewire.Address(nil), s.addrs...)
}

func (s *DS18B20Sensor) Sample(ctx context.Context) []Event {
	out := make([]Event, 0, len(s.devs))
	ts := s.now()
	if err := ds18b20.ConvertAll(s.bus, s.resolution); err != nil {
		err = fmt.Errorf("convert: %w", err)
		for _, a := range s.addrs {
			out = append(out, ExternalUpdate{Address: a, Reading: Reading{Celsius: math.NaN(), Err: err, Timestamp: ts}})
		}
		return out
	}
	for i, dev := range s.devs {
		r := Reading{Celsius: math.NaN(), Timestamp: ts}
		if t, err := dev.LastTemp(); err != nil {
			r.Err = fmt.Errorf("read %s: %w", FormatAddress(s.addrs[i]), err)
		} else {
			r.Celsius = Celsius(t)
		}
		out = append(out, ExternalUpdate{Address: s.addrs[i], Reading: r})
	}
	return out
}

func (s *DS18B20Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}
