package sensor

import (
	"context"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	DefaultTMP112Address = 0x49

	tmp112RegTemp = 0x00
	// LSB weight of the temperature register.
	tmp112Resolution = 0.0625
)

// TMP112Sensor reads the TMP112 thermometer soldered on the node over I²C.
// The chip powers up converting continuously, so a sample is a single
// register read.
type TMP112Sensor struct {
	dev *i2c.Dev
	bus i2c.BusCloser
	now func() time.Time
}

func NewTMP112Sensor(busName string, addr uint16) (*TMP112Sensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	return &TMP112Sensor{dev: &i2c.Dev{Addr: addr, Bus: bus}, bus: bus, now: time.Now}, nil
}

func (s *TMP112Sensor) Sample(ctx context.Context) []Event {
	c, err := s.read()
	return []Event{InternalUpdate{Reading{Celsius: c, Err: err, Timestamp: s.now()}}}
}

func (s *TMP112Sensor) read() (float64, error) {
	buf := make([]byte, 2)
	if err := s.dev.Tx([]byte{tmp112RegTemp}, buf); err != nil {
		return math.NaN(), fmt.Errorf("read temperature: %w", err)
	}
	return decodeTMP112(buf[0], buf[1]), nil
}

func (s *TMP112Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// decodeTMP112 converts the temperature register. Bit 0 of the low byte is
// set in extended (13-bit) mode.
func decodeTMP112(msb, lsb byte) float64 {
	word := int16(uint16(msb)<<8 | uint16(lsb))
	if lsb&0x01 != 0 {
		return float64(word>>3) * tmp112Resolution
	}
	return float64(word>>4) * tmp112Resolution
}
