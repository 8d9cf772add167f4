package sensor

import (
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// familyDS18B20 is the 1-wire family code of DS18B20 thermometers, stored
// in the low byte of the address.
const familyDS18B20 = 0x28

// Celsius converts a periph temperature to degrees Celsius.
func Celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin)
}

// FormatAddress renders a 1-wire address as lowercase hex without padding.
func FormatAddress(a onewire.Address) string {
	return strconv.FormatUint(uint64(a), 16)
}

// ParseAddress is the inverse of FormatAddress. A 0x prefix is accepted.
func ParseAddress(s string) (onewire.Address, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid 1-wire address %q: %w", s, err)
	}
	return onewire.Address(v), nil
}

func isDS18B20(a onewire.Address) bool {
	return byte(a) == familyDS18B20
}
