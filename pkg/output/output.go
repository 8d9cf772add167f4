package output

import "time"

// Measurement is a value the publication gate decided to send.
type Measurement struct {
	Stream    string    `json:"stream" cbor:"stream"`
	Name      string    `json:"name,omitempty" cbor:"name,omitempty"`
	Topic     string    `json:"-" cbor:"-"`
	Celsius   float64   `json:"temperature" cbor:"temperature"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// Stream describes a published stream, used to announce it to consumers
// (e.g. Home Assistant discovery) before the first value.
type Stream struct {
	Key   string
	Name  string
	Topic string
}

type Output interface {
	Publish(Measurement) error
	Close() error
}

// Announcer is implemented by outputs that advertise streams up front.
type Announcer interface {
	Announce(streams []Stream) error
}

// helper constructors are in subpackages
