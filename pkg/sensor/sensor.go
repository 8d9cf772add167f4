package sensor

import (
	"context"
	"time"

	"periph.io/x/conn/v3/onewire"
)

// Reading is one temperature sample. Err is set when the read failed, in
// which case Celsius carries no meaning.
type Reading struct {
	Celsius   float64   `json:"celsius"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a sensor update. The set of variants is closed: InternalUpdate
// and ExternalUpdate.
type Event interface {
	event()
}

// InternalUpdate comes from the thermometer on the node itself.
type InternalUpdate struct {
	Reading
}

// ExternalUpdate comes from a 1-wire thermometer identified by its address.
type ExternalUpdate struct {
	Address onewire.Address
	Reading
}

func (InternalUpdate) event() {}
func (ExternalUpdate) event() {}

type InternalHandler interface {
	HandleInternal(InternalUpdate)
}

type ExternalHandler interface {
	HandleExternal(ExternalUpdate)
}

type Handler interface {
	InternalHandler
	ExternalHandler
}

// Dispatch routes e to the handler method for its variant.
func Dispatch(e Event, h Handler) {
	switch ev := e.(type) {
	case InternalUpdate:
		h.HandleInternal(ev)
	case ExternalUpdate:
		h.HandleExternal(ev)
	}
}

// Sensor produces one event per thermometer each time it is sampled. Read
// failures are reported inside the events, never as a dropped sample.
type Sensor interface {
	Sample(ctx context.Context) []Event
	Close() error
}
