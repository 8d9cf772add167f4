// Package display renders the latest published temperatures as a small text
// panel, one block per stream, the way the node's LCD shows them.
package display

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
)

const unknown = "--.-"

// Panel is one labelled value. NaN means unknown.
type Panel struct {
	Label   string
	Celsius float64
}

// Display writes frames to w, skipping frames identical to the last one.
type Display struct {
	mu   sync.Mutex
	w    io.Writer
	last []byte
}

func New(w io.Writer) *Display {
	return &Display{w: w}
}

func (d *Display) Render(panels []Panel) error {
	frame := Frame(panels)
	d.mu.Lock()
	defer d.mu.Unlock()
	if bytes.Equal(frame, d.last) {
		return nil
	}
	if _, err := d.w.Write(frame); err != nil {
		return err
	}
	d.last = frame
	return nil
}

// Frame formats panels without writing them.
func Frame(panels []Panel) []byte {
	var b bytes.Buffer
	for _, p := range panels {
		fmt.Fprintf(&b, "%s\n  %s °C\n", strings.ToUpper(p.Label), FormatCelsius(p.Celsius))
	}
	b.WriteString("\n")
	return b.Bytes()
}

func FormatCelsius(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return unknown
	}
	return fmt.Sprintf("%.1f", v)
}
