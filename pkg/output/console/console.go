package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/printer-temperature-monitor/pkg/output"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func NewConsoleWriter(w io.Writer) output.Output { return &ConsoleOutput{w: w} }

func (c *ConsoleOutput) Publish(m output.Measurement) error {
	_, err := fmt.Fprintf(c.w, "%s stream=%s topic=%s temperature=%.2f\n", m.Timestamp.Format(time.RFC3339), m.Stream, m.Topic, m.Celsius)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }
