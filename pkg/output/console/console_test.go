package console

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ericogr/printer-temperature-monitor/pkg/output"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

func TestConsolePublish(t *testing.T) {
	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)
	m := output.Measurement{Stream: "internal", Topic: "thermometer/0:1/temperature", Celsius: 21.3, Timestamp: ts}
	out := captureStdout(func() {
		c := NewConsole()
		_ = c.Publish(m)
	})
	want := "2025-09-19T14:41:54Z stream=internal topic=thermometer/0:1/temperature temperature=21.30\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}

func TestConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := c.Publish(output.Measurement{Stream: "28ff", Topic: "t", Celsius: -3.5, Timestamp: ts}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := "2025-01-02T03:04:05Z stream=28ff topic=t temperature=-3.50\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}
