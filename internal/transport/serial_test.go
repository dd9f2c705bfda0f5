package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSerialTransportName(t *testing.T) {
	tr := NewSerialTransport("/dev/ttyUSB0", 115200)
	if tr.Name() != "/dev/ttyUSB0" {
		t.Fatalf("unexpected name: %q", tr.Name())
	}
	if tr.Connected() {
		t.Fatalf("expected a fresh transport to be disconnected")
	}
}

func TestSerialTransportOpenValidation(t *testing.T) {
	if err := NewSerialTransport("", 115200).Open(context.Background()); err == nil ||
		!strings.Contains(err.Error(), "serial port is empty") {
		t.Fatalf("empty port: %v", err)
	}
	if err := NewSerialTransport("/dev/ttyUSB0", 0).Open(context.Background()); err == nil ||
		!strings.Contains(err.Error(), "invalid serial baud rate") {
		t.Fatalf("zero baud: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewSerialTransport("/dev/ttyUSB0", 115200).Open(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled open: %v", err)
	}
}

func TestSerialTransportNotOpen(t *testing.T) {
	tr := NewSerialTransport("/dev/ttyUSB0", 115200)

	if _, err := tr.ReadChunk(context.Background()); err == nil || err.Error() != "transport is not open" {
		t.Fatalf("read on a closed transport: %v", err)
	}
	if err := tr.Write(context.Background(), []byte("x")); err == nil || err.Error() != "transport is not open" {
		t.Fatalf("write on a closed transport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close on a closed transport: %v", err)
	}
}

// chunkWriter accepts at most limit bytes per call, forcing short writes.
type chunkWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > w.limit {
		p = p[:w.limit]
	}

	return w.buf.Write(p)
}

func TestWriteFullRetriesShortWrites(t *testing.T) {
	w := &chunkWriter{limit: 3}
	payload := []byte(`{"type":"UPLOAD_FILE","filename":"a.txt"}` + "\n")

	if err := writeFull(context.Background(), w, payload); err != nil {
		t.Fatalf("write full: %v", err)
	}
	if got := w.buf.String(); got != string(payload) {
		t.Fatalf("short writes lost data: %q", got)
	}
}

func TestWriteFullStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &chunkWriter{limit: 3}
	if err := writeFull(ctx, w, []byte("payload")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
