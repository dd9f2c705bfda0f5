package transport

import "context"

// Transport is the byte-channel boundary to the physical device. A real
// implementation talks to hardware; tests drive the protocol core with a fake.
// Name identifies the endpoint (serial port path or network target) and is
// what the session reports as its current port. ReadChunk returns whatever
// bytes are available, in order, without any framing; line assembly happens
// above this layer.
type Transport interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	ReadChunk(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
}
