// Package transport carries sync messages between peers.
//
// Both transports satisfy engine.Conn: Send and Receive honor their
// context, and Close makes both ends return ErrClosed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/garden-co/cojson/internal/wire"
)

// ErrClosed is returned by Send and Receive on a closed connection.
var ErrClosed = errors.New("connection closed")

// DefaultPipeBuffer is the number of messages a pipe end buffers before
// Send blocks.
const DefaultPipeBuffer = 1024

// PipeConn is one end of an in-process connection.
type PipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	codec wire.Codec

	done      chan struct{}
	closeOnce *sync.Once
}

// PipeOption configures Pipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	codec  wire.Codec
	buffer int
}

// WithCodec sets the codec frames go through. Default JSON.
func WithCodec(c wire.Codec) PipeOption {
	return func(cfg *pipeConfig) {
		if c != nil {
			cfg.codec = c
		}
	}
}

// WithBuffer sets the per-direction buffer size.
func WithBuffer(n int) PipeOption {
	return func(cfg *pipeConfig) {
		if n > 0 {
			cfg.buffer = n
		}
	}
}

// Pipe returns two connected ends. Messages are encoded on Send and
// decoded on Receive, so peers never share message memory.
func Pipe(opts ...PipeOption) (*PipeConn, *PipeConn) {
	cfg := pipeConfig{codec: wire.JSONCodec{}, buffer: DefaultPipeBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	ab := make(chan []byte, cfg.buffer)
	ba := make(chan []byte, cfg.buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeConn{in: ba, out: ab, codec: cfg.codec, done: done, closeOnce: once}
	b := &PipeConn{in: ab, out: ba, codec: cfg.codec, done: done, closeOnce: once}
	return a, b
}

// Send encodes msg and hands it to the other end.
func (c *PipeConn) Send(ctx context.Context, msg wire.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("pipe send: %w", err)
	}
	if c.closed() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case c.out <- frame:
		return nil
	}
}

// Receive returns the next message from the other end. Frames still
// buffered when the pipe closes are dropped.
func (c *PipeConn) Receive(ctx context.Context) (wire.Message, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case frame := <-c.in:
		if c.closed() {
			return nil, ErrClosed
		}
		msg, err := c.codec.Decode(frame)
		if err != nil {
			return nil, fmt.Errorf("pipe receive: %w", err)
		}
		return msg, nil
	}
}

func (c *PipeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close closes both ends.
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
