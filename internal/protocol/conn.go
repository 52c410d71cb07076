package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("protocol: connection closed")

// Conn is a bidirectional frame stream.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, frame Frame) error
	Close() error
}

type pipeHalf struct {
	closeOnce sync.Once
	done      chan struct{}
}

func (h *pipeHalf) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// pipeConn is one end of an in-process Pipe. Frames cross the pipe encoded, so
// both ends see exactly what a network peer would.
type pipeConn struct {
	incoming <-chan []byte
	outgoing chan<- []byte
	shared   *pipeHalf
}

// NewPipe returns two connected in-process Conns. Closing either end closes both.
func NewPipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = 64
	}
	left := make(chan []byte, buffer)
	right := make(chan []byte, buffer)
	shared := &pipeHalf{done: make(chan struct{})}
	return &pipeConn{incoming: left, outgoing: right, shared: shared},
		&pipeConn{incoming: right, outgoing: left, shared: shared}
}

func (c *pipeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case data := <-c.incoming:
		return DecodeFrame(data)
	default:
	}
	select {
	case data := <-c.incoming:
		return DecodeFrame(data)
	case <-c.shared.done:
		return Frame{}, ErrConnClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *pipeConn) WriteFrame(ctx context.Context, frame Frame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.shared.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.shared.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.shared.close()
	return nil
}
