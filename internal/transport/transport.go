// Package transport implements the length-prefixed framed send/receive
// layer (C2) on top of a reliable net.Conn. It owns only the mutual
// exclusion and timeout handling the wire protocol requires; worker
// lifecycle state lives in the registry package.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/atsika/distinfer/internal/protocol"
)

var (
	// ErrTransportFailed wraps any read/write error on the underlying
	// connection, including EOF encountered mid-frame.
	ErrTransportFailed = errors.New("transport: failed")
	// ErrTimeout is returned when a Recv's deadline elapses before the
	// expected bytes arrive.
	ErrTimeout = errors.New("transport: timeout")
)

// Conn wraps a single worker's net.Conn with the send/recv contract from
// spec §4.2: writes are serialized with each other, reads are serialized
// with each other, and a read failure never corrupts a concurrent write
// (and vice versa).
type Conn struct {
	raw net.Conn

	// wmu serializes Send calls so a header and its payload are never
	// interleaved with another goroutine's frame, mirroring the teacher's
	// wmu around aznet.Conn's write buffer.
	wmu sync.Mutex
	// rmu serializes Recv calls so two callers never race on the same
	// worker's read half.
	rmu sync.Mutex
}

// New wraps raw in a framed Conn.
func New(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Send writes header ‖ payload atomically with respect to other Send calls
// on this Conn.
func (c *Conn) Send(workerID byte, typ protocol.MessageType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	header := protocol.EncodeHeader(protocol.Header{
		Type:       typ,
		WorkerID:   workerID,
		PayloadLen: uint32(len(payload)),
	})

	if _, err := c.raw.Write(header); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	if len(payload) > 0 {
		if _, err := c.raw.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
	}
	return nil
}

// SendDeadline is Send with a write deadline applied to the whole frame.
func (c *Conn) SendDeadline(workerID byte, typ protocol.MessageType, payload []byte, deadline time.Time) error {
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	defer c.raw.SetWriteDeadline(time.Time{})
	return c.Send(workerID, typ, payload)
}

// Recv reads exactly one frame: a HeaderSize-byte header bound by
// headerTimeout, then exactly PayloadLen bytes bound by bodyTimeout.
// On timeout the underlying connection is left open and untouched; on any
// other I/O error the caller must treat the connection as dead.
func (c *Conn) Recv(headerTimeout, bodyTimeout time.Duration) (protocol.Header, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := c.raw.SetReadDeadline(time.Now().Add(headerTimeout)); err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	headerBuf := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.raw, headerBuf); err != nil {
		return protocol.Header{}, nil, classifyReadErr(err)
	}

	header, err := protocol.DecodeHeader(headerBuf)
	if err != nil {
		return protocol.Header{}, nil, err
	}

	if header.PayloadLen == 0 {
		return header, nil, nil
	}

	if err := c.raw.SetReadDeadline(time.Now().Add(bodyTimeout)); err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(c.raw, payload); err != nil {
		return protocol.Header{}, nil, classifyReadErr(err)
	}

	return header, payload, nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrTransportFailed, err)
}

// Close closes the underlying connection. Idempotent at the net.Conn level.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
