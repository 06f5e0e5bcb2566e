// Package handler implements the Connection Handler (C4): the per-worker
// accept/registration handshake described in spec §4.4. It is modeled
// after the teacher's Listener.Accept handshake shape (accept, exchange one
// bounded message, ack, hand off), but runs once per accepted net.Conn in
// its own goroutine rather than as the body of the accept loop itself, so a
// slow or malicious REGISTER never blocks other workers from connecting.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/atsika/distinfer/internal/protocol"
	"github.com/atsika/distinfer/internal/registry"
	"github.com/atsika/distinfer/internal/transport"
)

// DefaultRegisterTimeout is the deadline for receiving a REGISTER message
// after accept, per spec §5.
const DefaultRegisterTimeout = 2 * time.Second

// ErrUnexpectedType is returned when the first message from a newly
// accepted connection is not REGISTER.
var ErrUnexpectedType = errors.New("handler: expected REGISTER")

// Option configures a Handler.
type Option func(*Handler)

// WithRegisterTimeout overrides DefaultRegisterTimeout.
func WithRegisterTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.registerTimeout = d
		}
	}
}

// Handler runs the registration handshake for accepted connections.
type Handler struct {
	reg             *registry.Registry
	registerTimeout time.Duration
}

// New builds a Handler backed by reg.
func New(reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{reg: reg, registerTimeout: DefaultRegisterTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle runs the 2-step handshake (spec §4.4, §9) over a freshly accepted
// connection: register with the registry, await REGISTER within the
// deadline, ack with the hardware-assigned ID, mark the worker IDLE.
//
// On any failure the worker is removed from the registry and the
// connection is closed; the caller does not need to clean up further.
func (h *Handler) Handle(raw net.Conn) (*registry.Worker, error) {
	tc := transport.New(raw)
	w := h.reg.Add(tc)

	header, payload, err := tc.Recv(h.registerTimeout, h.registerTimeout)
	if err != nil {
		h.reg.Remove(w)
		return nil, fmt.Errorf("handler: awaiting REGISTER from %s: %w", raw.RemoteAddr(), err)
	}
	if header.Type != protocol.MsgRegister {
		h.reg.Remove(w)
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedType, header.Type)
	}

	reg, err := protocol.DecodeRegister(payload)
	if err != nil {
		h.reg.Remove(w)
		return nil, fmt.Errorf("handler: decoding REGISTER: %w", err)
	}

	h.reg.SetClockMHz(w, reg.ClockMHz)

	assignedID := header.WorkerID
	if err := h.reg.Reassign(w, assignedID); err != nil {
		h.reg.Remove(w)
		return nil, fmt.Errorf("handler: assigning worker id %d: %w", assignedID, err)
	}

	ack := protocol.EncodeRegisterAck(protocol.RegisterAck{Status: 0, AssignedID: assignedID})
	if err := tc.Send(assignedID, protocol.MsgRegisterAck, ack); err != nil {
		h.reg.Remove(w)
		return nil, fmt.Errorf("handler: sending REGISTER_ACK: %w", err)
	}

	h.reg.MarkIdle(w)
	log.Printf("[coord] worker %d registered (clock=%d MHz, addr=%s)", assignedID, reg.ClockMHz, raw.RemoteAddr())
	return w, nil
}

// Serve runs Handle in its own goroutine for every connection accepted from
// ln until ctx is canceled. It never returns an error for a single bad
// handshake — those are logged and the loop continues, matching the accept
// loop's job of staying available for the next worker.
func Serve(ctx context.Context, ln net.Listener, h *Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("[coord] accept error: %v", err)
			continue
		}

		go func() {
			if _, err := h.Handle(conn); err != nil {
				log.Printf("[coord] handshake failed: %v", err)
			}
		}()
	}
}
