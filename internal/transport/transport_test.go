package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsika/distinfer/internal/protocol"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a)
	cb := New(b)

	payload := protocol.EncodeRegister(protocol.Register{ClockMHz: 100})

	done := make(chan error, 1)
	go func() {
		done <- ca.Send(7, protocol.MsgRegister, payload)
	}()

	header, got, err := cb.Recv(time.Second, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, protocol.MsgRegister, header.Type)
	assert.Equal(t, byte(7), header.WorkerID)
	assert.Equal(t, payload, got)
}

func TestRecvTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := New(b)
	_, _, err := cb.Recv(20*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRecvTransportFailedOnClose(t *testing.T) {
	a, b := net.Pipe()
	cb := New(b)
	a.Close()

	_, _, err := cb.Recv(time.Second, time.Second)
	assert.ErrorIs(t, err, ErrTransportFailed)
}

func TestRecvEmptyPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := New(a)
	cb := New(b)

	go func() {
		_ = ca.Send(1, protocol.MsgShutdown, nil)
	}()

	header, payload, err := cb.Recv(time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgShutdown, header.Type)
	assert.Nil(t, payload)
}
