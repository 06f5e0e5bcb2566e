package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Type: MsgRegister, WorkerID: 0, PayloadLen: 0},
		{Type: MsgTask, WorkerID: 3, PayloadLen: 1024},
		{Type: MsgShutdown, WorkerID: 255, PayloadLen: 0},
	}
	for _, h := range cases {
		buf := EncodeHeader(h)
		require.Len(t, buf, HeaderSize)
		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2], buf[3] = 0x00, 0x00, 0x00, 0x00
	_, err := DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 8))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeHeaderUnknownType(t *testing.T) {
	h := Header{Type: MsgRegister, WorkerID: 1, PayloadLen: 0}
	buf := EncodeHeader(h)
	buf[4] = 99
	_, err := DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegisterRoundTrip(t *testing.T) {
	r := Register{ClockMHz: 168}
	got, err := DecodeRegister(EncodeRegister(r))
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRegisterAckRoundTrip(t *testing.T) {
	a := RegisterAck{Status: 0, AssignedID: 7}
	got, err := DecodeRegisterAck(EncodeRegisterAck(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestTaskRoundTrip(t *testing.T) {
	task := Task{
		LayerType:   LayerConv,
		LayerIdx:    2,
		InChannels:  3,
		InH:         4,
		InW:         4,
		OutChannels: 8,
		OutH:        4,
		OutW:        4,
		KernelSize:  3,
		Stride:      1,
		Padding:     1,
		Groups:      1,
		InFeatures:  0,
		OutFeatures: 0,
		Input:       []byte{1, 2, 3, 4, 5, 6},
	}
	buf := EncodeTask(task)
	got, err := DecodeTask(buf)
	require.NoError(t, err)
	task.InputSize = uint32(len(task.Input))
	assert.Equal(t, task.LayerType, got.LayerType)
	assert.Equal(t, task.LayerIdx, got.LayerIdx)
	assert.Equal(t, task.InputSize, got.InputSize)
	assert.Equal(t, task.Input, got.Input)
}

func TestDecodeTaskShortInput(t *testing.T) {
	task := Task{Input: []byte{1, 2, 3}}
	buf := EncodeTask(task)
	buf = buf[:len(buf)-1] // truncate one byte of input
	_, err := DecodeTask(buf)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestResultRoundTrip(t *testing.T) {
	r := Result{ComputeTimeUs: 12345, Output: []byte{9, 8, 7}}
	got, err := DecodeResult(EncodeResult(r))
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), got.ComputeTimeUs)
	assert.Equal(t, r.Output, got.Output)
}

func TestErrorRoundTrip(t *testing.T) {
	e := WorkerError{Code: 3, Description: "kernel panic"}
	buf := EncodeError(e)
	assert.Len(t, buf, ErrorPayloadSize)
	got, err := DecodeError(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestErrorDescriptionTruncated(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	e := WorkerError{Description: string(long)}
	buf := EncodeError(e)
	got, err := DecodeError(buf)
	require.NoError(t, err)
	assert.Len(t, got.Description, ErrorDescriptionSize)
}
