package protocol

import (
	"encoding/binary"
	"fmt"
)

// RegisterPayloadSize is the fixed size of a REGISTER payload.
const RegisterPayloadSize = 4

// RegisterAckPayloadSize is the fixed size of a REGISTER_ACK payload.
const RegisterAckPayloadSize = 2

// TaskHeaderSize is the fixed size of a TASK payload's struct prefix,
// not counting the raw input bytes that follow it.
const TaskHeaderSize = 46

// ResultHeaderSize is the fixed size of a RESULT payload's struct prefix,
// not counting the raw output bytes that follow it.
const ResultHeaderSize = 8

// ErrorPayloadSize is the fixed size of an ERROR payload.
const ErrorPayloadSize = 64

// ErrorDescriptionSize is the size of the NUL-padded description field
// within an ERROR payload.
const ErrorDescriptionSize = 63

// Register is the REGISTER message payload (worker -> coordinator).
type Register struct {
	ClockMHz uint32
}

// EncodeRegister packs a Register payload.
func EncodeRegister(r Register) []byte {
	buf := make([]byte, RegisterPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.ClockMHz)
	return buf
}

// DecodeRegister unpacks a REGISTER payload.
func DecodeRegister(buf []byte) (Register, error) {
	if len(buf) < RegisterPayloadSize {
		return Register{}, ErrShortBuffer
	}
	return Register{ClockMHz: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// RegisterAck is the REGISTER_ACK message payload (coordinator -> worker).
type RegisterAck struct {
	Status     byte
	AssignedID byte
}

// EncodeRegisterAck packs a RegisterAck payload.
func EncodeRegisterAck(a RegisterAck) []byte {
	return []byte{a.Status, a.AssignedID}
}

// DecodeRegisterAck unpacks a REGISTER_ACK payload.
func DecodeRegisterAck(buf []byte) (RegisterAck, error) {
	if len(buf) < RegisterAckPayloadSize {
		return RegisterAck{}, ErrShortBuffer
	}
	return RegisterAck{Status: buf[0], AssignedID: buf[1]}, nil
}

// LayerType mirrors the four layer kinds a TASK can describe on the wire.
type LayerType byte

const (
	LayerConv LayerType = iota
	LayerDepthwise
	LayerPointwise
	LayerFC
)

// Task is the TASK message: the fixed struct plus the raw input patch that
// trails it on the wire. InputSize always equals len(Input).
type Task struct {
	LayerType    LayerType
	LayerIdx     uint32
	InChannels   uint32
	InH          uint32
	InW          uint32
	OutChannels  uint32
	OutH         uint32
	OutW         uint32
	KernelSize   byte
	Stride       byte
	Padding      byte
	Groups       uint16
	InFeatures   uint32
	OutFeatures  uint32
	InputSize    uint32
	Input        []byte
}

// EncodeTask packs a Task into header-struct ‖ raw-input-bytes.
func EncodeTask(t Task) []byte {
	t.InputSize = uint32(len(t.Input))
	buf := make([]byte, TaskHeaderSize+len(t.Input))
	buf[0] = byte(t.LayerType)
	binary.LittleEndian.PutUint32(buf[1:5], t.LayerIdx)
	binary.LittleEndian.PutUint32(buf[5:9], t.InChannels)
	binary.LittleEndian.PutUint32(buf[9:13], t.InH)
	binary.LittleEndian.PutUint32(buf[13:17], t.InW)
	binary.LittleEndian.PutUint32(buf[17:21], t.OutChannels)
	binary.LittleEndian.PutUint32(buf[21:25], t.OutH)
	binary.LittleEndian.PutUint32(buf[25:29], t.OutW)
	buf[29] = t.KernelSize
	buf[30] = t.Stride
	buf[31] = t.Padding
	binary.LittleEndian.PutUint16(buf[32:34], t.Groups)
	binary.LittleEndian.PutUint32(buf[34:38], t.InFeatures)
	binary.LittleEndian.PutUint32(buf[38:42], t.OutFeatures)
	binary.LittleEndian.PutUint32(buf[42:46], t.InputSize)
	copy(buf[TaskHeaderSize:], t.Input)
	return buf
}

// DecodeTask unpacks a TASK payload, validating that the trailing input
// matches the declared input_size exactly.
func DecodeTask(buf []byte) (Task, error) {
	if len(buf) < TaskHeaderSize {
		return Task{}, ErrShortBuffer
	}
	t := Task{
		LayerType:   LayerType(buf[0]),
		LayerIdx:    binary.LittleEndian.Uint32(buf[1:5]),
		InChannels:  binary.LittleEndian.Uint32(buf[5:9]),
		InH:         binary.LittleEndian.Uint32(buf[9:13]),
		InW:         binary.LittleEndian.Uint32(buf[13:17]),
		OutChannels: binary.LittleEndian.Uint32(buf[17:21]),
		OutH:        binary.LittleEndian.Uint32(buf[21:25]),
		OutW:        binary.LittleEndian.Uint32(buf[25:29]),
		KernelSize:  buf[29],
		Stride:      buf[30],
		Padding:     buf[31],
		Groups:      binary.LittleEndian.Uint16(buf[32:34]),
		InFeatures:  binary.LittleEndian.Uint32(buf[34:38]),
		OutFeatures: binary.LittleEndian.Uint32(buf[38:42]),
		InputSize:   binary.LittleEndian.Uint32(buf[42:46]),
	}
	rest := buf[TaskHeaderSize:]
	if uint32(len(rest)) < t.InputSize {
		return Task{}, ErrShortBuffer
	}
	t.Input = rest[:t.InputSize]
	return t, nil
}

// Result is the RESULT message: compute time plus the raw output patch.
type Result struct {
	ComputeTimeUs uint32
	OutputSize    uint32
	Output        []byte
}

// EncodeResult packs a Result into header-struct ‖ raw-output-bytes.
func EncodeResult(r Result) []byte {
	r.OutputSize = uint32(len(r.Output))
	buf := make([]byte, ResultHeaderSize+len(r.Output))
	binary.LittleEndian.PutUint32(buf[0:4], r.ComputeTimeUs)
	binary.LittleEndian.PutUint32(buf[4:8], r.OutputSize)
	copy(buf[ResultHeaderSize:], r.Output)
	return buf
}

// DecodeResult unpacks a RESULT payload.
func DecodeResult(buf []byte) (Result, error) {
	if len(buf) < ResultHeaderSize {
		return Result{}, ErrShortBuffer
	}
	r := Result{
		ComputeTimeUs: binary.LittleEndian.Uint32(buf[0:4]),
		OutputSize:    binary.LittleEndian.Uint32(buf[4:8]),
	}
	rest := buf[ResultHeaderSize:]
	if uint32(len(rest)) < r.OutputSize {
		return Result{}, ErrShortBuffer
	}
	r.Output = rest[:r.OutputSize]
	return r, nil
}

// WorkerError is the ERROR message payload.
type WorkerError struct {
	Code        byte
	Description string
}

// EncodeError packs a WorkerError into its fixed 64-byte payload,
// truncating and NUL-padding Description to fit.
func EncodeError(e WorkerError) []byte {
	buf := make([]byte, ErrorPayloadSize)
	buf[0] = e.Code
	desc := e.Description
	if len(desc) > ErrorDescriptionSize {
		desc = desc[:ErrorDescriptionSize]
	}
	copy(buf[1:], desc)
	return buf
}

// DecodeError unpacks an ERROR payload.
func DecodeError(buf []byte) (WorkerError, error) {
	if len(buf) < ErrorPayloadSize {
		return WorkerError{}, ErrShortBuffer
	}
	descBytes := buf[1 : 1+ErrorDescriptionSize]
	n := 0
	for n < len(descBytes) && descBytes[n] != 0 {
		n++
	}
	return WorkerError{Code: buf[0], Description: string(descBytes[:n])}, nil
}

// Validate returns a descriptive error if InputSize does not equal
// len(Input). It checks no other field.
func (t Task) Validate() error {
	if int(t.InputSize) != len(t.Input) {
		return fmt.Errorf("protocol: task input_size %d does not match input length %d", t.InputSize, len(t.Input))
	}
	return nil
}
