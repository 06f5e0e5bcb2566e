// Package partition implements the Layer Partitioner (C6): pure functions
// that slice an activation tensor across a worker pool and build the
// per-worker TASK descriptors the dispatch engine sends. Nothing here
// touches the network or the registry — workers are identified only by the
// byte ID the caller supplies, already snapshotted in ascending order
// (spec §4.3, §9's "FC slice indexing" decision).
package partition

import (
	"errors"
	"fmt"

	"github.com/atsika/distinfer/internal/modelconfig"
	"github.com/atsika/distinfer/internal/protocol"
)

// ErrNoWorkers is returned when partitioning is attempted with an empty
// worker snapshot.
var ErrNoWorkers = errors.New("partition: no workers available")

// RowRange is a half-open range of output rows, [R0, R1).
type RowRange struct{ R0, R1 int }

func (r RowRange) empty() bool { return r.R1 <= r.R0 }

// ClassRange is a half-open range of output classes, [C0, C1).
type ClassRange struct{ C0, C1 int }

func (r ClassRange) empty() bool { return r.C1 <= r.C0 }

// ConvOutDims computes H_out/W_out for a convolutional-family layer
// (spec §4.6).
func ConvOutDims(h, w, kernel, stride, padding int) (outH, outW int) {
	outH = (h+2*padding-kernel)/stride + 1
	outW = (w+2*padding-kernel)/stride + 1
	return
}

// RowSlices partitions [0, outH) into up to numWorkers contiguous ranges,
// one per worker in positional order. Workers whose range would be empty
// are omitted from the result, so len(result) <= numWorkers.
func RowSlices(outH, numWorkers int) []RowRange {
	return contiguousSlices(outH, numWorkers)
}

// ClassSlices partitions [0, outClasses) the same way, for FC layers.
func ClassSlices(outClasses, numWorkers int) []ClassRange {
	rows := contiguousSlices(outClasses, numWorkers)
	out := make([]ClassRange, len(rows))
	for i, r := range rows {
		out[i] = ClassRange{C0: r.R0, C1: r.R1}
	}
	return out
}

// contiguousSlices implements the shared ceil-division partition rule used
// by both CONV-family row slicing and FC class slicing: rows/classes per
// worker = ceil(total/numWorkers); worker i gets
// [i*perWorker, min((i+1)*perWorker, total)). The last non-empty worker
// naturally carries the smaller remainder when total does not divide
// evenly, matching the tie-break rule in spec §4.6.
func contiguousSlices(total, numWorkers int) []RowRange {
	if numWorkers <= 0 || total <= 0 {
		return nil
	}
	perWorker := ceilDiv(total, numWorkers)
	out := make([]RowRange, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		r0 := i * perWorker
		if r0 >= total {
			break
		}
		r1 := min(r0+perWorker, total)
		out = append(out, RowRange{R0: r0, R1: r1})
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PadConstant pads a (C,H,W) uint8 tensor symmetrically by padding on H and
// W with the constant value z (the layer's input zero-point, per spec
// §4.6 — semantically equivalent to zero in real-number space). If padding
// is zero, data is returned unchanged.
func PadConstant(data []byte, c, h, w, padding int, z byte) (padded []byte, newH, newW int) {
	if padding == 0 {
		return data, h, w
	}
	newH, newW = h+2*padding, w+2*padding
	padded = make([]byte, c*newH*newW)
	for i := range padded {
		padded[i] = z
	}
	for ch := 0; ch < c; ch++ {
		srcBase := ch * h * w
		dstBase := ch * newH * newW
		for row := 0; row < h; row++ {
			srcOff := srcBase + row*w
			dstOff := dstBase + (row+padding)*newW + padding
			copy(padded[dstOff:dstOff+w], data[srcOff:srcOff+w])
		}
	}
	return padded, newH, newW
}

// ConvTask is one worker's share of a convolutional-family layer.
type ConvTask struct {
	WorkerID byte
	Rows     RowRange
	Message  protocol.Task
}

// BuildConvTasks slices a padded (C,H,W) activation along output rows and
// builds one TASK message per non-empty worker share (spec §4.6). input
// must already be the padded tensor (see PadConstant); paddedH/paddedW are
// its spatial dimensions.
func BuildConvTasks(cfg modelconfig.LayerConfig, quant modelconfig.QuantParams, input []byte, c, paddedH, paddedW, outH, outW int, workerIDs []byte) ([]ConvTask, error) {
	if len(workerIDs) == 0 {
		return nil, ErrNoWorkers
	}

	slices := RowSlices(outH, len(workerIDs))
	tasks := make([]ConvTask, 0, len(slices))

	for i, rr := range slices {
		if rr.empty() {
			continue
		}
		inR0 := rr.R0 * cfg.Stride
		inR1 := (rr.R1-1)*cfg.Stride + cfg.KernelSize
		if inR1 > paddedH {
			inR1 = paddedH
		}
		patch := extractRows(input, c, paddedH, paddedW, inR0, inR1)

		msg := protocol.Task{
			LayerType:   wireLayerType(cfg.Type),
			LayerIdx:    uint32(cfg.LayerIdx),
			InChannels:  uint32(c),
			InH:         uint32(inR1 - inR0),
			InW:         uint32(paddedW),
			OutChannels: uint32(cfg.OutChannels),
			OutH:        uint32(rr.R1 - rr.R0),
			OutW:        uint32(outW),
			KernelSize:  byte(cfg.KernelSize),
			Stride:      byte(cfg.Stride),
			Padding:     byte(cfg.Padding),
			Groups:      uint16(cfg.Groups),
			Input:       patch,
		}

		tasks = append(tasks, ConvTask{WorkerID: workerIDs[i], Rows: rr, Message: msg})
	}
	return tasks, nil
}

// extractRows copies rows [r0,r1) of a (C,H,W) tensor, full width and all
// channels, into a freshly allocated (C, r1-r0, W) contiguous buffer —
// the canonical layout spec §4.6 requires before transmission.
func extractRows(data []byte, c, h, w, r0, r1 int) []byte {
	rows := r1 - r0
	out := make([]byte, c*rows*w)
	for ch := 0; ch < c; ch++ {
		srcBase := ch*h*w + r0*w
		dstBase := ch * rows * w
		copy(out[dstBase:dstBase+rows*w], data[srcBase:srcBase+rows*w])
	}
	return out
}

// FCTask is one worker's share of an FC layer's output classes.
type FCTask struct {
	WorkerID byte
	Classes  ClassRange
	Message  protocol.Task
}

// BuildFCTasks broadcasts the full 1D activation to every worker and
// assigns each a contiguous range of output classes (spec §4.6).
func BuildFCTasks(cfg modelconfig.LayerConfig, input []byte, inFeatures int, workerIDs []byte) ([]FCTask, error) {
	if len(workerIDs) == 0 {
		return nil, ErrNoWorkers
	}
	if len(input) != inFeatures {
		return nil, fmt.Errorf("partition: fc input length %d does not match in_features %d", len(input), inFeatures)
	}

	slices := ClassSlices(cfg.OutChannels, len(workerIDs))
	tasks := make([]FCTask, 0, len(slices))

	for i, cr := range slices {
		if cr.empty() {
			continue
		}
		msg := protocol.Task{
			LayerType:   wireLayerType(cfg.Type),
			LayerIdx:    uint32(cfg.LayerIdx),
			InFeatures:  uint32(inFeatures),
			OutFeatures: uint32(cr.C1 - cr.C0),
			OutChannels: uint32(cfg.OutChannels),
			Input:       append([]byte(nil), input...),
		}
		tasks = append(tasks, FCTask{WorkerID: workerIDs[i], Classes: cr, Message: msg})
	}
	return tasks, nil
}

// GlobalAveragePool reduces a (C,H,W) uint8 tensor to a 1D length-C vector
// by taking the per-channel mean over H and W, rounded to nearest integer
// and clipped to [0,255] (spec §4.6, §4.7b).
func GlobalAveragePool(data []byte, c, h, w int) []byte {
	out := make([]byte, c)
	area := h * w
	for ch := 0; ch < c; ch++ {
		base := ch * area
		sum := 0
		for i := 0; i < area; i++ {
			sum += int(data[base+i])
		}
		mean := float64(sum) / float64(area)
		out[ch] = ClipRoundU8(mean)
	}
	return out
}

// ClipRoundU8 rounds x to the nearest integer and clips it to [0,255],
// the shared rounding rule used throughout the quantization math.
func ClipRoundU8(x float64) byte {
	r := roundHalfAwayFromZero(x)
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return byte(r)
}

func roundHalfAwayFromZero(x float64) int {
	if x >= 0 {
		return int(x + 0.5)
	}
	return -int(-x + 0.5)
}

func wireLayerType(t modelconfig.LayerType) protocol.LayerType {
	switch t {
	case modelconfig.Conv:
		return protocol.LayerConv
	case modelconfig.Depthwise:
		return protocol.LayerDepthwise
	case modelconfig.Pointwise:
		return protocol.LayerPointwise
	case modelconfig.FC:
		return protocol.LayerFC
	default:
		return protocol.LayerConv
	}
}
