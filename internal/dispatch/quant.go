package dispatch

import (
	"fmt"

	"github.com/atsika/distinfer/internal/partition"
)

// Dequantize maps a uint8 affine-quantized value back to the real domain:
// x = (q - z) * s (spec GLOSSARY).
func Dequantize(q byte, s float64, z int) float64 {
	return (float64(q) - float64(z)) * s
}

// Requantize maps a real value into the uint8 domain (s,z):
// q = clip(round(x/s + z), 0, 255).
func Requantize(x float64, s float64, z int) byte {
	return partition.ClipRoundU8(x/s + float64(z))
}

// QuantizeTensor applies Requantize elementwise, used once at the top of
// execute_inference to quantize the raw real-valued input (spec §4.7 step 2).
func QuantizeTensor(x []float64, s float64, z int) []byte {
	out := make([]byte, len(x))
	for i, v := range x {
		out[i] = Requantize(v, s, z)
	}
	return out
}

type residualEntry struct {
	fm  FeatureMap
	sIn float64
	zIn int
}

// residualAdd implements spec §4.7's residual-add-across-rescaling: dequantize
// both operands into the real domain under their own (s,z), sum, then
// requantize under (sRes, zRes). Shapes must match exactly.
func residualAdd(saved residualEntry, current FeatureMap, sOut float64, zOut int, sRes float64, zRes int) ([]byte, error) {
	if !saved.fm.sameShapeAs(current) {
		return nil, fmt.Errorf("%w: saved (%d,%d,%d) vs current (%d,%d,%d)",
			ErrShapeMismatch, saved.fm.C, saved.fm.H, saved.fm.W, current.C, current.H, current.W)
	}

	out := make([]byte, len(current.Data))
	for i := range out {
		xf := Dequantize(saved.fm.Data[i], saved.sIn, saved.zIn)
		yf := Dequantize(current.Data[i], sOut, zOut)
		out[i] = Requantize(xf+yf, sRes, zRes)
	}
	return out, nil
}
