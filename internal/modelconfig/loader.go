package modelconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// InvalidError reports a field-level problem with one layer entry of the
// config document. Index is the entry's position in the "layers" array
// (encoding/json does not track source line numbers, so position is the
// closest stand-in for the "line" spec §4.5 names).
type InvalidError struct {
	Index  int
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("modelconfig: layer %d: %s", e.Index, e.Reason)
}

// ErrConfigInvalid is the sentinel InvalidError wraps, for errors.Is checks.
var ErrConfigInvalid = errors.New("modelconfig: invalid config")

func (e *InvalidError) Unwrap() error { return ErrConfigInvalid }

func invalid(index int, format string, args ...any) error {
	return &InvalidError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

// Load reads and validates the model config JSON document at path.
func Load(path string) ([]LayerConfig, []QuantParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("modelconfig: opening %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads and validates the model config JSON document from r.
// The layer ordering in the document is authoritative; layer_idx is
// assigned from position (spec §4.5).
func Decode(r io.Reader) ([]LayerConfig, []QuantParams, error) {
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("modelconfig: decoding JSON: %w", err)
	}

	if len(doc.Layers) == 0 {
		return nil, nil, invalid(0, "config has no layers")
	}

	layers := make([]LayerConfig, 0, len(doc.Layers))
	quants := make([]QuantParams, 0, len(doc.Layers))

	for i, entry := range doc.Layers {
		lc := entry.LayerConfig
		qp := entry.QuantParams

		if lc.Name == "" {
			return nil, nil, invalid(i, "missing name")
		}
		if lc.OutChannels <= 0 {
			return nil, nil, invalid(i, "out_channels must be positive")
		}
		if lc.Type != FC {
			if lc.InChannels <= 0 {
				return nil, nil, invalid(i, "in_channels must be positive")
			}
			if lc.KernelSize <= 0 {
				return nil, nil, invalid(i, "kernel_size must be positive")
			}
			if lc.Stride <= 0 {
				return nil, nil, invalid(i, "stride must be positive")
			}
			if lc.Padding < 0 {
				return nil, nil, invalid(i, "padding must be non-negative")
			}
		}
		if qp.SIn <= 0 {
			return nil, nil, invalid(i, "s_in must be positive")
		}
		if qp.ZIn < 0 || qp.ZIn > 255 {
			return nil, nil, invalid(i, "z_in must be in [0,255]")
		}
		if qp.SOut <= 0 {
			return nil, nil, invalid(i, "s_out must be positive")
		}
		if len(qp.M) != lc.OutChannels {
			return nil, nil, invalid(i, "m must have length out_channels (%d), got %d", lc.OutChannels, len(qp.M))
		}
		if (qp.SResidualOut == nil) != (qp.ZResidualOut == nil) {
			return nil, nil, invalid(i, "s_residual_out and z_residual_out must both be set or both be null")
		}
		if lc.ResidualConnectFrom != nil && qp.SResidualOut == nil {
			return nil, nil, invalid(i, "residual_connect_from requires s_residual_out/z_residual_out")
		}

		layers = append(layers, LayerConfig{
			Name:                lc.Name,
			Type:                lc.Type,
			LayerIdx:            i,
			InChannels:          lc.InChannels,
			OutChannels:         lc.OutChannels,
			KernelSize:          lc.KernelSize,
			Stride:              lc.Stride,
			Padding:             lc.Padding,
			Groups:              lc.Groups,
			ResidualAddTo:       lc.ResidualAddTo,
			ResidualConnectFrom: lc.ResidualConnectFrom,
		})
		quants = append(quants, qp)
	}

	return layers, quants, nil
}
