// Package preprocess defines the narrow interface spec §1 carves image
// preprocessing out behind ("out of scope... consumed only through narrow
// interfaces") plus one trivial stub implementation, enough for
// cmd/coordinator to wire an end-to-end path without pulling in an
// image-decoding dependency.
package preprocess

import (
	"fmt"
	"os"
)

// Loader produces a real-valued CHW tensor plus its shape from a path on
// disk. The Dispatch Engine quantizes this real-valued-in-[0,255]
// tensor itself under layer 0's (s_in, z_in); Loader implementations do not
// quantize.
type Loader interface {
	Load(path string) (data []float64, c, h, w int, err error)
}

// RawLoader reads a raw CHW uint8 file: c*h*w bytes in channel-major order,
// no header. Byte values are returned as their real-number float64
// equivalent (0-255).
type RawLoader struct {
	C, H, W int
}

// Load implements Loader.
func (l RawLoader) Load(path string) (data []float64, c, h, w int, err error) {
	if l.C <= 0 || l.H <= 0 || l.W <= 0 {
		return nil, 0, 0, 0, fmt.Errorf("preprocess: RawLoader shape (%d,%d,%d) invalid", l.C, l.H, l.W)
	}
	want := l.C * l.H * l.W

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("preprocess: reading %s: %w", path, err)
	}
	if len(raw) != want {
		return nil, 0, 0, 0, fmt.Errorf("preprocess: %s has %d bytes, want %d for shape (%d,%d,%d)", path, len(raw), want, l.C, l.H, l.W)
	}

	data = make([]float64, want)
	for i, b := range raw {
		data[i] = float64(b)
	}
	return data, l.C, l.H, l.W, nil
}
