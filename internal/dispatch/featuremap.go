package dispatch

// FeatureMap is the coordinator's live activation tensor (spec §3): 3D
// (C,H,W) for convolutional stages, 1D (N,) after global average pooling or
// for FC. It is owned exclusively by the Dispatch Engine for the duration
// of one inference.
type FeatureMap struct {
	Data []byte
	C    int
	H    int
	W    int
}

// Is1D reports whether the feature map has already been reduced to a flat
// vector (spec §3 invariant (c): FC layers require this).
func (f FeatureMap) Is1D() bool { return f.H == 0 && f.W == 0 }

func (f FeatureMap) sameShapeAs(o FeatureMap) bool {
	return f.C == o.C && f.H == o.H && f.W == o.W
}

// clone deep-copies the feature map's data, for residual buffer snapshots
// (spec §3: ResidualBuffer holds "a saved copy of a feature map").
func (f FeatureMap) clone() FeatureMap {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return FeatureMap{Data: data, C: f.C, H: f.H, W: f.W}
}
