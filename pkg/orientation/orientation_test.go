package orientation

import (
	"math"
	"testing"

	"fiberorient3d/pkg/frangi"
	"fiberorient3d/pkg/volume"
)

// tubeScaleSpace runs the filter bank on a synthetic bright tube along the Z
// axis so the estimator can be exercised on known geometry.
func tubeScaleSpace(t *testing.T, side int, scalesUm []float64) *frangi.ScaleSpace {
	t.Helper()
	ext := volume.Index3{Z: side, Y: side, X: side}
	data := make([]float64, ext.NumVoxels())
	c := float64(side-1) / 2
	for z := 0; z < side; z++ {
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				dy := float64(y) - c
				dx := float64(x) - c
				data[(z*side+y)*side+x] = math.Exp(-(dy*dy + dx*dx) / 8)
			}
		}
	}

	bank, err := frangi.NewBank(frangi.Params{
		Alpha:  0.001,
		Beta:   1,
		Scales: frangi.ScalesFromUm(scalesUm, volume.Spacing{Z: 1, Y: 1, X: 1}),
	})
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	ss, _ := bank.Run(data, ext)
	return ss
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in, want [3]float64
	}{
		{[3]float64{1, 2, 3}, [3]float64{1, 2, 3}},
		{[3]float64{-1, 2, 3}, [3]float64{1, -2, -3}},
		{[3]float64{0, -2, 3}, [3]float64{0, 2, -3}},
		{[3]float64{0, 0, -3}, [3]float64{0, 0, 3}},
		{[3]float64{0, 0, 0}, [3]float64{0, 0, 0}},
	}
	for _, tc := range cases {
		if got := Canonicalize(tc.in); got != tc.want {
			t.Errorf("Canonicalize(%v): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

// TestCanonicalizeAntipodal verifies that v and -v map to the same canonical
// representative, the invariant the ODF binning relies on.
func TestCanonicalizeAntipodal(t *testing.T) {
	vectors := [][3]float64{
		{0.3, -0.5, 0.8},
		{-0.3, 0.5, -0.8},
		{0, 0.6, -0.8},
		{0, -0.6, 0.8},
	}
	for _, v := range vectors {
		neg := [3]float64{-v[0], -v[1], -v[2]}
		if Canonicalize(v) != Canonicalize(neg) {
			t.Errorf("Expected %v and %v to share a canonical form", v, neg)
		}
	}
}

// TestEstimateTubeOrientation checks the end-to-end estimate on a synthetic
// tube: the voxel on the tube axis carries a unit orientation aligned with Z
// and a coherence close to one.
func TestEstimateTubeOrientation(t *testing.T) {
	side := 15
	ss := tubeScaleSpace(t, side, []float64{2.0})

	coreOff := volume.Index3{Z: 4, Y: 4, X: 4}
	coreExt := volume.Index3{Z: 7, Y: 7, X: 7}
	f := Estimate(ss, coreOff, coreExt, Params{NoiseFloor: 1e-4})

	// Center of the core region is the tube axis in halo coordinates.
	ci := (3*coreExt.Y+3)*coreExt.X + 3
	if f.IsNull(ci) {
		t.Fatalf("Expected an orientation on the tube axis")
	}

	vz, vy, vx := f.Vectors[3*ci], f.Vectors[3*ci+1], f.Vectors[3*ci+2]
	norm := math.Sqrt(vz*vz + vy*vy + vx*vx)
	if math.Abs(norm-1) > 1e-9 {
		t.Errorf("Expected unit orientation, got norm %f", norm)
	}
	if math.Abs(vz) < 0.95 {
		t.Errorf("Expected orientation along Z, got (%f,%f,%f)", vz, vy, vx)
	}
	if vz < 0 {
		t.Errorf("Expected canonical hemisphere (vz>=0), got vz=%f", vz)
	}

	// A symmetric tube has two equal principal curvatures and a vanishing
	// axial one, so coherence approaches 1.
	if f.Coherence[ci] < 0.8 {
		t.Errorf("Expected coherence near 1 on the tube axis, got %f", f.Coherence[ci])
	}
	if f.Coherence[ci] > 1 {
		t.Errorf("Expected coherence within [0,1], got %f", f.Coherence[ci])
	}
}

// TestEstimateNoiseFloor checks that voxels whose best response falls below
// the floor receive a null orientation, zero coherence and scale index -1.
func TestEstimateNoiseFloor(t *testing.T) {
	side := 15
	ss := tubeScaleSpace(t, side, []float64{2.0})
	coreExt := volume.Index3{Z: side, Y: side, X: side}

	// An absurd floor nulls every voxel.
	f := Estimate(ss, volume.Index3{}, coreExt, Params{NoiseFloor: 10})
	for i := 0; i < coreExt.NumVoxels(); i++ {
		if !f.IsNull(i) {
			t.Fatalf("voxel %d: expected null orientation above floor 10", i)
		}
		if f.Coherence[i] != 0 {
			t.Fatalf("voxel %d: expected zero coherence for null voxel, got %f", i, f.Coherence[i])
		}
		if f.Vectors[3*i] != 0 || f.Vectors[3*i+1] != 0 || f.Vectors[3*i+2] != 0 {
			t.Fatalf("voxel %d: expected zero vector for null voxel", i)
		}
		if f.ScaleIdx[i] != -1 {
			t.Fatalf("voxel %d: expected scale index -1, got %d", i, f.ScaleIdx[i])
		}
	}
}

// TestEstimateScaleTieBreak verifies that equal responses select the smaller
// scale index.
func TestEstimateScaleTieBreak(t *testing.T) {
	ext := volume.Index3{Z: 1, Y: 1, X: 1}
	ss := &frangi.ScaleSpace{
		Extent: ext,
		Scales: frangi.ScalesFromUm([]float64{1, 2}, volume.Spacing{Z: 1, Y: 1, X: 1}),
		Responses: [][]float64{
			{0.5},
			{0.5},
		},
		Axes: [][]float64{
			{0, 1, 0},
			{0, 0, 1},
		},
		Eigs: [][]float64{
			{0, -1, -1},
			{0, -1, -1},
		},
	}

	f := Estimate(ss, volume.Index3{}, ext, Params{NoiseFloor: 0})
	if f.ScaleIdx[0] != 0 {
		t.Errorf("Expected tie to select scale 0, got %d", f.ScaleIdx[0])
	}
	if f.Vectors[1] != 1 {
		t.Errorf("Expected the scale-0 axis, got (%f,%f,%f)", f.Vectors[0], f.Vectors[1], f.Vectors[2])
	}
}

// TestEstimateDeterministic runs the estimator twice over the same scale
// space and expects identical output, including vector signs.
func TestEstimateDeterministic(t *testing.T) {
	side := 11
	ss := tubeScaleSpace(t, side, []float64{1.5, 2.5})
	coreExt := volume.Index3{Z: side, Y: side, X: side}

	a := Estimate(ss, volume.Index3{}, coreExt, Params{NoiseFloor: 1e-4})
	b := Estimate(ss, volume.Index3{}, coreExt, Params{NoiseFloor: 1e-4})

	for i := range a.Vectors {
		if a.Vectors[i] != b.Vectors[i] {
			t.Fatalf("component %d: expected identical vectors, got %g vs %g",
				i, a.Vectors[i], b.Vectors[i])
		}
	}
	for i := range a.ScaleIdx {
		if a.ScaleIdx[i] != b.ScaleIdx[i] || a.Coherence[i] != b.Coherence[i] {
			t.Fatalf("voxel %d: expected identical selection", i)
		}
	}
}

func TestCoherenceBounds(t *testing.T) {
	if c := coherence(0, -1, -1); c != 1 {
		t.Errorf("Expected coherence 1 for a perfect tube, got %f", c)
	}
	if c := coherence(-1, -1, -1); c != 0 {
		t.Errorf("Expected coherence 0 for an isotropic neighborhood, got %f", c)
	}
	if c := coherence(0, 0, 0); c != 0 {
		t.Errorf("Expected coherence 0 for zero eigenvalues, got %f", c)
	}
}
