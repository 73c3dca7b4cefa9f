package frangi

import (
	"math"
	"testing"

	"fiberorient3d/pkg/volume"
)

// tubeVolume builds a synthetic bright tube running along the Z axis through
// the center of a cubic volume, with a Gaussian cross-section profile.
func tubeVolume(side int, radius float64) ([]float64, volume.Index3) {
	ext := volume.Index3{Z: side, Y: side, X: side}
	data := make([]float64, ext.NumVoxels())
	c := float64(side-1) / 2
	for z := 0; z < side; z++ {
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				dy := float64(y) - c
				dx := float64(x) - c
				data[(z*side+y)*side+x] = math.Exp(-(dy*dy + dx*dx) / (2 * radius * radius))
			}
		}
	}
	return data, ext
}

func TestScalesFromUm(t *testing.T) {
	scales := ScalesFromUm([]float64{2.0}, volume.Spacing{Z: 2.0, Y: 0.5, X: 0.5})

	if len(scales) != 1 {
		t.Fatalf("Expected 1 scale, got %d", len(scales))
	}
	if scales[0].Um != 2.0 {
		t.Errorf("Expected Um=2.0, got %f", scales[0].Um)
	}
	// Anisotropic spacing yields anisotropic per-axis sigmas.
	if scales[0].Sigma.Z != 1.0 || scales[0].Sigma.Y != 4.0 || scales[0].Sigma.X != 4.0 {
		t.Errorf("Expected sigma (1,4,4), got %+v", scales[0].Sigma)
	}

	if m := MaxSigma(scales); m != 4.0 {
		t.Errorf("Expected max sigma 4.0, got %f", m)
	}
	if m := MaxSigma(nil); m != 0 {
		t.Errorf("Expected max sigma 0 for no scales, got %f", m)
	}
}

func TestNewBankValidation(t *testing.T) {
	scales := ScalesFromUm([]float64{1.0}, volume.Spacing{Z: 1, Y: 1, X: 1})

	if _, err := NewBank(Params{Alpha: 0.001, Beta: 1, Scales: scales}); err != nil {
		t.Errorf("Expected valid parameters to pass, got %v", err)
	}
	if _, err := NewBank(Params{Alpha: 0, Beta: 1, Scales: scales}); err == nil {
		t.Errorf("Expected error for non-positive alpha")
	}
	if _, err := NewBank(Params{Alpha: 0.001, Beta: 1}); err == nil {
		t.Errorf("Expected error for empty scale list")
	}

	bad := ScalesFromUm([]float64{2.0, 1.0}, volume.Spacing{Z: 1, Y: 1, X: 1})
	if _, err := NewBank(Params{Alpha: 0.001, Beta: 1, Scales: bad}); err == nil {
		t.Errorf("Expected error for non-increasing scales")
	}
}

func TestGaussianKernelNormalized(t *testing.T) {
	for _, sigma := range []float64{0, 0.5, 1.0, 2.5} {
		k := gaussianKernel(sigma)
		if len(k)%2 != 1 {
			t.Errorf("sigma=%f: expected odd kernel length, got %d", sigma, len(k))
		}
		sum := 0.0
		for _, w := range k {
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("sigma=%f: expected kernel sum 1, got %f", sigma, sum)
		}
	}
}

// TestSmoothConstantVolume verifies that edge-replicated smoothing leaves a
// constant volume unchanged, so the Hessian vanishes everywhere.
func TestSmoothConstantVolume(t *testing.T) {
	ext := volume.Index3{Z: 6, Y: 6, X: 6}
	data := make([]float64, ext.NumVoxels())
	for i := range data {
		data[i] = 7.5
	}

	smoothed := gaussianSmooth3D(data, ext, volume.Spacing{Z: 1.2, Y: 1.2, X: 1.2})
	for i, v := range smoothed {
		if math.Abs(v-7.5) > 1e-9 {
			t.Fatalf("voxel %d: expected 7.5 after smoothing, got %f", i, v)
		}
	}

	hzz, hyy, hxx, hzy, hzx, hyx := hessian3D(smoothed, ext, volume.Spacing{Z: 1, Y: 1, X: 1})
	for i := range hzz {
		for _, h := range []float64{hzz[i], hyy[i], hxx[i], hzy[i], hzx[i], hyx[i]} {
			if math.Abs(h) > 1e-9 {
				t.Fatalf("voxel %d: expected zero Hessian, got %f", i, h)
			}
		}
	}
}

// TestRunUniformVolume checks that a structureless volume produces zero
// tubularity response at every voxel and scale.
func TestRunUniformVolume(t *testing.T) {
	ext := volume.Index3{Z: 8, Y: 8, X: 8}
	data := make([]float64, ext.NumVoxels())
	for i := range data {
		data[i] = 3.0
	}

	bank, err := NewBank(Params{
		Alpha:  0.001,
		Beta:   1,
		Scales: ScalesFromUm([]float64{1.0}, volume.Spacing{Z: 1, Y: 1, X: 1}),
	})
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	ss, warn := bank.Run(data, ext)
	if warn != nil {
		t.Errorf("Expected no data quality warning, got %s", warn)
	}
	for i, r := range ss.Responses[0] {
		if r != 0 {
			t.Fatalf("voxel %d: expected zero response in uniform volume, got %g", i, r)
		}
	}
}

// TestRunTubeResponse checks the filter on a synthetic tube: the response
// peaks on the tube axis, stays above the background, and the principal axis
// aligns with the tube direction.
func TestRunTubeResponse(t *testing.T) {
	side := 15
	data, ext := tubeVolume(side, 2.0)

	bank, err := NewBank(Params{
		Alpha:  0.001,
		Beta:   1,
		Scales: ScalesFromUm([]float64{2.0}, volume.Spacing{Z: 1, Y: 1, X: 1}),
	})
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	ss, warn := bank.Run(data, ext)
	if warn != nil {
		t.Errorf("Expected no data quality warning, got %s", warn)
	}

	center := (side/2*side+side/2)*side + side/2
	corner := (1*side+1)*side + 1

	if ss.Responses[0][center] <= 0 {
		t.Fatalf("Expected positive response on the tube axis, got %g", ss.Responses[0][center])
	}
	if ss.Responses[0][center] <= ss.Responses[0][corner] {
		t.Errorf("Expected axis response %g to exceed background response %g",
			ss.Responses[0][center], ss.Responses[0][corner])
	}

	// The smallest-magnitude eigenvector is the tube axis, up to sign.
	az := math.Abs(ss.Axes[0][3*center])
	if az < 0.95 {
		t.Errorf("Expected principal axis along Z (|vz|>=0.95), got |vz|=%f", az)
	}

	// Both principal curvatures are negative for a bright tube.
	l2, l3 := ss.Eigs[0][3*center+1], ss.Eigs[0][3*center+2]
	if l2 > 0 || l3 > 0 {
		t.Errorf("Expected negative principal curvatures, got l2=%g l3=%g", l2, l3)
	}
}

// TestRunNonFiniteInput checks that NaN and Inf voxels are zeroed, counted in
// the warning, and never poison the responses.
func TestRunNonFiniteInput(t *testing.T) {
	side := 11
	data, ext := tubeVolume(side, 2.0)
	data[0] = math.NaN()
	data[1] = math.Inf(1)
	data[2] = math.Inf(-1)

	bank, err := NewBank(Params{
		Alpha:  0.001,
		Beta:   1,
		Scales: ScalesFromUm([]float64{1.5}, volume.Spacing{Z: 1, Y: 1, X: 1}),
	})
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	ss, warn := bank.Run(data, ext)
	if warn == nil {
		t.Fatalf("Expected a data quality warning")
	}
	if warn.NonFinite != 3 {
		t.Errorf("Expected 3 non-finite voxels, got %d", warn.NonFinite)
	}
	for i, r := range ss.Responses[0] {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			t.Fatalf("voxel %d: non-finite response %g", i, r)
		}
	}
}

// TestRunNonFiniteOnTubeAxis plants a NaN on the tube axis, where the
// smoothed neighborhood still looks like a ridge, and checks that the
// response and axis at that voxel are forced to zero at every scale.
func TestRunNonFiniteOnTubeAxis(t *testing.T) {
	side := 15
	data, ext := tubeVolume(side, 2.0)
	bad := (side/2*side+side/2)*side + side/2
	data[bad] = math.NaN()

	bank, err := NewBank(Params{
		Alpha:  0.001,
		Beta:   1,
		Scales: ScalesFromUm([]float64{1.5, 2.0}, volume.Spacing{Z: 1, Y: 1, X: 1}),
	})
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	ss, warn := bank.Run(data, ext)
	if warn == nil || warn.NonFinite != 1 {
		t.Fatalf("Expected a warning for 1 non-finite voxel, got %v", warn)
	}

	for si := range ss.Responses {
		if r := ss.Responses[si][bad]; r != 0 {
			t.Errorf("scale %d: expected zero response at the non-finite voxel, got %g", si, r)
		}
		for c := 0; c < 3; c++ {
			if v := ss.Axes[si][3*bad+c]; v != 0 {
				t.Errorf("scale %d: expected zero axis at the non-finite voxel, got component %g", si, v)
			}
		}
	}

	// Neighboring on-axis voxels are unaffected and still respond.
	next := bad + side*side // one step along Z
	if ss.Responses[1][next] <= 0 {
		t.Errorf("Expected a positive response next to the non-finite voxel, got %g", ss.Responses[1][next])
	}
}

func TestDataQualityWarningString(t *testing.T) {
	w := &DataQualityWarning{NonFinite: 42}
	want := "data quality: 42 non-finite voxels treated as zero response"
	if got := w.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
