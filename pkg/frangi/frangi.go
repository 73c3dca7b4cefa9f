// Package frangi implements the multiscale enhancement filter bank: per-tile
// Gaussian scale-space smoothing, Hessian estimation and eigen-analysis
// yielding a tubularity response that emphasizes elongated, tube-like
// intensity ridges while suppressing planar and blob-like structures and
// background noise (Frangi et al., 1998).
//
// The filter operates on a tile's halo-extended buffer so that responses
// inside the core region are independent of tile boundaries.
package frangi

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/volume"
)

// Scale is one enhancement scale of the filter bank.
type Scale struct {
	// Um is the physical scale in micrometers.
	Um float64

	// Sigma is the Gaussian standard deviation in voxels per axis,
	// derived from Um and the volume spacing.
	Sigma volume.Spacing
}

// ScalesFromUm converts physical scales to voxel-space scales.
func ScalesFromUm(um []float64, spacing volume.Spacing) []Scale {
	scales := make([]Scale, len(um))
	for i, s := range um {
		scales[i] = Scale{
			Um: s,
			Sigma: volume.Spacing{
				Z: s / spacing.Z,
				Y: s / spacing.Y,
				X: s / spacing.X,
			},
		}
	}
	return scales
}

// MaxSigma returns the largest per-axis standard deviation across scales,
// used to derive the halo (filter support) requirement.
func MaxSigma(scales []Scale) float64 {
	m := 0.0
	for _, s := range scales {
		m = math.Max(m, math.Max(s.Sigma.Z, math.Max(s.Sigma.Y, s.Sigma.X)))
	}
	return m
}

// Params configures the filter bank.
type Params struct {
	// Alpha is the plate-like object sensitivity.
	Alpha float64

	// Beta is the blob-like object sensitivity.
	Beta float64

	// Gamma is the background score sensitivity. Zero or negative derives
	// gamma per tile and scale as half the maximum Hessian Frobenius norm.
	Gamma float64

	// Scales are the candidate scales, strictly increasing.
	Scales []Scale
}

// DataQualityWarning reports non-finite voxel values encountered in a tile.
// The offending voxels contribute zero response and the pipeline continues.
type DataQualityWarning struct {
	// NonFinite is the number of NaN or infinite input voxels zeroed.
	NonFinite int
}

func (w *DataQualityWarning) String() string {
	return fmt.Sprintf("data quality: %d non-finite voxels treated as zero response", w.NonFinite)
}

// ScaleSpace holds the per-scale filter bank output for one tile. It is
// ephemeral: the scale selector consumes it and it is discarded.
type ScaleSpace struct {
	// Extent is the halo-extended tile extent.
	Extent volume.Index3

	// Scales are the candidate scales, in the order of the outer slices.
	Scales []Scale

	// Responses holds one tubularity response value per voxel per scale.
	Responses [][]float64

	// Axes holds the principal axis (eigenvector of the smallest-magnitude
	// eigenvalue) per voxel per scale, 3 components (Z,Y,X) per voxel. The
	// sign is whatever the eigen-decomposition produced; canonicalization
	// happens downstream.
	Axes [][]float64

	// Eigs holds the signed Hessian eigenvalues per voxel per scale,
	// ordered by ascending magnitude.
	Eigs [][]float64
}

// Bank is a multiscale enhancement filter bank.
type Bank struct {
	params Params
}

// NewBank validates the parameters and creates a filter bank.
func NewBank(p Params) (*Bank, error) {
	if p.Alpha <= 0 || p.Beta <= 0 {
		return nil, fmt.Errorf("%w: frangi alpha and beta must be positive", config.ErrConfiguration)
	}
	if len(p.Scales) == 0 {
		return nil, fmt.Errorf("%w: frangi needs at least one scale", config.ErrConfiguration)
	}
	for i, s := range p.Scales {
		if s.Um <= 0 {
			return nil, fmt.Errorf("%w: frangi scale %d is non-positive", config.ErrConfiguration, i)
		}
		if i > 0 && s.Um <= p.Scales[i-1].Um {
			return nil, fmt.Errorf("%w: frangi scales must be strictly increasing", config.ErrConfiguration)
		}
	}
	return &Bank{params: p}, nil
}

// Run computes the tubularity scale space of one halo-extended tile buffer.
// Non-finite input voxels are zeroed before filtering and their response is
// forced to zero at every scale, so they carry no orientation downstream.
// The returned warning reports them (nil when the tile is clean).
func (b *Bank) Run(data []float64, ext volume.Index3) (*ScaleSpace, *DataQualityWarning) {
	n := ext.NumVoxels()
	clean := make([]float64, n)
	var bad []int
	for i := 0; i < n; i++ {
		v := data[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, i)
			continue
		}
		clean[i] = v
	}

	ss := &ScaleSpace{
		Extent:    ext,
		Scales:    b.params.Scales,
		Responses: make([][]float64, len(b.params.Scales)),
		Axes:      make([][]float64, len(b.params.Scales)),
		Eigs:      make([][]float64, len(b.params.Scales)),
	}

	for si, scale := range b.params.Scales {
		resp, axes, eigs := b.runScale(clean, ext, scale)
		// The zeroed input still smooths into a plausible ridge value at the
		// bad voxel itself; the measurement there is untrustworthy, so the
		// response and axis are cleared outright.
		for _, i := range bad {
			resp[i] = 0
			axes[3*i], axes[3*i+1], axes[3*i+2] = 0, 0, 0
			eigs[3*i], eigs[3*i+1], eigs[3*i+2] = 0, 0, 0
		}
		ss.Responses[si] = resp
		ss.Axes[si] = axes
		ss.Eigs[si] = eigs
	}

	if len(bad) > 0 {
		return ss, &DataQualityWarning{NonFinite: len(bad)}
	}
	return ss, nil
}

// runScale computes the response, principal axes and eigenvalues at one scale.
func (b *Bank) runScale(data []float64, ext volume.Index3, scale Scale) (resp, axes, eigs []float64) {
	smoothed := gaussianSmooth3D(data, ext, scale.Sigma)
	hzz, hyy, hxx, hzy, hzx, hyx := hessian3D(smoothed, ext, scale.Sigma)

	n := ext.NumVoxels()
	resp = make([]float64, n)
	axes = make([]float64, 3*n)
	eigs = make([]float64, 3*n)

	// First pass: eigen-decomposition and the second-order structureness
	// norm, needed for automatic gamma.
	frob := make([]float64, n)
	maxFrob := 0.0

	sym := mat.NewSymDense(3, nil)
	var es mat.EigenSym
	var vecs mat.Dense
	vals := make([]float64, 3)

	for i := 0; i < n; i++ {
		sym.SetSym(0, 0, hzz[i])
		sym.SetSym(1, 1, hyy[i])
		sym.SetSym(2, 2, hxx[i])
		sym.SetSym(0, 1, hzy[i])
		sym.SetSym(0, 2, hzx[i])
		sym.SetSym(1, 2, hyx[i])

		if !es.Factorize(sym, true) {
			// Leave a zero axis and zero eigenvalues; the response for a
			// degenerate tensor stays zero.
			continue
		}
		es.Values(vals)
		es.VectorsTo(&vecs)

		// Order eigenvalues by ascending magnitude. Ties resolve toward
		// the smaller original index.
		order := [3]int{0, 1, 2}
		sort.SliceStable(order[:], func(a, c int) bool {
			ma, mc := math.Abs(vals[order[a]]), math.Abs(vals[order[c]])
			if ma != mc {
				return ma < mc
			}
			return order[a] < order[c]
		})

		for k := 0; k < 3; k++ {
			eigs[3*i+k] = vals[order[k]]
		}
		// Principal axis: eigenvector of the smallest-magnitude eigenvalue,
		// the fiber's long axis.
		for c := 0; c < 3; c++ {
			axes[3*i+c] = vecs.At(c, order[0])
		}

		l1, l2, l3 := eigs[3*i], eigs[3*i+1], eigs[3*i+2]
		frob[i] = math.Sqrt(l1*l1 + l2*l2 + l3*l3)
		if frob[i] > maxFrob {
			maxFrob = frob[i]
		}
	}

	gamma := b.params.Gamma
	if gamma <= 0 {
		gamma = maxFrob / 2
		if gamma == 0 {
			gamma = 1 // uniform tile, all responses are zero anyway
		}
	}

	twoA2 := 2 * b.params.Alpha * b.params.Alpha
	twoB2 := 2 * b.params.Beta * b.params.Beta
	twoG2 := 2 * gamma * gamma

	for i := 0; i < n; i++ {
		l1, l2, l3 := eigs[3*i], eigs[3*i+1], eigs[3*i+2]

		// Bright tubes on a dark background require both large principal
		// curvatures to be negative.
		if l2 > 0 || l3 > 0 {
			continue
		}
		m1, m2, m3 := math.Abs(l1), math.Abs(l2), math.Abs(l3)
		if m3 == 0 {
			continue
		}

		ra := m2 / m3
		rb := m1 / math.Sqrt(m2*m3)
		s := frob[i]

		resp[i] = (1 - math.Exp(-(ra*ra)/twoA2)) *
			math.Exp(-(rb*rb)/twoB2) *
			(1 - math.Exp(-(s*s)/twoG2))
	}

	return resp, axes, eigs
}
