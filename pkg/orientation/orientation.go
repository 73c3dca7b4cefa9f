// Package orientation selects the optimal enhancement scale per voxel and
// estimates the local fiber orientation and coherence from the filter bank's
// eigen-analysis.
//
// Orientations are orientations, not directions: v and -v describe the same
// fiber. Every exported vector is therefore normalized to a canonical
// hemisphere so that recomputation yields identical values regardless of
// which antipodal representative the eigen-decomposition produced.
package orientation

import (
	"math"

	"fiberorient3d/pkg/frangi"
	"fiberorient3d/pkg/volume"
)

// Params configures scale selection.
type Params struct {
	// NoiseFloor is the minimum tubularity response. Voxels whose best
	// response falls below it receive a null orientation and zero
	// coherence, and are excluded from downstream aggregation.
	NoiseFloor float64
}

// Field holds the per-voxel orientation estimate for a tile's core region.
// The halo is used for computation only and is not exported.
type Field struct {
	// Extent is the core region extent.
	Extent volume.Index3

	// Vectors holds 3 components (Z,Y,X) per voxel: a canonical-hemisphere
	// unit vector, or the zero vector for null voxels.
	Vectors []float64

	// Coherence holds the per-voxel confidence in [0,1].
	Coherence []float64

	// Response holds the winning tubularity response per voxel.
	Response []float64

	// ScaleIdx holds the selected scale index per voxel, -1 for null voxels.
	ScaleIdx []int
}

// IsNull reports whether the voxel at flat index i carries no orientation.
func (f *Field) IsNull(i int) bool {
	return f.ScaleIdx[i] < 0
}

// Canonicalize maps an orientation vector to the canonical hemisphere: the
// first non-zero component in (Z,Y,X) order is made positive. Antipodal
// inputs map to the same output.
func Canonicalize(v [3]float64) [3]float64 {
	for _, c := range v {
		if c > 0 {
			return v
		}
		if c < 0 {
			return [3]float64{-v[0], -v[1], -v[2]}
		}
	}
	return v
}

// Estimate reduces a tile's scale space to an orientation field over the
// core region. coreOff is the core origin within the halo-extended buffer.
//
// Scale selection takes the maximal tubularity response; ties break toward
// the smaller scale, preferring the finest structure that explains the
// signal. At the winning scale the principal axis becomes the voxel's
// orientation and the coherence derives from the eigenvalue gap.
func Estimate(ss *frangi.ScaleSpace, coreOff, coreExt volume.Index3, p Params) *Field {
	n := coreExt.NumVoxels()
	f := &Field{
		Extent:    coreExt,
		Vectors:   make([]float64, 3*n),
		Coherence: make([]float64, n),
		Response:  make([]float64, n),
		ScaleIdx:  make([]int, n),
	}

	ext := ss.Extent
	for cz := 0; cz < coreExt.Z; cz++ {
		for cy := 0; cy < coreExt.Y; cy++ {
			for cx := 0; cx < coreExt.X; cx++ {
				ci := (cz*coreExt.Y+cy)*coreExt.X + cx
				hi := ((coreOff.Z+cz)*ext.Y+(coreOff.Y+cy))*ext.X + (coreOff.X + cx)

				best := 0
				bestResp := ss.Responses[0][hi]
				for si := 1; si < len(ss.Responses); si++ {
					if ss.Responses[si][hi] > bestResp {
						best = si
						bestResp = ss.Responses[si][hi]
					}
				}
				f.Response[ci] = bestResp

				if bestResp < p.NoiseFloor {
					f.ScaleIdx[ci] = -1
					continue
				}
				f.ScaleIdx[ci] = best

				v := Canonicalize([3]float64{
					ss.Axes[best][3*hi],
					ss.Axes[best][3*hi+1],
					ss.Axes[best][3*hi+2],
				})
				norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
				if norm == 0 {
					f.ScaleIdx[ci] = -1
					continue
				}
				f.Vectors[3*ci] = v[0] / norm
				f.Vectors[3*ci+1] = v[1] / norm
				f.Vectors[3*ci+2] = v[2] / norm

				f.Coherence[ci] = coherence(
					ss.Eigs[best][3*hi],
					ss.Eigs[best][3*hi+1],
					ss.Eigs[best][3*hi+2],
				)
			}
		}
	}
	return f
}

// coherence computes the normalized eigenvalue gap from signed eigenvalues
// ordered by ascending magnitude. With magnitudes m1 <= m2 <= m3, a tube has
// two comparable large curvatures and a vanishing one along the axis, so
// (m2-m1)/(m2+m1) approaches 1; isotropic neighborhoods give 0.
func coherence(l1, l2, _ float64) float64 {
	m1, m2 := math.Abs(l1), math.Abs(l2)
	if m1+m2 == 0 {
		return 0
	}
	c := (m2 - m1) / (m2 + m1)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
