// Package odf aggregates voxel orientations into block-level orientation
// distribution functions (ODFs). The core region of a tile is partitioned
// into fixed-size super-voxel blocks; each non-null voxel orientation
// contributes to its nearest direction bin weighted by coherence, after sign
// canonicalization so that antipodal vectors fall into the same bin. Blocks
// also carry a real spherical harmonics series expansion of the orientation
// sample, matching the coefficient-based ODF representation of the fiber
// analysis literature (Alimi et al., 2020).
package odf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/orientation"
	"fiberorient3d/pkg/volume"
)

// Params configures the aggregator.
type Params struct {
	// BlockSide is the super-voxel side in voxels.
	BlockSide int

	// NumBins is the number of hemisphere direction bins.
	NumBins int

	// Degree is the even degree of the spherical harmonics expansion.
	Degree int
}

// BlockDescriptor summarizes the orientation distribution of one spatial
// block of a tile's core region.
type BlockDescriptor struct {
	// Block is the block coordinate within the tile's core block grid.
	Block volume.Index3

	// Histogram is the coherence-weighted direction-bin distribution,
	// normalized to sum to one. Left zero for empty blocks.
	Histogram []float64

	// Coeffs are the real spherical harmonics coefficients of the
	// orientation sample. Left zero for empty blocks.
	Coeffs []float64

	// Energy is the total accumulated coherence weight.
	Energy float64

	// Quality is the mean coherence of contributing voxels.
	Quality float64

	// Count is the number of contributing (non-null) voxels.
	Count int

	// Empty marks blocks with no contributing voxels. An empty block
	// carries no distribution rather than a degenerate one.
	Empty bool
}

// Aggregator bins voxel orientations into block-level distributions.
type Aggregator struct {
	params Params
	dirs   [][3]float64
	sh     *harmonics
}

// NewAggregator validates the parameters and precomputes the direction bin
// set and harmonics normalization factors.
func NewAggregator(p Params) (*Aggregator, error) {
	if p.BlockSide <= 0 {
		return nil, fmt.Errorf("%w: ODF block side must be positive", config.ErrConfiguration)
	}
	if p.NumBins <= 0 {
		return nil, fmt.Errorf("%w: ODF bin count must be positive", config.ErrConfiguration)
	}
	sh, err := newHarmonics(p.Degree)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		params: p,
		dirs:   HemisphereDirections(p.NumBins),
		sh:     sh,
	}, nil
}

// NumCoeffs returns the length of the spherical harmonics coefficient
// vector.
func (a *Aggregator) NumCoeffs() int { return a.sh.numCoeffs }

// Directions returns the fixed direction bin set on the canonical
// hemisphere.
func (a *Aggregator) Directions() [][3]float64 { return a.dirs }

// BlockGrid returns the block grid extent covering a core region. Boundary
// blocks may be partial.
func (a *Aggregator) BlockGrid(core volume.Index3) volume.Index3 {
	s := a.params.BlockSide
	return volume.Index3{
		Z: (core.Z + s - 1) / s,
		Y: (core.Y + s - 1) / s,
		X: (core.X + s - 1) / s,
	}
}

// Aggregate partitions a core-region orientation field into blocks and
// emits one descriptor per block, in z-major block order.
func (a *Aggregator) Aggregate(f *orientation.Field) []BlockDescriptor {
	grid := a.BlockGrid(f.Extent)
	side := a.params.BlockSide
	out := make([]BlockDescriptor, 0, grid.NumVoxels())

	for bz := 0; bz < grid.Z; bz++ {
		for by := 0; by < grid.Y; by++ {
			for bx := 0; bx < grid.X; bx++ {
				d := BlockDescriptor{
					Block:     volume.Index3{Z: bz, Y: by, X: bx},
					Histogram: make([]float64, a.params.NumBins),
					Coeffs:    make([]float64, a.sh.numCoeffs),
				}

				var coh []float64
				z0, z1 := bz*side, minInt((bz+1)*side, f.Extent.Z)
				y0, y1 := by*side, minInt((by+1)*side, f.Extent.Y)
				x0, x1 := bx*side, minInt((bx+1)*side, f.Extent.X)

				for z := z0; z < z1; z++ {
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							i := (z*f.Extent.Y+y)*f.Extent.X + x
							if f.IsNull(i) {
								continue
							}
							v := [3]float64{f.Vectors[3*i], f.Vectors[3*i+1], f.Vectors[3*i+2]}
							w := f.Coherence[i]

							d.Histogram[a.nearestBin(v)] += w
							d.Energy += w
							a.sh.accumulate(v, d.Coeffs)
							coh = append(coh, w)
							d.Count++
						}
					}
				}

				if d.Count == 0 {
					d.Empty = true
					out = append(out, d)
					continue
				}

				if d.Energy > 0 {
					for i := range d.Histogram {
						d.Histogram[i] /= d.Energy
					}
				}
				for i := range d.Coeffs {
					d.Coeffs[i] /= float64(d.Count)
				}
				d.Quality = stat.Mean(coh, nil)
				out = append(out, d)
			}
		}
	}
	return out
}

// nearestBin returns the direction bin with maximal absolute dot product,
// treating antipodal vectors as equal.
func (a *Aggregator) nearestBin(v [3]float64) int {
	best, bestDot := 0, -1.0
	for i, d := range a.dirs {
		dot := math.Abs(v[0]*d[0] + v[1]*d[1] + v[2]*d[2])
		if dot > bestDot {
			best, bestDot = i, dot
		}
	}
	return best
}

// HemisphereDirections returns n roughly uniform unit directions on the
// canonical (z >= 0) hemisphere via the Fibonacci lattice, components in
// (Z,Y,X) order.
func HemisphereDirections(n int) [][3]float64 {
	golden := math.Pi * (3 - math.Sqrt(5))
	dirs := make([][3]float64, n)
	for i := 0; i < n; i++ {
		z := (float64(i) + 0.5) / float64(n)
		r := math.Sqrt(1 - z*z)
		phi := float64(i) * golden
		dirs[i] = [3]float64{z, r * math.Sin(phi), r * math.Cos(phi)}
	}
	return dirs
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
