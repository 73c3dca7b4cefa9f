// Package tiling computes the tile grid that partitions an out-of-core
// volume into disjoint core regions with overlapping halo margins.
//
// Core regions exactly tile the volume: tiles are laid out on a regular grid
// of the configured core size, with the trailing tile on each axis truncated
// at the volume boundary. The halo extends each tile symmetrically by the
// filter support radius, clipped at the volume faces, so filter responses
// inside the core never depend on tile boundaries. Partitioning is pure
// computation over shape parameters; no data is touched.
package tiling

import (
	"fmt"
	"math"

	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/volume"
)

// Tile is one unit of work: a disjoint core region plus the halo-extended
// region actually loaded for filtering.
type Tile struct {
	// ID is the tile's position in z-major enumeration order.
	ID int

	// CoreOffset and CoreExtent bound the exported region in global
	// voxel coordinates.
	CoreOffset volume.Index3
	CoreExtent volume.Index3

	// HaloOffset and HaloExtent bound the loaded region in global voxel
	// coordinates. Boundary tiles have the halo clipped on outside faces.
	HaloOffset volume.Index3
	HaloExtent volume.Index3
}

// CoreInHalo returns the offset of the core region within the halo-extended
// buffer.
func (t Tile) CoreInHalo() volume.Index3 {
	return t.CoreOffset.Sub(t.HaloOffset)
}

// Grid is the covering set of tiles for one volume.
type Grid struct {
	Tiles []Tile

	// Counts is the number of tiles per axis.
	Counts volume.Index3

	// Halo is the requested halo margin in voxels.
	Halo int
}

// SupportRadius returns the spatial support radius in voxels of the largest
// enhancement scale: three standard deviations of the Gaussian plus one
// voxel for the central difference stencil.
func SupportRadius(maxSigma float64) int {
	if maxSigma <= 0 {
		return 1
	}
	return int(math.Ceil(3*maxSigma)) + 1
}

// Partition computes the tile grid for a volume.
//
// The core size is requested per axis and clamped to the volume shape. The
// halo must be at least the filter support radius; a halo-extended tile must
// fit in memBudget bytes at bytesPerVoxel working bytes per loaded voxel.
// Violations report config.ErrConfiguration.
func Partition(shape volume.Index3, core volume.Index3, halo int, memBudget int64, bytesPerVoxel int) (*Grid, error) {
	if !shape.Positive() {
		return nil, fmt.Errorf("%w: volume shape %v is not positive", config.ErrConfiguration, shape)
	}
	if !core.Positive() {
		return nil, fmt.Errorf("%w: tile core %v is not positive", config.ErrConfiguration, core)
	}
	if halo < 0 {
		return nil, fmt.Errorf("%w: halo %d is negative", config.ErrConfiguration, halo)
	}

	core = clampExtent(core, shape)

	// A halo-extended tile at full core size is the worst case footprint.
	worst := volume.Index3{
		Z: minInt(core.Z+2*halo, shape.Z),
		Y: minInt(core.Y+2*halo, shape.Y),
		X: minInt(core.X+2*halo, shape.X),
	}
	need := int64(worst.NumVoxels()) * int64(bytesPerVoxel)
	if memBudget > 0 && need > memBudget {
		return nil, fmt.Errorf("%w: tile core %v with halo %d needs %d bytes, budget is %d",
			config.ErrConfiguration, core, halo, need, memBudget)
	}

	counts := volume.Index3{
		Z: ceilDiv(shape.Z, core.Z),
		Y: ceilDiv(shape.Y, core.Y),
		X: ceilDiv(shape.X, core.X),
	}

	g := &Grid{
		Tiles:  make([]Tile, 0, counts.NumVoxels()),
		Counts: counts,
		Halo:   halo,
	}
	id := 0
	for tz := 0; tz < counts.Z; tz++ {
		for ty := 0; ty < counts.Y; ty++ {
			for tx := 0; tx < counts.X; tx++ {
				off := volume.Index3{Z: tz * core.Z, Y: ty * core.Y, X: tx * core.X}
				ext := volume.Index3{
					Z: minInt(core.Z, shape.Z-off.Z),
					Y: minInt(core.Y, shape.Y-off.Y),
					X: minInt(core.X, shape.X-off.X),
				}
				hOff := volume.Index3{
					Z: maxInt(off.Z-halo, 0),
					Y: maxInt(off.Y-halo, 0),
					X: maxInt(off.X-halo, 0),
				}
				hEnd := volume.Index3{
					Z: minInt(off.Z+ext.Z+halo, shape.Z),
					Y: minInt(off.Y+ext.Y+halo, shape.Y),
					X: minInt(off.X+ext.X+halo, shape.X),
				}
				g.Tiles = append(g.Tiles, Tile{
					ID:         id,
					CoreOffset: off,
					CoreExtent: ext,
					HaloOffset: hOff,
					HaloExtent: hEnd.Sub(hOff),
				})
				id++
			}
		}
	}
	return g, nil
}

func clampExtent(a, bound volume.Index3) volume.Index3 {
	return volume.Index3{
		Z: minInt(a.Z, bound.Z),
		Y: minInt(a.Y, bound.Y),
		X: minInt(a.X, bound.X),
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
