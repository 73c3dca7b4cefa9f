// Package volume provides the read/write window over out-of-core 3D
// volumetric data consumed by the processing pipeline. A volume is a dense
// 3D array with shape (Z,Y,X), an optional per-voxel channel count and a
// physical voxel spacing in micrometers. Content is accessed through the
// Accessor interface in rectangular regions, so callers never need the whole
// volume in memory at once.
package volume

import (
	"errors"
	"fmt"
)

var (
	// ErrIO indicates an unreadable or corrupt underlying store.
	ErrIO = errors.New("volume: i/o failure")

	// ErrShapeMismatch indicates a region request that disagrees with the
	// declared volume shape or channel count.
	ErrShapeMismatch = errors.New("volume: region shape mismatch")
)

// Index3 is a voxel coordinate or extent in (Z,Y,X) order.
type Index3 struct {
	Z, Y, X int
}

// Add returns the component-wise sum of two indices.
func (a Index3) Add(b Index3) Index3 {
	return Index3{a.Z + b.Z, a.Y + b.Y, a.X + b.X}
}

// Sub returns the component-wise difference a-b.
func (a Index3) Sub(b Index3) Index3 {
	return Index3{a.Z - b.Z, a.Y - b.Y, a.X - b.X}
}

// NumVoxels returns the number of voxels in an extent.
func (a Index3) NumVoxels() int {
	return a.Z * a.Y * a.X
}

// Positive reports whether all components are strictly positive.
func (a Index3) Positive() bool {
	return a.Z > 0 && a.Y > 0 && a.X > 0
}

// Within reports whether the region [off, off+ext) lies inside [0, a).
func (a Index3) Within(off, ext Index3) bool {
	return off.Z >= 0 && off.Y >= 0 && off.X >= 0 &&
		off.Z+ext.Z <= a.Z && off.Y+ext.Y <= a.Y && off.X+ext.X <= a.X
}

func (a Index3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", a.Z, a.Y, a.X)
}

// Spacing is the physical voxel size in micrometers per axis.
type Spacing struct {
	Z, Y, X float64
}

// Volume describes an opened volume: shape, channels and physical spacing.
// Shape and spacing are immutable once the volume is opened.
type Volume struct {
	// Shape is the voxel grid extent in (Z,Y,X) order.
	Shape Index3

	// Channels is the number of values stored per voxel. Scalar maps use 1,
	// orientation maps use 3, ODF maps use one channel per direction bin.
	Channels int

	// Spacing is the voxel size in micrometers per axis.
	Spacing Spacing
}

// NumValues returns the total number of stored values (voxels times channels).
func (v Volume) NumValues() int {
	return v.Shape.NumVoxels() * v.Channels
}

// Accessor is the abstract load/store contract over a volume. Region data is
// row-major in (Z,Y,X) order with channels interleaved per voxel, matching
// the layout i = ((z*Y + y)*X + x)*Channels + c.
//
// WriteRegion is safe for concurrent use on disjoint regions; stores that are
// not safely concurrently writable serialize the underlying write internally.
type Accessor interface {
	// Meta returns the immutable volume description.
	Meta() Volume

	// ReadRegion returns a copy of the region [off, off+ext).
	ReadRegion(off, ext Index3) ([]float64, error)

	// WriteRegion overwrites the region [off, off+ext) with data, which must
	// hold exactly ext.NumVoxels()*Channels values.
	WriteRegion(off, ext Index3, data []float64) error

	// Close releases the underlying store. Further access is invalid.
	Close() error
}

// checkRegion validates a region request against the volume description.
func checkRegion(meta Volume, off, ext Index3, dataLen int, isWrite bool) error {
	if !ext.Positive() {
		return fmt.Errorf("%w: non-positive extent %v", ErrShapeMismatch, ext)
	}
	if !meta.Shape.Within(off, ext) {
		return fmt.Errorf("%w: region off=%v ext=%v outside shape %v",
			ErrShapeMismatch, off, ext, meta.Shape)
	}
	if isWrite && dataLen != ext.NumVoxels()*meta.Channels {
		return fmt.Errorf("%w: got %d values for region ext=%v with %d channels",
			ErrShapeMismatch, dataLen, ext, meta.Channels)
	}
	return nil
}
