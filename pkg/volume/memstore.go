package volume

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory Accessor backed by a flat []float64. It is used
// for staging the global output maps during a run and as the volume fixture
// in tests. Writes are serialized by a mutex so the store satisfies the
// single-writer discipline regardless of how callers partition regions.
type MemStore struct {
	meta   Volume
	data   []float64
	mu     sync.Mutex
	closed bool
}

// NewMemStore allocates a zero-filled in-memory volume.
func NewMemStore(meta Volume) *MemStore {
	if meta.Channels <= 0 {
		meta.Channels = 1
	}
	return &MemStore{
		meta: meta,
		data: make([]float64, meta.NumValues()),
	}
}

// NewMemStoreData wraps an existing flat buffer. The buffer length must match
// the volume description.
func NewMemStoreData(meta Volume, data []float64) (*MemStore, error) {
	if meta.Channels <= 0 {
		meta.Channels = 1
	}
	if len(data) != meta.NumValues() {
		return nil, fmt.Errorf("%w: buffer holds %d values, volume %v with %d channels needs %d",
			ErrShapeMismatch, len(data), meta.Shape, meta.Channels, meta.NumValues())
	}
	return &MemStore{meta: meta, data: data}, nil
}

// Meta returns the volume description.
func (m *MemStore) Meta() Volume { return m.meta }

// Data returns the backing buffer. Callers must not mutate it while workers
// are writing regions.
func (m *MemStore) Data() []float64 { return m.data }

// ReadRegion returns a copy of the requested region.
func (m *MemStore) ReadRegion(off, ext Index3) ([]float64, error) {
	if m.closed {
		return nil, fmt.Errorf("%w: store is closed", ErrIO)
	}
	if err := checkRegion(m.meta, off, ext, 0, false); err != nil {
		return nil, err
	}
	c := m.meta.Channels
	out := make([]float64, ext.NumVoxels()*c)
	m.copyRegion(off, ext, out, true)
	return out, nil
}

// WriteRegion overwrites the requested region.
func (m *MemStore) WriteRegion(off, ext Index3, data []float64) error {
	if m.closed {
		return fmt.Errorf("%w: store is closed", ErrIO)
	}
	if err := checkRegion(m.meta, off, ext, len(data), true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyRegion(off, ext, data, false)
	return nil
}

// copyRegion copies row by row between the backing buffer and a region
// buffer. Rows along X are contiguous in both layouts.
func (m *MemStore) copyRegion(off, ext Index3, buf []float64, toBuf bool) {
	c := m.meta.Channels
	shape := m.meta.Shape
	rowLen := ext.X * c
	for z := 0; z < ext.Z; z++ {
		for y := 0; y < ext.Y; y++ {
			src := (((off.Z+z)*shape.Y+(off.Y+y))*shape.X + off.X) * c
			dst := (z*ext.Y + y) * rowLen
			if toBuf {
				copy(buf[dst:dst+rowLen], m.data[src:src+rowLen])
			} else {
				copy(m.data[src:src+rowLen], buf[dst:dst+rowLen])
			}
		}
	}
}

// Close marks the store closed.
func (m *MemStore) Close() error {
	m.closed = true
	return nil
}
