package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// File container: a fixed little-endian header followed by a zstd-compressed
// stream of float64 values in the canonical region layout.
var fileMagic = [4]byte{'F', 'O', 'V', '1'}

type fileHeader struct {
	Magic    [4]byte
	_        [4]byte // reserved
	Z, Y, X  int64
	Channels int64
	SpacingZ float64
	SpacingY float64
	SpacingX float64
}

// FileStore is a file-backed Accessor. The decompressed content is held in
// memory and flushed back compressed on Close, so it behaves like a MemStore
// with a durable container around it.
type FileStore struct {
	path  string
	mem   *MemStore
	dirty bool
}

// Open reads a volume file created by Create or WriteFile.
func Open(path string) (*FileStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	var hdr fileHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrIO, path, err)
	}
	if hdr.Magic != fileMagic {
		return nil, fmt.Errorf("%w: %s is not a volume file", ErrIO, path)
	}
	meta := Volume{
		Shape:    Index3{Z: int(hdr.Z), Y: int(hdr.Y), X: int(hdr.X)},
		Channels: int(hdr.Channels),
		Spacing:  Spacing{Z: hdr.SpacingZ, Y: hdr.SpacingY, X: hdr.SpacingX},
	}
	if !meta.Shape.Positive() || meta.Channels <= 0 {
		return nil, fmt.Errorf("%w: %s declares invalid shape %v with %d channels",
			ErrIO, path, meta.Shape, meta.Channels)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	defer dec.Close()

	raw := make([]byte, 8*meta.NumValues())
	if _, err := io.ReadFull(dec, raw); err != nil {
		return nil, fmt.Errorf("%w: %s payload truncated: %v", ErrIO, path, err)
	}
	data := make([]float64, meta.NumValues())
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}

	mem, err := NewMemStoreData(meta, data)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, mem: mem}, nil
}

// Create allocates a new zero-filled volume file store. The file itself is
// written on Close.
func Create(path string, meta Volume) *FileStore {
	return &FileStore{path: path, mem: NewMemStore(meta), dirty: true}
}

// Meta returns the volume description.
func (s *FileStore) Meta() Volume { return s.mem.Meta() }

// ReadRegion returns a copy of the requested region.
func (s *FileStore) ReadRegion(off, ext Index3) ([]float64, error) {
	return s.mem.ReadRegion(off, ext)
}

// WriteRegion overwrites the requested region. The file is updated on Close.
func (s *FileStore) WriteRegion(off, ext Index3, data []float64) error {
	if err := s.mem.WriteRegion(off, ext, data); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// Close flushes pending content to the file and releases the store.
func (s *FileStore) Close() error {
	if s.dirty {
		if err := writeFile(s.path, s.mem.Meta(), s.mem.Data()); err != nil {
			return err
		}
		s.dirty = false
	}
	return s.mem.Close()
}

// WriteFile exports the full content of any accessor to a volume file.
func WriteFile(path string, acc Accessor) error {
	meta := acc.Meta()
	data, err := acc.ReadRegion(Index3{}, meta.Shape)
	if err != nil {
		return err
	}
	return writeFile(path, meta, data)
}

func writeFile(path string, meta Volume, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	hdr := fileHeader{
		Magic:    fileMagic,
		Z:        int64(meta.Shape.Z),
		Y:        int64(meta.Shape.Y),
		X:        int64(meta.Shape.X),
		Channels: int64(meta.Channels),
		SpacingZ: meta.Spacing.Z,
		SpacingY: meta.Spacing.Y,
		SpacingX: meta.Spacing.X,
	}
	if err := binary.Write(f, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: writing header of %s: %v", ErrIO, path, err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("%w: writing payload of %s: %v", ErrIO, path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: finalizing %s: %v", ErrIO, path, err)
	}
	return nil
}
