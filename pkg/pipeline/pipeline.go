// Package pipeline drives the tiled enhancement and orientation estimation
// run: it partitions the volume, dispatches tiles through the filter bank,
// scale selection and ODF aggregation on a bounded worker pool, and merges
// each tile's core-region outputs into the global output maps.
//
// Correctness rests on disjoint-region ownership: tile core regions never
// overlap, so merge order cannot affect the final maps and unordered
// parallel execution needs no locking beyond the store's own write
// serialization. A failed run publishes no output maps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"fiberorient3d/internal/metrics"
	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/frangi"
	"fiberorient3d/pkg/odf"
	"fiberorient3d/pkg/orientation"
	"fiberorient3d/pkg/tiling"
	"fiberorient3d/pkg/volume"
)

// ErrTileFailed is the fatal pipeline error raised when a tile exhausts its
// retry budget. No output maps are published.
var ErrTileFailed = errors.New("pipeline: tile failed after retries")

// Params configures one pipeline run.
type Params struct {
	// ScalesUm are the candidate enhancement scales in micrometers,
	// strictly increasing.
	ScalesUm []float64

	// Alpha, Beta and Gamma are the Frangi sensitivities. Gamma <= 0
	// selects automatic derivation per tile and scale.
	Alpha, Beta, Gamma float64

	// NoiseFloor is the minimum tubularity response for a voxel to carry
	// an orientation.
	NoiseFloor float64

	// TileCore is the tile core extent in voxels. Each axis must be a
	// multiple of BlockSide.
	TileCore volume.Index3

	// Halo is the overlap margin in voxels. Zero derives it from the
	// largest scale; an explicit value below the filter support radius is
	// a configuration error.
	Halo int

	// MemBudget bounds the working-set bytes of one tile, 0 for no bound.
	MemBudget int64

	// BlockSide, NumBins and Degree configure ODF aggregation.
	BlockSide int
	NumBins   int
	Degree    int

	// Workers is the tile worker pool size, 0 for one per logical core.
	Workers int

	// RetryLimit is the per-tile retry budget for transient failures.
	RetryLimit int
}

// ParamsFromConfig maps the application configuration onto run parameters.
func ParamsFromConfig(c *config.Config) (Params, error) {
	scales, err := c.ScaleList()
	if err != nil {
		return Params{}, err
	}
	return Params{
		ScalesUm:   scales,
		Alpha:      c.Frangi.Alpha,
		Beta:       c.Frangi.Beta,
		Gamma:      c.Frangi.Gamma,
		NoiseFloor: c.Frangi.NoiseFloor,
		TileCore:   volume.Index3{Z: c.Tiling.CoreZ, Y: c.Tiling.CoreY, X: c.Tiling.CoreX},
		Halo:       c.Tiling.Halo,
		MemBudget:  int64(c.Tiling.MemoryBudgetMB) * 1024 * 1024,
		BlockSide:  c.ODF.BlockSide,
		NumBins:    c.ODF.NumBins,
		Degree:     c.ODF.Degree,
		Workers:    c.Resources.Workers,
		RetryLimit: c.Resources.RetryLimit,
	}, nil
}

// Outputs are the global output maps of a successful run, staged in memory
// and owned by the merger until the run completes.
type Outputs struct {
	// Orientation holds the canonical per-voxel orientation unit vectors,
	// 3 channels, zero vectors for null voxels.
	Orientation *volume.MemStore

	// Coherence holds the per-voxel coherence in [0,1], 1 channel.
	Coherence *volume.MemStore

	// ODF holds the normalized direction-bin histogram per block, one
	// channel per bin, on the block grid.
	ODF *volume.MemStore

	// ODFCoeffs holds the spherical harmonics coefficients per block.
	ODFCoeffs *volume.MemStore

	// BlockStats holds (energy, quality, count) per block. A zero count
	// marks an empty block.
	BlockStats *volume.MemStore
}

// Summary aggregates per-tile results. All fields are sums or counts, so
// the cross-tile reduction is commutative and associative.
type Summary struct {
	Tiles           int
	Retries         int
	NonFiniteVoxels int
	OrientedVoxels  int
	TotalVoxels     int
	MeanCoherence   float64
}

// Result is the outcome of a successful run.
type Result struct {
	Outputs *Outputs
	Reports []TileReport
	Summary Summary
}

// Scheduler owns one pipeline run over a source volume.
type Scheduler struct {
	params Params
	src    volume.Accessor
	log    *slog.Logger

	scales []frangi.Scale
	bank   *frangi.Bank
	agg    *odf.Aggregator
	grid   *tiling.Grid
}

// New validates the parameters against the source volume and prepares the
// run. All configuration errors surface here, before any tile is touched.
func New(p Params, src volume.Accessor, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meta := src.Meta()
	if meta.Channels != 1 {
		return nil, fmt.Errorf("%w: source volume must be single-channel, got %d",
			config.ErrConfiguration, meta.Channels)
	}
	if p.BlockSide <= 0 {
		return nil, fmt.Errorf("%w: ODF block side must be positive", config.ErrConfiguration)
	}
	if p.TileCore.Z%p.BlockSide != 0 || p.TileCore.Y%p.BlockSide != 0 || p.TileCore.X%p.BlockSide != 0 {
		return nil, fmt.Errorf("%w: tile core %v must be a multiple of the ODF block side %d",
			config.ErrConfiguration, p.TileCore, p.BlockSide)
	}
	if p.NoiseFloor < 0 {
		return nil, fmt.Errorf("%w: noise floor must be non-negative", config.ErrConfiguration)
	}

	scales := frangi.ScalesFromUm(p.ScalesUm, meta.Spacing)
	bank, err := frangi.NewBank(frangi.Params{
		Alpha:  p.Alpha,
		Beta:   p.Beta,
		Gamma:  p.Gamma,
		Scales: scales,
	})
	if err != nil {
		return nil, err
	}

	agg, err := odf.NewAggregator(odf.Params{
		BlockSide: p.BlockSide,
		NumBins:   p.NumBins,
		Degree:    p.Degree,
	})
	if err != nil {
		return nil, err
	}

	support := tiling.SupportRadius(frangi.MaxSigma(scales))
	halo := p.Halo
	if halo == 0 {
		halo = support
	} else if halo < support {
		return nil, fmt.Errorf("%w: halo %d is below the filter support radius %d",
			config.ErrConfiguration, halo, support)
	}

	// Working set per loaded voxel: source + smoothed + six Hessian
	// entries, plus response, axis and eigenvalues per scale.
	bytesPerVoxel := 8 * (8 + 7*len(scales))
	grid, err := tiling.Partition(meta.Shape, p.TileCore, halo, p.MemBudget, bytesPerVoxel)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		params: p,
		src:    src,
		log:    logger,
		scales: scales,
		bank:   bank,
		agg:    agg,
		grid:   grid,
	}, nil
}

// NumTiles returns the number of tiles in the run.
func (s *Scheduler) NumTiles() int { return len(s.grid.Tiles) }

// Run executes the pipeline. On success every tile has been merged and the
// returned outputs are complete; on any fatal error no outputs are
// published. Cancellation is cooperative: it is honored between tile
// dispatches, and in-flight tiles finish rather than being interrupted.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	meta := s.src.Meta()
	out := s.newOutputs(meta)
	reports := make([]TileReport, len(s.grid.Tiles))

	workers := s.params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	s.log.Info("pipeline start",
		slog.String("shape", meta.Shape.String()),
		slog.Int("tiles", len(s.grid.Tiles)),
		slog.Int("halo", s.grid.Halo),
		slog.Int("workers", workers),
		slog.Int("scales", len(s.scales)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	dispatched := 0
	for i := range s.grid.Tiles {
		if gctx.Err() != nil {
			break
		}
		tile := s.grid.Tiles[i]
		dispatched++
		g.Go(func() error {
			rep := s.runTile(tile, out)
			reports[tile.ID] = rep
			if rep.Err != nil {
				return fmt.Errorf("%w: tile %d (%s): %w", ErrTileFailed, tile.ID, rep.State, rep.Err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Error("pipeline failed", slog.Any("error", err))
		return nil, err
	}
	if dispatched < len(s.grid.Tiles) {
		// Cancelled between dispatches; the maps are incomplete.
		return nil, ctx.Err()
	}

	res := &Result{Outputs: out, Reports: reports}
	res.Summary = s.summarize(reports, meta)
	s.log.Info("pipeline done",
		slog.Int("tiles", res.Summary.Tiles),
		slog.Int("retries", res.Summary.Retries),
		slog.Int("oriented_voxels", res.Summary.OrientedVoxels),
		slog.Int("nonfinite_voxels", res.Summary.NonFiniteVoxels))
	return res, nil
}

// runTile processes one tile end to end with bounded retries. A retry
// restarts from the load stage.
func (s *Scheduler) runTile(tile tiling.Tile, out *Outputs) TileReport {
	rep := TileReport{TileID: tile.ID, State: Pending}
	for attempt := 0; attempt <= s.params.RetryLimit; attempt++ {
		rep.Attempts = attempt + 1
		start := time.Now()

		err := s.processTile(tile, out, &rep)
		rep.Duration = time.Since(start)

		if err == nil {
			rep.Err = nil
			metrics.TilesProcessed.Inc()
			metrics.TileDuration.Observe(rep.Duration.Seconds())
			if rep.NonFinite > 0 {
				metrics.NonFiniteVoxels.Add(float64(rep.NonFinite))
				s.log.Warn("data quality warning",
					slog.Int("tile", tile.ID),
					slog.Int("nonfinite_voxels", rep.NonFinite))
			}
			s.log.Debug("tile merged",
				slog.Int("tile", tile.ID),
				slog.Int("attempts", rep.Attempts),
				slog.Duration("duration", rep.Duration))
			return rep
		}

		rep.Err = err
		metrics.TileFailures.WithLabelValues(rep.State.String()).Inc()
		if attempt < s.params.RetryLimit {
			metrics.TileRetries.Inc()
			s.log.Warn("tile retry",
				slog.Int("tile", tile.ID),
				slog.String("state", rep.State.String()),
				slog.Int("attempt", rep.Attempts),
				slog.Any("error", err))
		}
	}
	return rep
}

// processTile runs the load -> filter -> orient -> aggregate -> merge
// sequence once, advancing the report state at every stage so a failure
// report records how far the tile got before it fell over.
func (s *Scheduler) processTile(tile tiling.Tile, out *Outputs, rep *TileReport) error {
	data, err := s.src.ReadRegion(tile.HaloOffset, tile.HaloExtent)
	if err != nil {
		rep.State = FailedLoad
		return err
	}
	rep.State = Loaded

	ss, warn := s.bank.Run(data, tile.HaloExtent)
	rep.NonFinite = 0
	if warn != nil {
		rep.NonFinite = warn.NonFinite
	}
	rep.State = Filtered

	field := orientation.Estimate(ss, tile.CoreInHalo(), tile.CoreExtent,
		orientation.Params{NoiseFloor: s.params.NoiseFloor})
	rep.State = OrientationComputed

	blocks := s.agg.Aggregate(field)
	rep.State = Aggregated

	if err := s.merge(tile, field, blocks, out); err != nil {
		rep.State = FailedCompute
		return fmt.Errorf("merging after %s: %w", Aggregated, err)
	}
	rep.State = Merged

	rep.OrientedVoxels = 0
	rep.CoherenceSum = 0
	for i := range field.Coherence {
		if !field.IsNull(i) {
			rep.OrientedVoxels++
			rep.CoherenceSum += field.Coherence[i]
		}
	}
	return nil
}

// merge writes the tile's core-region results into the global output maps.
// Core regions are disjoint by construction, so these writes are
// order-independent across tiles.
func (s *Scheduler) merge(tile tiling.Tile, field *orientation.Field, blocks []odf.BlockDescriptor, out *Outputs) error {
	if err := out.Orientation.WriteRegion(tile.CoreOffset, tile.CoreExtent, field.Vectors); err != nil {
		return err
	}
	if err := out.Coherence.WriteRegion(tile.CoreOffset, tile.CoreExtent, field.Coherence); err != nil {
		return err
	}

	// The core offset is block-aligned because the core size is a multiple
	// of the block side, so each block belongs to exactly one tile.
	bs := s.params.BlockSide
	blockOff := volume.Index3{Z: tile.CoreOffset.Z / bs, Y: tile.CoreOffset.Y / bs, X: tile.CoreOffset.X / bs}
	blockExt := s.agg.BlockGrid(tile.CoreExtent)

	nb := s.params.NumBins
	nc := s.agg.NumCoeffs()
	hist := make([]float64, len(blocks)*nb)
	coeffs := make([]float64, len(blocks)*nc)
	stats := make([]float64, len(blocks)*3)
	for i, b := range blocks {
		copy(hist[i*nb:], b.Histogram)
		copy(coeffs[i*nc:], b.Coeffs)
		stats[i*3] = b.Energy
		stats[i*3+1] = b.Quality
		stats[i*3+2] = float64(b.Count)
	}

	if err := out.ODF.WriteRegion(blockOff, blockExt, hist); err != nil {
		return err
	}
	if err := out.ODFCoeffs.WriteRegion(blockOff, blockExt, coeffs); err != nil {
		return err
	}
	return out.BlockStats.WriteRegion(blockOff, blockExt, stats)
}

// newOutputs stages the global output maps for the source volume.
func (s *Scheduler) newOutputs(meta volume.Volume) *Outputs {
	blockShape := s.agg.BlockGrid(meta.Shape)
	bs := float64(s.params.BlockSide)
	blockSpacing := volume.Spacing{
		Z: meta.Spacing.Z * bs,
		Y: meta.Spacing.Y * bs,
		X: meta.Spacing.X * bs,
	}
	return &Outputs{
		Orientation: volume.NewMemStore(volume.Volume{Shape: meta.Shape, Channels: 3, Spacing: meta.Spacing}),
		Coherence:   volume.NewMemStore(volume.Volume{Shape: meta.Shape, Channels: 1, Spacing: meta.Spacing}),
		ODF:         volume.NewMemStore(volume.Volume{Shape: blockShape, Channels: s.params.NumBins, Spacing: blockSpacing}),
		ODFCoeffs:   volume.NewMemStore(volume.Volume{Shape: blockShape, Channels: s.agg.NumCoeffs(), Spacing: blockSpacing}),
		BlockStats:  volume.NewMemStore(volume.Volume{Shape: blockShape, Channels: 3, Spacing: blockSpacing}),
	}
}

// summarize folds the per-tile reports into the run summary.
func (s *Scheduler) summarize(reports []TileReport, meta volume.Volume) Summary {
	sum := Summary{TotalVoxels: meta.Shape.NumVoxels()}
	cohSum := 0.0
	for _, r := range reports {
		sum.Tiles++
		sum.Retries += r.Attempts - 1
		sum.NonFiniteVoxels += r.NonFinite
		sum.OrientedVoxels += r.OrientedVoxels
		cohSum += r.CoherenceSum
	}
	if sum.OrientedVoxels > 0 {
		sum.MeanCoherence = cohSum / float64(sum.OrientedVoxels)
	}
	return sum
}
