package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/pipeline"
	"fiberorient3d/pkg/volume"
)

func main() {
	inputPath := flag.String("input", "", "Input 3D microscopy volume file")
	outputDir := flag.String("output", "fiberorient3d_output", "Directory for the global output maps")
	configPath := flag.String("config", "fiberorient3d.yaml", "YAML configuration file")
	workers := flag.Int("workers", 0, "Tile worker pool size (0 = use configured value)")
	scalesArg := flag.String("scales", "", "Comma-separated enhancement scales in um (overrides the config)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers > 0 {
		cfg.Resources.Workers = *workers
	}
	if *scalesArg != "" {
		scales, err := parseScales(*scalesArg)
		if err != nil {
			log.Fatalf("Invalid -scales value: %v", err)
		}
		cfg.Frangi.Scales = scales
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	params, err := pipeline.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	src, err := volume.Open(*inputPath)
	if err != nil {
		log.Fatalf("Failed to open input volume: %v", err)
	}
	defer src.Close()

	meta := src.Meta()
	fmt.Println("================================")
	fmt.Println("FIBERORIENT3D: TILED MULTISCALE FIBER ORIENTATION ANALYSIS")
	fmt.Println("================================")
	fmt.Printf("Input volume: %s\n", *inputPath)
	fmt.Printf("Shape (Z,Y,X): %v, spacing: %.3f x %.3f x %.3f um\n",
		meta.Shape, meta.Spacing.Z, meta.Spacing.Y, meta.Spacing.X)
	fmt.Printf("Scales: %v um\n", params.ScalesUm)

	sched, err := pipeline.New(params, src, logger)
	if err != nil {
		log.Fatalf("Pipeline setup failed: %v", err)
	}
	fmt.Printf("Tiles: %d\n\n", sched.NumTiles())

	// Allow a clean interrupt between tile dispatches; in-flight tiles
	// finish before the run stops.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	result, err := sched.Run(ctx)
	if err != nil {
		log.Fatalf("Pipeline failed, no output maps were produced: %v", err)
	}
	elapsed := time.Since(startTime)

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	outputs := map[string]volume.Accessor{
		"orientation.fov": result.Outputs.Orientation,
		"coherence.fov":   result.Outputs.Coherence,
		"odf.fov":         result.Outputs.ODF,
		"odf_coeffs.fov":  result.Outputs.ODFCoeffs,
		"block_stats.fov": result.Outputs.BlockStats,
	}
	for name, acc := range outputs {
		path := filepath.Join(*outputDir, name)
		if err := volume.WriteFile(path, acc); err != nil {
			log.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	sum := result.Summary
	fmt.Printf("\nPipeline completed successfully in %.2f seconds!\n", elapsed.Seconds())
	fmt.Printf("Output maps saved to: %s\n\n", *outputDir)
	fmt.Printf("Run summary:\n")
	fmt.Printf("============\n")
	fmt.Printf("Tiles processed: %d\n", sum.Tiles)
	fmt.Printf("Tile retries: %d\n", sum.Retries)
	fmt.Printf("Oriented voxels: %d / %d (%.1f%%)\n",
		sum.OrientedVoxels, sum.TotalVoxels,
		100*float64(sum.OrientedVoxels)/float64(sum.TotalVoxels))
	fmt.Printf("Mean coherence: %.3f\n", sum.MeanCoherence)
	if sum.NonFiniteVoxels > 0 {
		fmt.Printf("Non-finite input voxels zeroed: %d\n", sum.NonFiniteVoxels)
	}
}

// parseScales parses a comma-separated list of scales in micrometers.
func parseScales(arg string) ([]float64, error) {
	parts := strings.Split(arg, ",")
	scales := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad scale %q: %w", p, err)
		}
		scales = append(scales, v)
	}
	return scales, nil
}
