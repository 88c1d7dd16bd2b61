package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/dustin/go-humanize"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"microctsr/internal/models"
	"microctsr/pkg/config"
	"microctsr/pkg/logging"
	"microctsr/pkg/quality"
	"microctsr/pkg/reconstruction"
	"microctsr/pkg/upsampler"
	"microctsr/pkg/volumeio"
)

const usage = `Usage: microctsr <command> [flags]

Commands:
  upscale      super-resolve a volume along all three axes and fuse the results
  score        compare a volume against a reference (PSNR, SSIM, ...)
  serve        run an interpolating upsampler behind the HTTP patch protocol
  init-config  write a default configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "upscale":
		err = runUpscale(ctx, os.Args[2:])
	case "score":
		err = runScore(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	logging.Shutdown()

	if err != nil {
		if reconstruction.IsRecoverable(err) {
			log.Printf("Reconstruction needs fewer resources: %v", err)
			os.Exit(2)
		}
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Logging.SetLogger(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runUpscale(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upscale", flag.ExitOnError)
	configPath := fs.String("config", "microctsr.yaml", "Configuration file (YAML, or TOML with a .toml extension)")
	input := fs.String("input", "", "Raw volume file (<name>_<W>x<H>x<D>_<8|16>bit.raw[.zst]) or directory of PNG/TIFF slices")
	output := fs.String("output", "", "Output directory or blob URL (overrides config)")
	name := fs.String("name", "", "Output volume name (default: derived from input)")
	scale := fs.Int("scale", 0, "Scale factor, 2 or 4 (overrides config)")
	cubeSize := fs.Int("cube", -1, "Cube size for tiling (overrides config)")
	format := fs.String("format", "", "Output format: raw, png or tiff (overrides config)")
	reference := fs.String("reference", "", "Optional high-resolution reference volume to score against")
	extractSlices := fs.Bool("extract-slices", false, "Also save the result as slices along all axes")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		return errors.New("-input is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *output != "" {
		cfg.Output.URL = *output
	}
	if *scale != 0 {
		cfg.Processing.ScaleFactor = *scale
	}
	if *cubeSize >= 0 {
		cfg.Processing.CubeSize = *cubeSize
	}
	if *format != "" {
		cfg.Output.Format = *format
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	params, err := reconstructionParams(cfg)
	if err != nil {
		return err
	}
	up, err := newUpsampler(cfg)
	if err != nil {
		return err
	}

	vol, err := loadVolume(ctx, *input, cfg.Output.DataRange)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *input, err)
	}

	reconstructor := reconstruction.NewReconstructor(params, up)
	var bar *pb.ProgressBar
	reconstructor.SetProgressCallback(func(done, total int) {
		if total <= 1 {
			return
		}
		if bar == nil {
			bar = pb.StartNew(total)
		}
		bar.Increment()
	})

	logging.Infof("Starting %dx super-resolution of %s volume with %s upsampler\n",
		params.ScaleFactor, vol.Shape, cfg.Upsampler.Kind)
	startTime := time.Now()
	res, err := reconstructor.Process(ctx, vol)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		if res != nil && len(res.Cubes) > 0 {
			logging.Warningf("%d cubes completed before the failure\n", len(res.Cubes))
		}
		return err
	}
	processingTime := time.Since(startTime)
	fmt.Printf("\nReconstruction completed in %.2f seconds (%s footprint, tiled: %v)\n",
		processingTime.Seconds(), humanize.IBytes(res.Footprint), res.Tiled)

	store, err := volumeio.Open(ctx, cfg.Output.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	outFormat, err := volumeio.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	compression, err := volumeio.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return err
	}
	opts := volumeio.WriteOptions{
		Format: outFormat,
		RawOptions: volumeio.RawOptions{
			Depth:       volumeio.BitDepth(cfg.Output.BitDepth),
			DataRange:   cfg.Output.DataRange,
			Compression: compression,
		},
	}
	if *name == "" {
		*name = outputName(*input, params.ScaleFactor)
	}
	keys, err := store.WriteVolume(ctx, *name, res.Volume, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Output saved to %s (%d objects under %s)\n", cfg.Output.URL, len(keys), *name)

	if *extractSlices {
		sliceOpts := opts
		if sliceOpts.Format == volumeio.FormatRaw {
			sliceOpts.Format = volumeio.FormatPNG
		}
		for _, axis := range models.Axes {
			prefix := filepath.ToSlash(filepath.Join(*name+"_slices", axis.String()))
			if _, err := store.WriteSlices(ctx, prefix, res.Volume, axis, sliceOpts); err != nil {
				logging.Warningf("Failed to save %s-axis slices: %v\n", axis, err)
			}
		}
	}

	if *reference != "" {
		ref, err := loadVolume(ctx, *reference, cfg.Output.DataRange)
		if err != nil {
			return fmt.Errorf("loading reference %s: %w", *reference, err)
		}
		m, err := reconstructor.Evaluate(res.Volume, ref)
		if err != nil {
			return err
		}
		printMetrics(m)
	}
	return nil
}

func runScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	result := fs.String("result", "", "Volume to score")
	reference := fs.String("reference", "", "Reference volume of the same shape")
	dataRange := fs.Float64("range", 1.0, "Intensity range the volumes are normalised to")
	match := fs.Bool("match-histogram", false, "Match the result's grey levels to the reference first")
	fs.Parse(args)

	if *result == "" || *reference == "" {
		fs.Usage()
		return errors.New("-result and -reference are required")
	}
	ctx := context.Background()
	res, err := loadVolume(ctx, *result, *dataRange)
	if err != nil {
		return err
	}
	ref, err := loadVolume(ctx, *reference, *dataRange)
	if err != nil {
		return err
	}

	params := reconstruction.DefaultParams()
	params.DataRange = *dataRange
	params.MatchHistogram = *match
	m, err := reconstruction.NewReconstructor(params, nil).Evaluate(res, ref)
	if err != nil {
		return err
	}
	printMetrics(m)
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8500", "Listen address")
	kind := fs.String("kind", "bicubic", "Interpolating upsampler: bicubic, bilinear or nearest")
	dataRange := fs.Float64("range", 1.0, "Intensity range of incoming patches")
	fs.Parse(args)

	up, err := upsampler.ByName(*kind, *dataRange)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/upsample", upsampler.NewHandler(up))
	logging.Infof("Serving %s upsampler on %s/upsample\n", *kind, *addr)
	return http.ListenAndServe(*addr, mux)
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("o", "microctsr.yaml", "Path of the configuration file to create")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}

func reconstructionParams(cfg *config.Config) (reconstruction.Params, error) {
	params := reconstruction.DefaultParams()
	threshold, err := cfg.MemoryThresholdBytes()
	if err != nil {
		return params, err
	}
	sliceTimeout, cubeTimeout, err := cfg.Timeouts()
	if err != nil {
		return params, err
	}
	method, err := reconstruction.ParseMethod(cfg.Processing.Resample)
	if err != nil {
		return params, err
	}
	params.ScaleFactor = cfg.Processing.ScaleFactor
	params.CubeSize = cfg.Processing.CubeSize
	params.MemoryThreshold = threshold
	params.Workers = cfg.Processing.Workers
	params.CubeWorkers = cfg.Processing.CubeWorkers
	params.SliceTimeout = sliceTimeout
	params.CubeTimeout = cubeTimeout
	params.Resample = method
	params.AspectTolerance = cfg.Processing.AspectTolerance
	params.DataRange = cfg.Output.DataRange
	return params, nil
}

func newUpsampler(cfg *config.Config) (upsampler.Upsampler, error) {
	if cfg.Upsampler.Kind == "http" {
		return upsampler.NewHTTP(cfg.Upsampler.Endpoint), nil
	}
	return upsampler.ByName(cfg.Upsampler.Kind, cfg.Output.DataRange)
}

// loadVolume reads a raw volume file or a directory of raster slices.
func loadVolume(ctx context.Context, path string, dataRange float64) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		store, err := volumeio.OpenDir(path)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.ReadSlices(ctx, "", dataRange)
	}
	store, err := volumeio.OpenDir(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ReadRawVolume(ctx, filepath.Base(path), dataRange)
}

// outputName derives the result name from the input, e.g.
// "bone_256x256x128_16bit.raw" at 2x becomes "bone_sr2".
func outputName(input string, scale int) string {
	base := filepath.Base(strings.TrimSuffix(input, string(filepath.Separator)))
	if info, err := volumeio.ParseRawName(base); err == nil && info.Base != "" {
		base = info.Base
	} else {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return fmt.Sprintf("%s_sr%d", base, scale)
}

func printMetrics(m quality.Metrics) {
	fmt.Printf("\nQuality Metrics:\n")
	fmt.Printf("================\n")
	fmt.Printf("PSNR: %.2f dB\n", m.PSNR)
	fmt.Printf("SSIM: %.4f\n", m.SSIM)
	fmt.Printf("Structural comparison: %.4f\n", m.Structural)
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", m.RMSE)
	fmt.Printf("Mutual Information (MI): %.3f\n", m.MI)
	fmt.Printf("Entropy Difference: %.3f\n", m.EntropyDiff)
	fmt.Printf("Edge Preservation: %.4f\n", m.EdgePreserved)
}
