package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/pkg/config"
	"curveslicer/pkg/neuroglancer"
	"curveslicer/pkg/output"
	"curveslicer/pkg/pipeline"
	"curveslicer/pkg/visualization"
	"curveslicer/pkg/volume"
)

const usage = `Usage: curveslicer <command> [flags]

Commands:
  slice         cut straightened slices along a neuroglancer annotation path
  backproject   project the slices of a previous run back into the volume
  preview       save JPEG views of a stack file or frame directory
  init-config   write a configuration file with default values

Run "curveslicer <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "slice":
		err = runSlice(ctx, os.Args[2:])
	case "backproject":
		err = runBackproject(ctx, os.Args[2:])
	case "preview":
		err = runPreview(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		var stageErr *errs.StageError
		if errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "Stage %q failed: %v\n", stageErr.Stage, stageErr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(path, folder, name string, verbose bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if folder != "" {
		cfg.Output.Folder = folder
	}
	if name != "" {
		cfg.Output.Name = name
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Output.Folder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %v", err)
	}
	return cfg, nil
}

func openSource(ctx context.Context, cfg *config.Config, url string, logger logging.Logger) (*volume.Precomputed, error) {
	return volume.OpenPrecomputed(ctx, url, volume.PrecomputedOptions{
		CacheBytes:  cfg.Volume.CacheMB << 20,
		Parallelism: cfg.Volume.Parallelism,
		Logger:      logger,
	})
}

func runSlice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("slice", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Configuration file")
	statePath := fs.String("neuroglancer", "", "Neuroglancer state JSON holding the annotation path and image layer")
	source := fs.String("source", "", "Precomputed volume URL (default: image layer of the neuroglancer state)")
	folder := fs.String("output", "", "Output folder (overrides the configuration)")
	name := fs.String("name", "", "Output name (overrides the configuration)")
	verbose := fs.Bool("verbose", false, "Log debug messages")
	fs.Parse(args)

	if *statePath == "" {
		fs.Usage()
		return errs.Invalidf("the -neuroglancer flag is required")
	}
	cfg, err := loadConfig(*configPath, *folder, *name, *verbose)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Output.Config)
	defer logger.Shutdown()

	state, err := neuroglancer.Load(*statePath)
	if err != nil {
		return err
	}
	points, err := state.AnnotationPoints(cfg.Neuroglancer.AnnotationLayer)
	if err != nil {
		return err
	}
	url := *source
	if url == "" {
		url = cfg.Volume.Source
	}
	if url == "" {
		if url, err = state.SourceURL(cfg.Neuroglancer.ImageLayer); err != nil {
			return err
		}
	}
	// saved with the run so backprojection finds the same volume
	cfg.Volume.Source = url

	fmt.Println("================================")
	fmt.Println("CURVED REGION OF INTEREST SLICING")
	fmt.Println("================================")
	fmt.Printf("Volume: %s\n", url)
	fmt.Printf("Annotation points: %d\n", len(points))

	src, err := openSource(ctx, cfg, url, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	p, err := pipeline.New(cfg, src, logger)
	if err != nil {
		return err
	}
	startTime := time.Now()
	result, err := p.Slice(ctx, points)
	if err != nil {
		return err
	}

	fmt.Printf("\nSlicing completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("- %d slices of %dx%d from %d bounding boxes\n",
		result.Frames, result.Geometry.Width, result.Geometry.Height, len(result.Boxes))
	fmt.Printf("- Output saved to: %s\n", result.Path)
	fmt.Printf("- Geometry saved to: %s\n\n", cfg.OutputPath(pipeline.GeometrySuffix))
	fmt.Print(p.TimingReport())
	return nil
}

func runBackproject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backproject", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Configuration file (the one saved by the slicing run works)")
	geometryPath := fs.String("geometry", "", "Geometry file of the slicing run (default: <output>/<name>-geometry.yaml)")
	source := fs.String("source", "", "Precomputed volume URL (overrides the configuration)")
	folder := fs.String("output", "", "Output folder (overrides the configuration)")
	name := fs.String("name", "", "Output name (overrides the configuration)")
	verbose := fs.Bool("verbose", false, "Log debug messages")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, *folder, *name, *verbose)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Output.Config)
	defer logger.Shutdown()

	if *geometryPath == "" {
		*geometryPath = cfg.OutputPath(pipeline.GeometrySuffix)
	}
	geom, err := pipeline.LoadGeometry(*geometryPath)
	if err != nil {
		return err
	}
	url := *source
	if url == "" {
		url = cfg.Volume.Source
	}
	if url == "" {
		return errs.Invalidf("no volume source: set volume.source or pass -source")
	}

	fmt.Println("================================")
	fmt.Println("BACKPROJECTION OF STRAIGHTENED SLICES")
	fmt.Println("================================")

	src, err := openSource(ctx, cfg, url, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	p, err := pipeline.New(cfg, src, logger)
	if err != nil {
		return err
	}
	startTime := time.Now()
	result, err := p.Backproject(ctx, geom)
	if err != nil {
		return err
	}

	fmt.Printf("\nBackprojection completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("- Region %s, %d frames along %s\n", result.Region, result.Frames, cfg.Backproject.Axis)
	fmt.Printf("- Output saved to: %s\n\n", result.Path)
	fmt.Print(p.TimingReport())
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	input := fs.String("input", "", "Stack file (.zst), or a directory of .zst or TIFF frames")
	outputDir := fs.String("out", "preview", "Directory to save the JPEG views")
	axes := fs.String("axes", "xyz", "Axes to extract views along")
	step := fs.Int("step", 1, "Save every step-th view")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		return errs.Invalidf("the -input flag is required")
	}

	frames, err := output.OpenFrames(*input)
	if err != nil {
		return err
	}
	defer frames.Close()

	viewer, err := visualization.NewViewer(frames)
	if err != nil {
		return err
	}
	for _, axis := range *axes {
		axisDir := filepath.Join(*outputDir, string(axis))
		fmt.Printf("Saving %c-axis views to: %s\n", axis, axisDir)
		n, err := viewer.SaveSliceSequence(string(axis), axisDir, *step)
		if err != nil {
			return err
		}
		fmt.Printf("- %d images\n", n)
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Configuration file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *configPath)
	}
	if err := config.CreateDefaultConfigFile(*configPath); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *configPath)
	return nil
}
