package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/downloader"
	"github.com/airbusgeo/geocube-fetcher/interface/raster"
	"github.com/airbusgeo/geocube-fetcher/processor"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const usage = `usage: processor <command> [flags]

commands:
  clean    remove the corrupted and empty tiles of a project
  mosaic   build one vrt per crs from the raster tiles of a project
  merge    merge the vector tiles of a project
  inspect  print the crs and the ratio of valid pixels of rasters (local or gs://)
`

type config struct {
	Command    string
	ProjectDir string
	Source     string
	Raster     bool
	Format     common.Format
	Debug      bool

	// clean
	Threads    int
	Sparse     bool
	Thresholds processor.CleanThresholds

	// mosaic
	VRTBuilder string
	Docker     raster.DockerConfig

	// inspect
	Paths []string
}

// trackedSource is the identity of the data of a project
type trackedSource struct {
	name   string
	raster bool
}

func (s trackedSource) Name() string   { return s.name }
func (s trackedSource) IsRaster() bool { return s.raster }

func newAppConfig() (*config, error) {
	if len(os.Args) < 2 {
		return nil, fmt.Errorf("missing command\n%s", usage)
	}
	return parseConfig(os.Args[1], os.Args[2:])
}

func parseConfig(command string, args []string) (*config, error) {
	config := config{Command: command, Thresholds: processor.DefaultCleanThresholds()}
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	if command == "inspect" {
		fs.Float64Var(&config.Thresholds.Raster, "threshold", config.Thresholds.Raster, "minimum ratio of valid pixels of a clean raster")
		fs.BoolVar(&config.Debug, "debug", false, "development logs")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if config.Paths = fs.Args(); len(config.Paths) == 0 {
			return nil, fmt.Errorf("inspect: missing paths")
		}
		return &config, nil
	}
	fs.StringVar(&config.ProjectDir, "project-dir", "", "directory of the project")
	fs.StringVar(&config.Source, "source-name", "", "name of the data source (tiles are in {project-dir}/{source-name})")
	fs.BoolVar(&config.Raster, "source-raster", true, "the tiles are rasters (else vectors)")
	format := fs.String("format", "geojson", "format of vector tiles (GeoJSON, CSV, Parquet)")
	fs.BoolVar(&config.Debug, "debug", false, "development logs")

	switch command {
	case "clean":
		fs.IntVar(&config.Threads, "threads", 8, "number of files checked in parallel")
		fs.BoolVar(&config.Sparse, "sparse", false, "rasters are derived from sparse measurements")
		fs.Float64Var(&config.Thresholds.Raster, "threshold", config.Thresholds.Raster, "minimum ratio of valid pixels of a raster")
		fs.Float64Var(&config.Thresholds.Sparse, "sparse-threshold", config.Thresholds.Sparse, "minimum ratio of valid pixels of a sparse raster")
	case "mosaic":
		fs.StringVar(&config.VRTBuilder, "vrt-builder", "godal", "how mosaics are built (godal, gdalbuildvrt, docker)")
		config.Docker.SetFlags(fs)
	case "merge":
	default:
		return nil, fmt.Errorf("unknown command %q\n%s", command, usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if config.ProjectDir == "" {
		return nil, fmt.Errorf("missing project-dir config flag")
	}
	if config.Source == "" {
		return nil, fmt.Errorf("missing source-name config flag")
	}
	var err error
	if config.Format, err = common.FormatString(*format); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	if config.Raster {
		config.Format = common.FormatGeoTIFF
	}
	switch {
	case command == "mosaic" && !config.Raster:
		return nil, fmt.Errorf("mosaic: %s is not a raster source", config.Source)
	case command == "merge" && !config.Format.IsVector():
		return nil, fmt.Errorf("merge: %s is not a vector source", config.Source)
	case command == "clean" && config.Threads <= 0:
		return nil, fmt.Errorf("clean: threads must be positive")
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	log.Init(config.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Command == "inspect" {
		return inspect(ctx, config.Paths, config.Thresholds.Raster)
	}

	if _, err := os.Stat(config.ProjectDir); err != nil {
		return fmt.Errorf("project directory: %w", err)
	}
	src := trackedSource{name: config.Source, raster: config.Raster}
	tracker, err := downloader.NewTracker(ctx, src, config.ProjectDir, config.Format)
	if err != nil {
		return err
	}
	ctx = log.With(ctx, "root", tracker.Root())

	switch config.Command {
	case "clean":
		isClean := processor.VectorIsClean
		if config.Raster {
			checker := processor.NewChecker(raster.NewGodalInspector())
			checker.Thresholds = config.Thresholds
			isClean = checker.TifIsClean
			if config.Sparse {
				isClean = checker.SparseIsClean
			}
		}
		var display progress.Display = progress.NewLogDisplay(ctx, 10*time.Second)
		if term.IsTerminal(int(os.Stderr.Fd())) {
			display = progress.NewBarDisplay(ctx, os.Stderr)
		}
		reporter := progress.NewRelay(display)
		removed, err := processor.Clean(ctx, tracker, isClean, config.Threads, reporter)
		reporter.Close()
		display.Stop()
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("removed %d corrupted tiles", removed)

	case "mosaic":
		var builder raster.VRTBuilder
		switch config.VRTBuilder {
		case "gdalbuildvrt":
			builder = raster.NewExecVRTBuilder("")
		case "docker":
			d, err := raster.NewDockerVRTBuilder(ctx, config.Docker)
			if err != nil {
				return err
			}
			defer d.Close()
			builder = d
		default:
			builder = raster.NewGodalVRTBuilder()
		}
		if _, err := processor.CreateVRTs(ctx, tracker, raster.NewGodalInspector(), builder); err != nil {
			return err
		}

	case "merge":
		if _, err := processor.MergeTracked(ctx, tracker, config.Format); err != nil {
			return err
		}
	}
	return nil
}

// inspect logs the crs and the validity of every raster. gs:// uris are read through ranged requests.
func inspect(ctx context.Context, paths []string, threshold float64) error {
	for _, p := range paths {
		if raster.IsGCS(p) {
			if err := raster.RegisterGCS(ctx); err != nil {
				return err
			}
			break
		}
	}
	inspector := raster.NewGodalInspector()
	checker := processor.NewChecker(inspector)
	checker.Thresholds.Raster = threshold
	unclean := 0
	for _, p := range paths {
		crs, err := inspector.CRS(ctx, p)
		if err != nil {
			log.Logger(ctx).Sugar().Errorf("%s: %v", p, err)
			unclean++
			continue
		}
		ratio, err := inspector.ValidRatio(ctx, p)
		if err != nil {
			log.Logger(ctx).Sugar().Errorf("%s: %v", p, err)
			unclean++
			continue
		}
		clean, _ := checker.TifIsClean(ctx, p)
		if !clean {
			unclean++
		}
		log.Logger(ctx).Sugar().Infof("%s: crs=%s valid=%.2f%% clean=%t", p, crs, 100*ratio, clean)
	}
	if unclean > 0 {
		return fmt.Errorf("%d rasters out of %d are not clean", unclean, len(paths))
	}
	return nil
}
