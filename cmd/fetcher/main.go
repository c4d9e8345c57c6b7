package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/downloader"
	"github.com/airbusgeo/geocube-fetcher/interface/raster"
	"github.com/airbusgeo/geocube-fetcher/interface/source"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"github.com/araddon/dateparse"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type config struct {
	ProjectDir  string
	Credentials []string
	Source      source.Config

	AOI           geometry.GeoBoundingBox
	FilterPolygon *geometry.Polygon
	Start, End    time.Time
	Resolution    float64
	TileShape     int
	MaxTileSizeMB int
	CRS           *geometry.CRS
	AsTimeSeries  bool
	CheckClean    bool
	Bands         []string
	Format        common.Format
	GetOptions    map[string]string
	MaxAttempts   int
	RetryDelay    time.Duration
	Debug         bool

	VRTBuilder string
	Docker     raster.DockerConfig
	Progress   string

	PgqDbConnection string
	PsProject       string
	EventQueue      string

	ExportURI  string
	StatusAddr string
}

// savedConfig is the part of the config that defines the data of a project
type savedConfig struct {
	Source        string                  `json:"source"`
	AOI           geometry.GeoBoundingBox `json:"aoi"`
	Filter        string                  `json:"filter_polygon,omitempty"`
	Start         string                  `json:"start,omitempty"`
	End           string                  `json:"end,omitempty"`
	Resolution    float64                 `json:"resolution"`
	TileShape     int                     `json:"tile_shape"`
	CRS           string                  `json:"crs,omitempty"`
	AsTimeSeries  bool                    `json:"as_time_series"`
	Bands         []string                `json:"selected_bands,omitempty"`
	Format        string                  `json:"format,omitempty"`
	GetOptions    map[string]string       `json:"options,omitempty"`
	MaxTileSizeMB int                     `json:"max_tile_size_mb,omitempty"`
}

func newAppConfig() (*config, error) {
	return parseConfig(flag.CommandLine, os.Args[1:])
}

func parseConfig(fs *flag.FlagSet, args []string) (*config, error) {
	config := config{}
	// Global config
	fs.StringVar(&config.ProjectDir, "project-dir", "", "existing directory where the data is stored (in {project-dir}/{source-name})")
	credentials := fs.String("credentials", "", "comma-separated list of credentials (service account json files or tokens). One worker is started per credential")
	fs.BoolVar(&config.Debug, "debug", false, "development logs and a single worker")

	// Data source
	kind := fs.String("source-kind", string(source.KindCompute), "kind of data source (compute, archive)")
	fs.StringVar(&config.Source.Name, "source-name", "", "name of the data source, used in file names (e.g. s2)")
	fs.StringVar(&config.Source.FullName, "source-full-name", "", "human-readable name of the data source")
	fs.BoolVar(&config.Source.Raster, "source-raster", true, "the data source provides rasters (else vectors)")
	sourceBands := fs.String("source-bands", "", "comma-separated list of the default bands of the source")
	pixelRange := fs.String("source-pixel-range", "", "min,max of the valid pixel values")
	fs.StringVar(&config.Source.Endpoint, "source-endpoint", "", "endpoint of the compute backend")
	fs.StringVar(&config.Source.Collection, "source-collection", "", "collection of the compute backend")
	fs.StringVar(&config.Source.URIPattern, "source-uri-pattern", "", "uri of the chips of an archive (gs, s3, ftp, http(s) or local). Keys: {SOURCE}, {CRS}, {LEFT}, {BOTTOM}, {TILE}, {START}, {END}")
	fs.StringVar(&config.Source.S3Region, "source-s3-region", "", "region of an archive stored on s3")

	// Job
	aoi := fs.String("aoi", "", "area of interest: left,bottom,right,top in WGS84 or a GeoJSON/WKT file")
	filter := fs.String("filter-polygon", "", "GeoJSON/WKT file: only the tiles intersecting this polygon are downloaded (optional)")
	start := fs.String("start", "", "start date (optional)")
	end := fs.String("end", "", "end date (optional)")
	fs.Float64Var(&config.Resolution, "resolution", 10, "resolution in crs units per pixel")
	fs.IntVar(&config.TileShape, "tile-shape", 500, "side of a tile in pixels")
	fs.IntVar(&config.MaxTileSizeMB, "max-tile-size", 10, "max size of a chip requested to the backend (MB)")
	crs := fs.String("crs", "", "crs of the tiles (e.g. EPSG:3857). Default: the UTM zones of the aoi")
	fs.BoolVar(&config.AsTimeSeries, "as-time-series", false, "download every image of the time range instead of a composite")
	fs.BoolVar(&config.CheckClean, "check-clean", false, "a fresh tile that does not pass the clean check is a failure")
	bands := fs.String("bands", "", "comma-separated list of bands (default: bands of the source)")
	format := fs.String("format", "", "format of vector tiles (GeoJSON, CSV, Parquet)")
	options := fs.String("options", "", "comma-separated list of key=value passed to the backend")
	fs.IntVar(&config.MaxAttempts, "max-attempts", 5, "max attempts to download a tile")
	fs.DurationVar(&config.RetryDelay, "retry-delay", time.Second, "delay between two attempts")

	// Mosaic
	fs.StringVar(&config.VRTBuilder, "vrt-builder", "godal", "how mosaics are built (godal, gdalbuildvrt, docker)")
	config.Docker.SetFlags(fs)
	fs.StringVar(&config.Progress, "progress", "auto", "progress display (auto, bar, log)")

	// Messaging
	fs.StringVar(&config.PgqDbConnection, "pgq-connection", "", "enable pgq messaging system with a connection to the database")
	fs.StringVar(&config.PsProject, "ps-project", "", "pubsub project (gcp only/not required in local usage)")
	fs.StringVar(&config.EventQueue, "event-queue", "", "name of the queue for chip and job events (pgqueue or pubsub topic, optional)")

	fs.StringVar(&config.ExportURI, "export-uri", "", "storage uri (local, gs, s3) where the data is exported after a successful download (optional)")
	fs.StringVar(&config.StatusAddr, "status-addr", "", "address of the status server (e.g. :9000, optional)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if config.ProjectDir == "" {
		return nil, fmt.Errorf("missing project-dir config flag")
	}
	if config.Source.Name == "" {
		return nil, fmt.Errorf("missing source-name config flag")
	}
	config.Source.Kind = source.Kind(*kind)
	config.Credentials = splitList(*credentials)
	if len(config.Credentials) == 0 {
		if config.Source.Kind != source.KindArchive {
			return nil, fmt.Errorf("missing credentials config flag")
		}
		// archives may be public
		config.Credentials = []string{""}
	}
	config.Source.Bands = splitList(*sourceBands)
	config.Bands = splitList(*bands)
	if *pixelRange != "" {
		r := splitList(*pixelRange)
		if len(r) != 2 {
			return nil, fmt.Errorf("malformed source-pixel-range config. Must be min,max")
		}
		for i, v := range r {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed source-pixel-range config: %w", err)
			}
			config.Source.PixelRange[i] = f
		}
	}

	if *aoi == "" {
		return nil, fmt.Errorf("missing aoi config flag")
	}
	var err error
	if config.AOI, err = service.LoadAOI(*aoi); err != nil {
		return nil, fmt.Errorf("aoi: %w", err)
	}
	if *filter != "" {
		if config.FilterPolygon, err = service.LoadPolygon(*filter); err != nil {
			return nil, fmt.Errorf("filter-polygon: %w", err)
		}
	}
	if *start != "" {
		if config.Start, err = dateparse.ParseAny(*start); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}
	if *end != "" {
		if config.End, err = dateparse.ParseAny(*end); err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
	}
	if *crs != "" {
		c, err := geometry.ParseCRS(*crs)
		if err != nil {
			return nil, fmt.Errorf("crs: %w", err)
		}
		config.CRS = &c
	}
	if *format != "" {
		if config.Format, err = common.FormatString(*format); err != nil {
			return nil, fmt.Errorf("format: %w", err)
		}
	}
	if config.GetOptions, err = parseOptions(*options); err != nil {
		return nil, err
	}
	switch config.VRTBuilder {
	case "godal", "gdalbuildvrt", "docker":
	default:
		return nil, fmt.Errorf("unknown vrt-builder %q", config.VRTBuilder)
	}
	switch config.Progress {
	case "auto", "bar", "log":
	default:
		return nil, fmt.Errorf("unknown progress %q", config.Progress)
	}
	return &config, nil
}

func splitList(s string) []string {
	var list []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}

// parseOptions parses "key=value,key=value"
func parseOptions(s string) (map[string]string, error) {
	options := map[string]string{}
	for _, kv := range splitList(s) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed options config. Must be key=value,key=value")
		}
		options[k] = v
	}
	return options, nil
}

func (c *config) saved() savedConfig {
	s := savedConfig{
		Source:        c.Source.Name,
		AOI:           c.AOI,
		Resolution:    c.Resolution,
		TileShape:     c.TileShape,
		AsTimeSeries:  c.AsTimeSeries,
		Bands:         c.Bands,
		GetOptions:    c.GetOptions,
		MaxTileSizeMB: c.MaxTileSizeMB,
	}
	if c.FilterPolygon != nil {
		s.Filter, _ = c.FilterPolygon.WKT()
	}
	if !c.Start.IsZero() {
		s.Start = c.Start.Format(time.DateOnly)
	}
	if !c.End.IsZero() {
		s.End = c.End.Format(time.DateOnly)
	}
	if c.CRS != nil {
		s.CRS = c.CRS.String()
	}
	if !c.Source.Raster {
		s.Format = c.Format.String()
	}
	return s
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

	src, err := source.New(config.Source)
	if err != nil {
		return err
	}

	var eventPublisher messaging.Publisher
	var logMessaging string
	if config.EventQueue != "" {
		if config.PgqDbConnection != "" {
			_, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
			if err != nil {
				return fmt.Errorf("MessagingService: %w", err)
			}
			logMessaging = fmt.Sprintf(" pushing on pgqueue:%s", config.EventQueue)
			eventPublisher = pgqueue.NewPublisher(w, config.EventQueue, pgqueue.WithMaxRetries(5))
		} else {
			logMessaging = fmt.Sprintf(" pushing on pubsub:%s/%s", config.PsProject, config.EventQueue)
			eventTopic, err := pubsub.NewPublisher(ctx, config.PsProject, config.EventQueue, pubsub.WithMaxRetries(5))
			if err != nil {
				return fmt.Errorf("pubsub.NewPublisher: %w", err)
			}
			defer eventTopic.Stop()
			eventPublisher = eventTopic
		}
	}

	var exportStorage *service.ExportStorage
	if config.ExportURI != "" {
		if exportStorage, err = service.NewExportStorage(ctx, config.ExportURI); err != nil {
			return fmt.Errorf("storage[%s].%w", config.ExportURI, err)
		}
	}

	vrtBuilder, err := newVRTBuilder(ctx, config)
	if err != nil {
		return err
	}
	if d, ok := vrtBuilder.(*raster.DockerVRTBuilder); ok {
		defer d.Close()
	}

	tracker, err := downloader.NewTracker(ctx, src, config.ProjectDir, config.Format)
	if err != nil {
		return err
	}
	if err := service.SaveJobConfig(ctx, config.saved(), tracker.Root(), "config.json"); err != nil {
		if errors.Is(err, service.ErrConfigMismatch) {
			return fmt.Errorf("%s was created with another configuration: use another project directory", tracker.Root())
		}
		return err
	}

	display := newDisplay(ctx, config.Progress)
	defer display.Stop()

	counters := &downloader.Counters{}
	if config.StatusAddr != "" {
		s := http.Server{
			Addr:    config.StatusAddr,
			Handler: newStatusHandler(counters, time.Now()),
		}
		go func() {
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger(ctx).Error(err.Error())
			}
		}()
		defer s.Close()
	}

	job := downloader.Job{
		ProjectDir:    config.ProjectDir,
		Credentials:   config.Credentials,
		AOI:           config.AOI,
		Source:        src,
		Start:         config.Start,
		End:           config.End,
		Resolution:    config.Resolution,
		TileShape:     config.TileShape,
		MaxTileSizeMB: config.MaxTileSizeMB,
		CRS:           config.CRS,
		FilterPolygon: config.FilterPolygon,
		AsTimeSeries:  config.AsTimeSeries,
		CheckClean:    config.CheckClean,
		SelectedBands: config.Bands,
		Format:        config.Format,
		GetOptions:    config.GetOptions,
		Retry:         service.RetryPolicy{MaxAttempts: config.MaxAttempts, Delay: config.RetryDelay, Retryable: service.IsTransfer},
		Debug:         config.Debug,
		Display:       display,
		VRTBuilder:    vrtBuilder,
		Counters:      counters,
	}
	if eventPublisher != nil {
		job.Publisher = eventPublisher
	}

	log.Logger(ctx).Sugar().Infof("fetching %s with %d workers in %s%s", src.FullName(), len(config.Credentials), tracker.Root(), logMessaging)
	if err := downloader.Download(ctx, job); err != nil {
		return err
	}

	if exportStorage != nil {
		paths, err := exportPaths(tracker, config.AsTimeSeries)
		if err != nil {
			return err
		}
		if _, err := exportStorage.Export(ctx, tracker.Root(), paths); err != nil {
			return err
		}
	}
	log.Logger(ctx).Sugar().Infof("successfully fetched %s", src.FullName())
	return nil
}

func newVRTBuilder(ctx context.Context, config *config) (raster.VRTBuilder, error) {
	switch config.VRTBuilder {
	case "gdalbuildvrt":
		return raster.NewExecVRTBuilder(""), nil
	case "docker":
		return raster.NewDockerVRTBuilder(ctx, config.Docker)
	}
	return raster.NewGodalVRTBuilder(), nil
}

func newDisplay(ctx context.Context, kind string) progress.Display {
	if kind == "bar" || (kind == "auto" && term.IsTerminal(int(os.Stderr.Fd()))) {
		return progress.NewBarDisplay(ctx, os.Stderr)
	}
	return progress.NewLogDisplay(ctx, 30*time.Second)
}

// exportPaths returns the tracked files, the mosaics, the merged file and the config.
// Time series are exported as directories.
func exportPaths(tracker *tiler.TileTracker, asTimeSeries bool) ([]string, error) {
	set := service.StringSet{}
	if asTimeSeries {
		entries, err := os.ReadDir(tracker.Root())
		if err != nil {
			return nil, fmt.Errorf("exportPaths: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), "._") {
				set.Push(filepath.Join(tracker.Root(), e.Name()))
			}
		}
	} else {
		paths, err := tracker.Paths()
		if err != nil {
			return nil, fmt.Errorf("exportPaths.%w", err)
		}
		for _, p := range paths {
			set.Push(p)
		}
	}
	for _, pattern := range []string{"*.vrt", "merged.*", "config.json"} {
		matches, _ := filepath.Glob(filepath.Join(tracker.Root(), pattern))
		for _, m := range matches {
			set.Push(m)
		}
	}
	return set.Slice(), nil
}
