package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/interface/raster"
	"github.com/airbusgeo/geocube-fetcher/interface/source"
	"github.com/airbusgeo/geocube-fetcher/processor"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"golang.org/x/sync/errgroup"
)

// Publisher publishes the events of a job (see messaging.Publisher)
type Publisher interface {
	Publish(ctx context.Context, data ...[]byte) error
}

// Job describes the download of an area of interest
type Job struct {
	// ProjectDir must exist. Tiles are stored in ProjectDir/Source.Name()
	ProjectDir string
	// One worker is started per credential
	Credentials []string
	AOI         geometry.GeoBoundingBox
	Source      source.DataSource
	Start, End  time.Time
	// Resolution in CRS units per pixel
	Resolution float64
	// TileShape is the side of a tile in pixels
	TileShape     int
	MaxTileSizeMB int
	// CRS of the tiles. If nil, the tiles are expressed in the UTM zones of the AOI.
	CRS           *geometry.CRS
	FilterPolygon *geometry.Polygon
	AsTimeSeries  bool
	// CheckClean makes a fresh chip that does not pass the clean check a failure
	CheckClean    bool
	SelectedBands []string
	Format        common.Format
	GetOptions    map[string]string
	Retry         service.RetryPolicy
	// Debug runs a single worker
	Debug bool

	// Optional
	Publisher  Publisher
	Display    progress.Display
	Inspector  raster.Inspector
	VRTBuilder raster.VRTBuilder
	IsClean    processor.IsCleanFunc
	Counters   *Counters
}

// Counters of a running job, safe for concurrent use
type Counters struct {
	Total   atomic.Int64
	Done    atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64
}

// Snapshot returns the current values
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"total":   c.Total.Load(),
		"done":    c.Done.Load(),
		"skipped": c.Skipped.Load(),
		"failed":  c.Failed.Load(),
	}
}

// Remaining is the number of tiles that are not processed yet
func (c *Counters) Remaining() int64 {
	return c.Total.Load() - c.Done.Load() - c.Skipped.Load() - c.Failed.Load()
}

func (c *Counters) count(status common.Status) {
	switch status {
	case common.StatusDONE:
		c.Done.Add(1)
	case common.StatusSKIPPED:
		c.Skipped.Add(1)
	case common.StatusFAILED:
		c.Failed.Add(1)
	}
}

func (job *Job) setDefaults() {
	if job.Retry.MaxAttempts <= 0 {
		job.Retry = service.DefaultRetryPolicy()
	}
	if job.Display == nil {
		job.Display = progress.NopDisplay{}
	}
	if job.Counters == nil {
		job.Counters = &Counters{}
	}
	if len(job.SelectedBands) == 0 {
		job.SelectedBands = job.Source.DefaultSelectedBands()
	}
	if job.Source.IsRaster() {
		job.Format = common.FormatGeoTIFF
		if job.Inspector == nil {
			job.Inspector = raster.NewGodalInspector()
		}
		if job.VRTBuilder == nil {
			job.VRTBuilder = raster.NewGodalVRTBuilder()
		}
		if job.IsClean == nil {
			job.IsClean = processor.NewChecker(job.Inspector).TifIsClean
		}
	} else {
		if !job.Format.IsVector() {
			job.Format = common.FormatGeoJSON
		}
		if job.IsClean == nil {
			job.IsClean = processor.VectorIsClean
		}
	}
}

func (job *Job) validate() error {
	if job.Source == nil {
		return fmt.Errorf("missing data source")
	}
	if st, err := os.Stat(job.ProjectDir); err != nil {
		return fmt.Errorf("project directory: %w", err)
	} else if !st.IsDir() {
		return fmt.Errorf("project directory: %s is not a directory", job.ProjectDir)
	}
	if len(job.Credentials) == 0 {
		return fmt.Errorf("at least one credential is required")
	}
	if job.Resolution <= 0 || job.TileShape <= 0 {
		return fmt.Errorf("resolution (%f) and tile shape (%d) must be positive", job.Resolution, job.TileShape)
	}
	if !job.End.IsZero() && job.End.Before(job.Start) {
		return fmt.Errorf("end date %s is before start date %s", job.End, job.Start)
	}
	return nil
}

// NewTracker returns the tracker of the tiles of the job
func NewTracker(ctx context.Context, src source.DataSource, projectDir string, format common.Format) (*tiler.TileTracker, error) {
	var opts []tiler.TrackerOption
	if !src.IsRaster() {
		if !format.IsVector() {
			format = common.FormatGeoJSON
		}
		opts = append(opts, tiler.WithExtension(format.Extension()))
	}
	return tiler.NewTileTracker(ctx, src, projectDir, opts...)
}

type chip struct {
	id   string
	bbox geometry.GeoBoundingBox
	// file, or directory of a time series
	path string
}

// Download splits the AOI in tiles and downloads every tile that is not already on disk, using one worker per credential.
// When all the tiles are downloaded, the mosaics (raster) or the merged file (vector) are created.
// If some tiles failed, an AggregateFailureError is returned.
// On cancellation, the tiles being written are removed.
func Download(ctx context.Context, job Job) (err error) {
	if err := job.validate(); err != nil {
		return service.MakeFatal(fmt.Errorf("Download: %w", err))
	}
	job.setDefaults()
	src := job.Source
	ctx = log.With(ctx, "source", src.Name())

	tracker, err := NewTracker(ctx, src, job.ProjectDir, job.Format)
	if err != nil {
		return fmt.Errorf("Download.%w", err)
	}

	chips, err := splitChips(ctx, job, tracker)
	if err != nil {
		return fmt.Errorf("Download.%w", err)
	}
	job.Counters.Total.Store(int64(len(chips)))
	log.Logger(ctx).Sugar().Infof("%d tiles of %.0fm to download in %s", len(chips), job.Resolution*float64(job.TileShape), tracker.Root())

	defer func() {
		var ae *service.AggregateFailureError
		failed := int(job.Counters.Failed.Load())
		if errors.As(err, &ae) {
			failed = ae.Failed
		}
		publish(context.WithoutCancel(ctx), job.Publisher, common.NewJobEvent(src.Name(), failed, len(chips), err))
	}()

	reporter := progress.NewRelay(job.Display)
	defer reporter.Close()
	logRelay := log.NewRelay(ctx)
	defer logRelay.Close()

	task := reporter.AddTask("Downloading "+src.FullName(), int64(len(chips)))
	defer reporter.RemoveTask(task)

	nWorkers := len(job.Credentials)
	if job.Debug {
		nWorkers = 1
	}
	inflight := service.NewSyncStringSet()
	wg, gctx := errgroup.WithContext(ctx)
	jobChan := make(chan chip)
	for i := 0; i < nWorkers; i++ {
		w := &worker{
			id:         i,
			credential: job.Credentials[i],
			job:        &job,
			inflight:   inflight,
			reporter:   reporter,
			task:       task,
			logger:     logRelay,
		}
		wg.Go(func() error { return w.run(gctx, jobChan) })
	}

	// Push jobs in tiler order
	func() {
		defer close(jobChan)
		for _, c := range chips {
			select {
			case jobChan <- c:
			case <-gctx.Done():
				return
			}
		}
	}()

	werr := wg.Wait()

	// Remove the outputs of the aborted chips
	for _, path := range inflight.Slice() {
		removePartial(ctx, path)
	}
	if err := ctx.Err(); err != nil {
		log.Logger(ctx).Sugar().Warnf("download interrupted: %v", err)
		return fmt.Errorf("Download: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("Download.%w", werr)
	}
	if failed := job.Counters.Failed.Load(); failed > 0 {
		return &service.AggregateFailureError{Failed: int(failed), Total: len(chips)}
	}
	log.Logger(ctx).Sugar().Infof("%d tiles downloaded, %d already on disk", job.Counters.Done.Load(), job.Counters.Skipped.Load())

	if err := postProcess(ctx, job, tracker); err != nil {
		return fmt.Errorf("Download.%w", err)
	}
	return nil
}

// splitChips materializes the tiles of the job and their paths
func splitChips(ctx context.Context, job Job, tracker *tiler.TileTracker) ([]chip, error) {
	side := job.Resolution * float64(job.TileShape)
	tiles, err := tiler.Collect(tiler.New().Split(ctx, job.AOI, side, job.CRS, job.FilterPolygon))
	if err != nil {
		return nil, err
	}
	chips := make([]chip, 0, len(tiles))
	onOverlap := 0
	for _, tile := range tiles {
		if job.CRS == nil {
			if overlap, err := tiler.IsOnDistortionOverlap(tile); err == nil && overlap {
				onOverlap++
			}
		}
		var path string
		if job.AsTimeSeries {
			path, err = tracker.TimeSeriesDir(tile, job.Format)
		} else {
			path, err = tracker.GetPath(tile, job.Format)
		}
		if err != nil {
			return nil, err
		}
		chips = append(chips, chip{
			id:   common.TileID(tiler.NameCRS(tile.CRS), tile.Left, tile.Bottom),
			bbox: tile,
			path: path,
		})
	}
	if onOverlap > 0 {
		log.Logger(ctx).Sugar().Warnf("%d tiles are on the border of a UTM zone or on the equator: some points may belong to several tiles", onOverlap)
	}
	return chips, nil
}

func postProcess(ctx context.Context, job Job, tracker *tiler.TileTracker) error {
	switch {
	case job.AsTimeSeries:
		return nil
	case job.Source.IsRaster():
		if _, err := processor.CreateVRTs(ctx, tracker, job.Inspector, job.VRTBuilder); err != nil {
			return fmt.Errorf("postProcess.%w", err)
		}
	case job.Format.IsVector():
		if _, err := processor.MergeTracked(ctx, tracker, job.Format); err != nil {
			return fmt.Errorf("postProcess.%w", err)
		}
	}
	return nil
}

// removePartial removes an aborted output. For a time series, only the images being written are removed.
func removePartial(ctx context.Context, path string) {
	st, err := os.Stat(path)
	if err == nil && st.IsDir() {
		entries, _ := os.ReadDir(path)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "._") {
				os.RemoveAll(filepath.Join(path, e.Name()))
			}
		}
		return
	}
	if err == nil {
		log.Logger(ctx).Sugar().Infof("removing partial file %s", path)
		os.Remove(path)
	}
	os.Remove(filepath.Join(filepath.Dir(path), "._"+filepath.Base(path)))
}

func publish(ctx context.Context, publisher Publisher, event common.Event) {
	if publisher == nil {
		return
	}
	data, err := event.Encode()
	if err == nil {
		err = publisher.Publish(ctx, data)
	}
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("failed to publish %s event: %v", event.Type, err)
	}
}
