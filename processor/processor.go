package processor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/interface/raster"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"
)

// IsCleanFunc returns false if the file is corrupted or does not contain enough data.
// An error is returned only if the check itself could not be done.
type IsCleanFunc func(ctx context.Context, path string) (bool, error)

// CleanThresholds are the minimum ratios of valid pixels of a clean raster
type CleanThresholds struct {
	Raster float64
	// Sparse is used for rasters derived from sparse point measurements
	Sparse float64
}

func DefaultCleanThresholds() CleanThresholds {
	return CleanThresholds{Raster: 0.9, Sparse: 0.005}
}

// Checker checks rasters with an inspector
type Checker struct {
	Inspector  raster.Inspector
	Thresholds CleanThresholds
}

func NewChecker(inspector raster.Inspector) *Checker {
	return &Checker{Inspector: inspector, Thresholds: DefaultCleanThresholds()}
}

func (c *Checker) ratioAbove(ctx context.Context, path string, threshold float64) (bool, error) {
	ratio, err := c.Inspector.ValidRatio(ctx, path)
	if err != nil {
		var berr *service.BadDataError
		if errors.As(err, &berr) {
			log.Logger(ctx).Sugar().Debugf("%s is corrupted: %v", path, err)
			return false, nil
		}
		return false, err
	}
	if ratio < threshold {
		log.Logger(ctx).Sugar().Debugf("%s has %.2f%% of valid pixels", path, 100*ratio)
		return false, nil
	}
	return true, nil
}

// TifIsClean is an IsCleanFunc
func (c *Checker) TifIsClean(ctx context.Context, path string) (bool, error) {
	return c.ratioAbove(ctx, path, c.Thresholds.Raster)
}

// SparseIsClean is an IsCleanFunc for intrinsically sparse rasters
func (c *Checker) SparseIsClean(ctx context.Context, path string) (bool, error) {
	return c.ratioAbove(ctx, path, c.Thresholds.Sparse)
}

// VectorIsClean is an IsCleanFunc for vector files: at least one feature or row is expected.
// Files with an unknown extension are considered clean.
func VectorIsClean(ctx context.Context, path string) (bool, error) {
	format, ok := common.FormatFromExtension(filepath.Ext(path))
	if !ok || !format.IsVector() {
		log.Logger(ctx).Sugar().Warnf("cannot check %s: unknown format", path)
		return true, nil
	}
	var n int64
	var err error
	switch format {
	case common.FormatGeoJSON:
		n, err = countFeatures(path)
	case common.FormatCSV:
		n, err = countCSVRows(path, 1)
	case common.FormatParquet:
		n, err = countParquetRows(path)
	}
	if err != nil {
		log.Logger(ctx).Sugar().Debugf("%s is corrupted: %v", path, err)
		return false, nil
	}
	return n > 0, nil
}

func countFeatures(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	// features are not decoded: a null geometry is valid
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return 0, fmt.Errorf("countFeatures: %w", err)
	}
	return int64(len(fc.Features)), nil
}

// countCSVRows counts the rows after the header, stopping at limit (if > 0)
func countCSVRows(path string, limit int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("countCSVRows: %w", err)
	}
	var n int64
	for limit <= 0 || n < limit {
		if _, err := r.Read(); err == io.EOF {
			break
		} else if err != nil {
			return n, fmt.Errorf("countCSVRows: %w", err)
		}
		n++
	}
	return n, nil
}

func openParquet(path string) (*os.File, *parquet.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("openParquet: %w", err)
	}
	return f, pf, nil
}

func countParquetRows(path string) (int64, error) {
	f, pf, err := openParquet(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return pf.NumRows(), nil
}

// Clean checks every file of the tracker with threads workers and removes the unclean ones.
// Returns the number of removed files.
func Clean(ctx context.Context, tracker *tiler.TileTracker, isClean IsCleanFunc, threads int, reporter progress.Reporter) (int, error) {
	paths, err := tracker.Paths()
	if err != nil {
		return 0, fmt.Errorf("Clean.%w", err)
	}
	if reporter == nil {
		reporter = progress.Nop{}
	}
	task := reporter.AddTask("Finding corrupted tiles...", int64(len(paths)))
	defer reporter.RemoveTask(task)

	if threads <= 0 {
		threads = 1
	}
	var removed atomic.Int64
	wg, gctx := errgroup.WithContext(ctx)
	jobChan := make(chan string)
	for i := 0; i < threads && i < len(paths); i++ {
		wg.Go(func() error {
			for path := range jobChan {
				clean, err := isClean(gctx, path)
				if err != nil {
					return fmt.Errorf("isClean[%s]: %w", path, err)
				}
				if !clean {
					log.Logger(ctx).Sugar().Infof("removing %s", path)
					if err := os.Remove(path); err != nil {
						return fmt.Errorf("Remove: %w", err)
					}
					removed.Add(1)
				}
				reporter.Advance(task, 1)
			}
			return nil
		})
	}

	// Push jobs
	func() {
		defer close(jobChan)
		for _, path := range paths {
			select {
			case jobChan <- path:
			case <-gctx.Done():
				return
			}
		}
	}()

	if err := wg.Wait(); err != nil {
		return int(removed.Load()), fmt.Errorf("Clean.%w", err)
	}
	if err := ctx.Err(); err != nil {
		return int(removed.Load()), fmt.Errorf("Clean: %w", err)
	}
	log.Logger(ctx).Sugar().Infof("%d/%d corrupted files removed from %s", removed.Load(), len(paths), tracker.Root())
	return int(removed.Load()), nil
}
