package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/interface/source"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
)

// worker downloads chips with its own session. A worker is bound to one credential.
type worker struct {
	id         int
	credential string
	job        *Job
	inflight   *service.SyncStringSet
	reporter   progress.Reporter
	task       progress.TaskID
	logger     *log.Relay
}

func (w *worker) run(ctx context.Context, jobs <-chan chip) error {
	ctx = log.WithLogger(ctx, w.logger.Logger(w.id))
	session, err := w.job.Source.NewSession(ctx, w.credential)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("worker[%d].NewSession: %w", w.id, err))
	}
	defer session.Close()

	for c := range jobs {
		status, err := w.process(ctx, session, c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			status = common.StatusFAILED
			log.Logger(ctx).Sugar().Errorf("tile %s: %v", c.id, err)
		}
		w.job.Counters.count(status)
		publish(ctx, w.job.Publisher, common.NewChipEvent(w.job.Source.Name(), c.id, c.path, status, err))
		w.reporter.Advance(w.task, 1)
		if err != nil && service.Fatal(err) {
			return fmt.Errorf("worker[%d].%w", w.id, err)
		}
	}
	return nil
}

func (w *worker) process(ctx context.Context, s source.Session, c chip) (common.Status, error) {
	if w.job.AsTimeSeries {
		return w.processTimeSeries(ctx, s, c)
	}
	if _, err := os.Stat(c.path); err == nil {
		clean, err := w.job.IsClean(ctx, c.path)
		if err != nil {
			return common.StatusFAILED, fmt.Errorf("process.%w", err)
		}
		if clean {
			log.Logger(ctx).Sugar().Debugf("%s already exists", c.path)
			return common.StatusSKIPPED, nil
		}
		log.Logger(ctx).Sugar().Warnf("%s is corrupted: downloading it again", c.path)
		if err := os.Remove(c.path); err != nil {
			return common.StatusFAILED, fmt.Errorf("process.Remove: %w", err)
		}
	}

	if err := w.fetch(ctx, s, c, w.job.Source.Get); err != nil {
		return common.StatusFAILED, err
	}
	if err := w.checkFresh(ctx, c.path); err != nil {
		return common.StatusFAILED, err
	}
	return common.StatusDONE, nil
}

// processTimeSeries downloads the images that are missing in the directory of the chip
func (w *worker) processTimeSeries(ctx context.Context, s source.Session, c chip) (common.Status, error) {
	existing, err := listImages(c.path)
	if err != nil {
		return common.StatusFAILED, fmt.Errorf("processTimeSeries.%w", err)
	}
	for _, path := range existing {
		if clean, err := w.job.IsClean(ctx, path); err != nil {
			return common.StatusFAILED, fmt.Errorf("processTimeSeries.%w", err)
		} else if !clean {
			log.Logger(ctx).Sugar().Warnf("%s is corrupted: downloading it again", path)
			if err := os.Remove(path); err != nil {
				return common.StatusFAILED, fmt.Errorf("processTimeSeries.Remove: %w", err)
			}
		}
	}

	if err := w.fetch(ctx, s, c, w.job.Source.GetTimeSeries); err != nil {
		return common.StatusFAILED, err
	}
	images, err := listImages(c.path)
	if err != nil {
		return common.StatusFAILED, fmt.Errorf("processTimeSeries.%w", err)
	}
	for _, path := range images {
		if err := w.checkFresh(ctx, path); err != nil {
			return common.StatusFAILED, err
		}
	}
	return common.StatusDONE, nil
}

type getFunc func(ctx context.Context, s source.Session, q source.Query) (source.Downloadable, error)

// fetch gets and downloads the chip, retrying transfer errors.
// The path of the chip leaves the inflight set only once the download succeeded.
func (w *worker) fetch(ctx context.Context, s source.Session, c chip, get getFunc) error {
	w.inflight.Push(c.path)

	q := source.Query{AOI: c.bbox, Start: w.job.Start, End: w.job.End, Options: w.job.GetOptions}
	req := source.DownloadRequest{
		Out:           c.path,
		Region:        c.bbox,
		CRS:           c.bbox.CRS,
		Bands:         w.job.SelectedBands,
		Scale:         w.job.Resolution,
		Format:        w.job.Format,
		MaxTileSizeMB: w.job.MaxTileSizeMB,
		Progress:      w.reporter,
	}
	err := w.job.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			log.Logger(ctx).Sugar().Infof("tile %s: attempt %d/%d", c.id, attempt, w.job.Retry.MaxAttempts)
		}
		d, err := get(ctx, s, q)
		if err != nil {
			if service.Temporary(err) && ctx.Err() == nil {
				return &service.TransferError{Tile: c.id, Err: err}
			}
			return err
		}
		if err := d.Download(ctx, req); err != nil {
			if errors.Is(err, source.ErrChipNotFound) || service.Fatal(err) || ctx.Err() != nil {
				return err
			}
			return &service.TransferError{Tile: c.id, Err: err}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch.%w", err)
	}
	w.inflight.Pop(c.path)
	return nil
}

// checkFresh checks a file that was just downloaded
func (w *worker) checkFresh(ctx context.Context, path string) error {
	clean, err := w.job.IsClean(ctx, path)
	if err != nil {
		return fmt.Errorf("checkFresh.%w", err)
	}
	if clean {
		return nil
	}
	if !w.job.CheckClean {
		log.Logger(ctx).Sugar().Warnf("%s does not pass the clean check", path)
		return nil
	}
	os.Remove(path)
	return &service.BadDataError{Path: path, Reason: "does not pass the clean check after download"}
}

// listImages returns the visible files of a time series directory
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listImages: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "._") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
