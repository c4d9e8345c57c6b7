package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/cavaliercoder/grab"
	"github.com/mholt/archiver"
)

// prefix of the file being transferred, renamed to the target once complete.
// Trackers ignore such files.
const partPrefix = "._"

var zipMagic = []byte("PK\x03\x04")

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

// displayProgress logs the transfer every progressPeriod and reports the transferred bytes if reporter is not nil
func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64, reporter progress.Reporter) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var task progress.TaskID
	if reporter != nil && resp.Size > 0 {
		task = reporter.AddTask(prefix, resp.Size)
		defer reporter.RemoveTask(task)
	}

	next, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if task != "" {
				reporter.Update(task, resp.BytesComplete(), resp.Size)
			}
			if resp.Progress() > next {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				next += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			if task != "" {
				reporter.Update(task, resp.BytesComplete(), resp.Size)
			}
			return
		}
	}
}

// httpDownload transfers url to dst with display every 5%.
// Timeouts, rate limiting and server errors are temporary, 404 is ErrChipNotFound.
func httpDownload(ctx context.Context, client *http.Client, url, dst, displayPrefix string, header http.Header, reporter progress.Reporter) error {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return fmt.Errorf("download.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	for k, v := range header {
		req.HTTPRequest.Header[k] = v
	}

	gc := grab.NewClient()
	if client != nil {
		gc.HTTPClient = client
	}
	resp := gc.Do(req)

	displayProgress(ctx, displayPrefix, resp, 0.05, reporter)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", displayPrefix, err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrChipNotFound, err)
		case 408, 429, 500, 501, 502, 503, 504:
			return service.MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}

// WriteCounter reports the number of bytes written to it. It implements to the io.Writer interface
// and we can pass this into io.TeeReader() which will report progress on each write cycle.
type WriteCounter struct {
	Reporter progress.Reporter
	Task     progress.TaskID
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Reporter.Advance(wc.Task, int64(n))
	return n, nil
}

// copyWithProgress copies r to dst, reporting the transferred bytes if reporter is not nil
func copyWithProgress(dst io.Writer, r io.Reader, size int64, description string, reporter progress.Reporter) (int64, error) {
	if reporter == nil || size <= 0 {
		return io.Copy(dst, r)
	}
	task := reporter.AddTask(description, size)
	defer reporter.RemoveTask(task)
	return io.Copy(dst, io.TeeReader(r, &WriteCounter{Reporter: reporter, Task: task}))
}

func partPath(out string) string {
	return filepath.Join(filepath.Dir(out), partPrefix+filepath.Base(out))
}

// finalize moves the transferred part to out, unzipping it if needed
func finalize(ctx context.Context, part, out string) error {
	f, err := os.Open(part)
	if err != nil {
		return fmt.Errorf("finalize.Open: %w", err)
	}
	magic := make([]byte, len(zipMagic))
	n, _ := io.ReadFull(f, magic)
	f.Close()
	if n == 0 {
		return service.MakeTemporary(fmt.Errorf("finalize: empty transfer"))
	}
	if !bytes.Equal(magic[:n], zipMagic) {
		if err := os.Rename(part, out); err != nil {
			return fmt.Errorf("finalize.Rename: %w", err)
		}
		return nil
	}
	if err := unarchive(part, out); err != nil {
		return fmt.Errorf("finalize.%w", err)
	}
	log.Logger(ctx).Sugar().Debugf("%s unzipped", out)
	return nil
}

// unarchive extracts the single file of localZip as out. All errors are temporary.
func unarchive(localZip, out string) error {
	tmpdir, err := os.MkdirTemp(filepath.Dir(out), "._unzip")
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	zip := archiver.Zip{OverwriteExisting: true, MkdirAll: true}
	if err := zip.Unarchive(localZip, tmpdir); err != nil {
		return service.MakeTemporary(fmt.Errorf("unarchive: %w", err))
	}
	var files []string
	err = filepath.WalkDir(tmpdir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			files = append(files, path)
		}
		return err
	})
	if err != nil {
		return service.MakeTemporary(err)
	}
	switch len(files) {
	case 0:
		return service.MakeTemporary(fmt.Errorf("unarchive: empty zip"))
	case 1:
	default:
		return fmt.Errorf("unarchive: %d files in zip, expected one", len(files))
	}
	if err := os.Rename(files[0], out); err != nil {
		return fmt.Errorf("unarchive.Rename: %w", err)
	}
	return nil
}
