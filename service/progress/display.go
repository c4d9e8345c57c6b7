package progress

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Display renders the tasks of a Relay
type Display interface {
	AddTask(description string, total int64) Task
	// Stop releases the display. Tasks must not be used afterwards.
	Stop()
}

type Task interface {
	Update(completed, total int64)
	Advance(n int64)
	Remove()
}

// BarDisplay renders one bar per task on a terminal
type BarDisplay struct {
	p    *mpb.Progress
	mu   sync.Mutex
	bars []*mpb.Bar
}

// NewBarDisplay renders "description [bar] completed / total elapsed" lines on w
func NewBarDisplay(ctx context.Context, w io.Writer) *BarDisplay {
	return &BarDisplay{
		p: mpb.NewWithContext(ctx,
			mpb.WithOutput(w),
			mpb.WithWidth(40),
			mpb.WithRefreshRate(150*time.Millisecond),
		),
	}
}

func (d *BarDisplay) AddTask(description string, total int64) Task {
	bar := d.p.AddBar(total,
		mpb.PrependDecorators(decor.Name(description, decor.WCSyncSpaceR)),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
		),
	)
	d.mu.Lock()
	d.bars = append(d.bars, bar)
	d.mu.Unlock()
	return barTask{bar: bar}
}

// Stop completes the remaining bars and waits for the last rendering
func (d *BarDisplay) Stop() {
	d.mu.Lock()
	for _, bar := range d.bars {
		if !bar.Completed() {
			bar.SetTotal(-1, true)
		}
	}
	d.mu.Unlock()
	d.p.Wait()
}

type barTask struct {
	bar *mpb.Bar
}

func (t barTask) Update(completed, total int64) {
	if total > 0 {
		t.bar.SetTotal(total, false)
	}
	t.bar.SetCurrent(completed)
}

func (t barTask) Advance(n int64) {
	t.bar.IncrInt64(n)
}

func (t barTask) Remove() {
	t.bar.Abort(true)
}

// LogDisplay logs the progress of the tasks periodically
type LogDisplay struct {
	ctx     context.Context
	mu      sync.Mutex
	tasks   []*logTask
	done    chan struct{}
	stopped chan struct{}
}

// NewLogDisplay logs the tasks that changed every period
func NewLogDisplay(ctx context.Context, period time.Duration) *LogDisplay {
	d := &LogDisplay{ctx: ctx, done: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(d.stopped)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.report(false)
			case <-d.done:
				d.report(true)
				return
			}
		}
	}()
	return d
}

func (d *LogDisplay) AddTask(description string, total int64) Task {
	t := &logTask{description: description, total: total, start: time.Now(), changed: true}
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
	return t
}

func (d *LogDisplay) Stop() {
	close(d.done)
	<-d.stopped
}

func (d *LogDisplay) report(final bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.tasks[:0]
	for _, t := range d.tasks {
		t.mu.Lock()
		if t.changed || (final && !t.removed) {
			pct := 0.0
			if t.total > 0 {
				pct = 100 * float64(t.completed) / float64(t.total)
			}
			log.Logger(d.ctx).Sugar().Infof("%s: %d / %d (%.0f%%) in %s", t.description, t.completed, t.total, pct, time.Since(t.start).Round(time.Second))
			t.changed = false
		}
		removed := t.removed
		t.mu.Unlock()
		if !removed {
			tasks = append(tasks, t)
		}
	}
	d.tasks = tasks
}

type logTask struct {
	mu          sync.Mutex
	description string
	completed   int64
	total       int64
	start       time.Time
	changed     bool
	removed     bool
}

func (t *logTask) Update(completed, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = completed
	if total > 0 {
		t.total = total
	}
	t.changed = true
}

func (t *logTask) Advance(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed += n
	t.changed = true
}

func (t *logTask) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
}

// NopDisplay renders nothing
type NopDisplay struct{}

func (NopDisplay) AddTask(string, int64) Task { return nopTask{} }
func (NopDisplay) Stop()                      {}

type nopTask struct{}

func (nopTask) Update(int64, int64) {}
func (nopTask) Advance(int64)       {}
func (nopTask) Remove()             {}
