package progress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airbusgeo/geocube-fetcher/service/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordedTask struct {
	description string
	completed   int64
	total       int64
	removed     bool
}

type recordingDisplay struct {
	mu      sync.Mutex
	tasks   []*recordedTask
	stopped bool
}

func (d *recordingDisplay) AddTask(description string, total int64) Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &recordedTask{description: description, total: total}
	d.tasks = append(d.tasks, t)
	return &recordingTask{d: d, t: t}
}

func (d *recordingDisplay) Stop() {
	d.stopped = true
}

type recordingTask struct {
	d *recordingDisplay
	t *recordedTask
}

func (r *recordingTask) Update(completed, total int64) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.t.completed = completed
	r.t.total = total
}

func (r *recordingTask) Advance(n int64) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.t.completed += n
}

func (r *recordingTask) Remove() {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.t.removed = true
}

func TestRelayDrainsOnClose(t *testing.T) {
	display := &recordingDisplay{}
	relay := NewRelay(display, RelayInterval(time.Hour))

	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := relay.AddTask("chip", 50)
			for i := 0; i < 50; i++ {
				relay.Advance(id, 1)
			}
		}()
	}
	wg.Wait()

	display.mu.Lock()
	if len(display.tasks) != 0 {
		t.Errorf("nothing must be replayed before the first tick, got %d tasks", len(display.tasks))
	}
	display.mu.Unlock()

	relay.Close()
	if len(display.tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(display.tasks))
	}
	for _, task := range display.tasks {
		if task.completed != 50 || task.total != 50 {
			t.Errorf("expected 50/50, got %d/%d", task.completed, task.total)
		}
	}
}

func TestRelayCommands(t *testing.T) {
	display := &recordingDisplay{}
	relay := NewRelay(display, RelayInterval(time.Millisecond))
	id := relay.AddTask("download", 10)
	relay.Update(id, 4, 20)
	relay.Advance(id, 2)
	other := relay.AddTask("clean", 1)
	relay.RemoveTask(other)
	relay.Advance(other, 1)
	relay.Advance("unknown", 1)
	relay.Close()
	relay.Close()

	if len(display.tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(display.tasks))
	}
	if d := display.tasks[0]; d.description != "download" || d.completed != 6 || d.total != 20 {
		t.Errorf("unexpected task %+v", d)
	}
	if d := display.tasks[1]; !d.removed || d.completed != 0 {
		t.Errorf("unexpected task %+v", d)
	}

	// after Close, commands are applied synchronously
	late := relay.AddTask("late", 3)
	relay.Advance(late, 3)
	if len(display.tasks) != 3 || display.tasks[2].completed != 3 {
		t.Errorf("late commands must not be lost")
	}
}

func TestLogDisplay(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := log.WithLogger(context.Background(), zap.New(core))

	display := NewLogDisplay(ctx, time.Hour)
	task := display.AddTask("Downloading s2 chips", 4)
	task.Advance(1)
	task.Update(3, 4)
	removed := display.AddTask("removed", 1)
	removed.Remove()
	display.Stop()

	found := false
	for _, entry := range logs.All() {
		if strings.HasPrefix(entry.Message, "Downloading s2 chips: 3 / 4 (75%)") {
			found = true
		}
	}
	if !found {
		t.Errorf("final progress not logged: %v", logs.All())
	}
}
