package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRelayInterval is the period at which the relay replays the commands on the display
const DefaultRelayInterval = 100 * time.Millisecond

// TaskID identifies a task of a Reporter. It is only meaningful for the relay that created it.
type TaskID string

// Reporter is given to the workers to report their progress
type Reporter interface {
	AddTask(description string, total int64) TaskID
	Update(id TaskID, completed, total int64)
	Advance(id TaskID, n int64)
	RemoveTask(id TaskID)
}

type Command int

const (
	CommandAddTask Command = iota
	CommandUpdate
	CommandAdvance
	CommandRemove
)

// Envelope is a command sent by a worker to the relay
type Envelope struct {
	TaskID  TaskID
	Command Command
	Payload Payload
}

type Payload struct {
	Description string
	Completed   int64
	Total       int64
	Advance     int64
}

type relayOption struct {
	interval time.Duration
	buffer   int
}

type RelayOption func(ro *relayOption)

// RelayInterval sets the period of the consumer (default: DefaultRelayInterval)
func RelayInterval(d time.Duration) RelayOption {
	return func(ro *relayOption) {
		ro.interval = d
	}
}

// RelayBuffer sets the number of pending envelopes before the workers block
func RelayBuffer(n int) RelayOption {
	return func(ro *relayOption) {
		ro.buffer = n
	}
}

// Relay is a Reporter that forwards the commands of several workers to one Display.
// Commands are queued and replayed by a single consumer.
type Relay struct {
	display   Display
	envelopes chan Envelope
	interval  time.Duration

	mu      sync.RWMutex
	closed  bool
	applyMu sync.Mutex
	tasks   map[TaskID]Task
	done    chan struct{}
	stopped chan struct{}
}

// NewRelay starts the consumer. Close must be called to release it.
func NewRelay(display Display, options ...RelayOption) *Relay {
	ro := relayOption{interval: DefaultRelayInterval, buffer: 1024}
	for _, o := range options {
		o(&ro)
	}
	r := &Relay{
		display:   display,
		envelopes: make(chan Envelope, ro.buffer),
		interval:  ro.interval,
		tasks:     map[TaskID]Task{},
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.consume()
	return r
}

func (r *Relay) AddTask(description string, total int64) TaskID {
	id := TaskID(uuid.NewString())
	r.send(Envelope{TaskID: id, Command: CommandAddTask, Payload: Payload{Description: description, Total: total}})
	return id
}

func (r *Relay) Update(id TaskID, completed, total int64) {
	r.send(Envelope{TaskID: id, Command: CommandUpdate, Payload: Payload{Completed: completed, Total: total}})
}

func (r *Relay) Advance(id TaskID, n int64) {
	r.send(Envelope{TaskID: id, Command: CommandAdvance, Payload: Payload{Advance: n}})
}

func (r *Relay) RemoveTask(id TaskID) {
	r.send(Envelope{TaskID: id, Command: CommandRemove})
}

// Close replays the pending commands and stops the consumer.
// Commands sent after Close are applied synchronously.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	<-r.stopped
}

func (r *Relay) send(e Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.apply(e)
		return
	}
	r.envelopes <- e
}

func (r *Relay) consume() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.drain()
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Relay) drain() {
	for {
		select {
		case e := <-r.envelopes:
			r.apply(e)
		default:
			return
		}
	}
}

func (r *Relay) apply(e Envelope) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if e.Command == CommandAddTask {
		r.tasks[e.TaskID] = r.display.AddTask(e.Payload.Description, e.Payload.Total)
		return
	}
	task, ok := r.tasks[e.TaskID]
	if !ok {
		return
	}
	switch e.Command {
	case CommandUpdate:
		task.Update(e.Payload.Completed, e.Payload.Total)
	case CommandAdvance:
		task.Advance(e.Payload.Advance)
	case CommandRemove:
		task.Remove()
		delete(r.tasks, e.TaskID)
	}
}

// Nop is a Reporter that does nothing
type Nop struct{}

func (Nop) AddTask(string, int64) TaskID { return "" }
func (Nop) Update(TaskID, int64, int64)  {}
func (Nop) Advance(TaskID, int64)        {}
func (Nop) RemoveTask(TaskID)            {}
