package log

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultRelayInterval is the period at which the relay drains pending records
const DefaultRelayInterval = 500 * time.Millisecond

// Record is a log entry produced by a worker and waiting to be re-emitted
type Record struct {
	WorkerID int
	Level    zapcore.Level
	Time     time.Time
	Message  string
	Fields   []zapcore.Field
}

type relayOption struct {
	interval time.Duration
	buffer   int
}

// RelayOption configures a Relay
type RelayOption func(ro *relayOption)

// RelayInterval sets the draining period
func RelayInterval(d time.Duration) RelayOption {
	return func(ro *relayOption) {
		ro.interval = d
	}
}

// RelayBuffer sets the capacity of the record queue
func RelayBuffer(n int) RelayOption {
	return func(ro *relayOption) {
		ro.buffer = n
	}
}

// Relay forwards log records from workers to the logger of the coordinator.
// Workers log through Relay.Logger(), a consumer goroutine drains the queue
// every interval and re-emits each record prefixed with its worker id.
type Relay struct {
	sink     *zap.Logger
	records  chan Record
	interval time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

// NewRelay starts a relay emitting to the logger of ctx
func NewRelay(ctx context.Context, options ...RelayOption) *Relay {
	opts := relayOption{interval: DefaultRelayInterval, buffer: 1024}
	for _, o := range options {
		o(&opts)
	}
	r := &Relay{
		sink:     Logger(ctx),
		records:  make(chan Record, opts.buffer),
		interval: opts.interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.consume()
	return r
}

// Logger returns a logger whose records are sent through the relay
func (r *Relay) Logger(workerID int) *zap.Logger {
	return zap.New(&relayCore{LevelEnabler: level, relay: r, workerID: workerID})
}

// Close stops accepting records, drains the pending ones and returns once they are all emitted.
// Records logged after Close are written directly to the sink.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	<-r.stopped
}

func (r *Relay) send(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.emit(rec)
		return
	}
	r.records <- rec
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
		case rec := <-r.records:
			r.emit(rec)
		default:
			return
		}
	}
}

func (r *Relay) emit(rec Record) {
	if ce := r.sink.Check(rec.Level, fmt.Sprintf("[worker=%d] %s", rec.WorkerID, rec.Message)); ce != nil {
		ce.Time = rec.Time
		ce.Write(rec.Fields...)
	}
}

type relayCore struct {
	zapcore.LevelEnabler
	relay    *Relay
	workerID int
	fields   []zapcore.Field
}

func (c *relayCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), stringifyErrors(fields)...)
	return &clone
}

func (c *relayCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *relayCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	c.relay.send(Record{
		WorkerID: c.workerID,
		Level:    ent.Level,
		Time:     ent.Time,
		Message:  ent.Message,
		Fields:   append(append([]zapcore.Field{}, c.fields...), stringifyErrors(fields)...),
	})
	return nil
}

func (c *relayCore) Sync() error {
	return nil
}

// errors may reference worker state: only their text crosses the relay
func stringifyErrors(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Interface.(error); ok && f.Type == zapcore.ErrorType {
			f = zap.String(f.Key, err.Error())
		}
		out[i] = f
	}
	return out
}
