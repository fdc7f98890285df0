// Package progress publishes incremental sync statistics to pluggable sinks
// without ever blocking the hot entity-processing path.
package progress

import (
	"sync"
	"time"

	"go.temporal.io/sdk/log"

	"github.com/nucleus/sync-core/internal/job"
)

// Kind distinguishes message flavours on the wire.
type Kind string

const (
	// KindDelta carries counter increments accumulated since the last message.
	KindDelta Kind = "delta"
	// KindSnapshot carries the full running totals.
	KindSnapshot Kind = "snapshot"
	// KindFinal is the last message of a run and carries the terminal totals.
	KindFinal Kind = "final"
)

// Message is one progress update for a job.
type Message struct {
	Kind     Kind         `json:"kind"`
	JobID    string       `json:"job_id"`
	SyncID   string       `json:"sync_id"`
	Status   job.Status   `json:"status,omitempty"`
	Counters job.Counters `json:"counters"`

	// ByDefinition carries absolute per-entity-type totals on snapshots.
	ByDefinition map[string]int64 `json:"by_definition,omitempty"`

	At time.Time `json:"at"`
}

// Sink receives progress messages. Implementations must not block for long;
// the publisher drops messages when a sink cannot keep up.
type Sink interface {
	Publish(msg Message)
}

// LogSink writes progress to the worker logger.
type LogSink struct {
	Logger log.Logger
}

func (s LogSink) Publish(msg Message) {
	s.Logger.Info("sync progress",
		"kind", string(msg.Kind),
		"job_id", msg.JobID,
		"sync_id", msg.SyncID,
		"status", string(msg.Status),
		"inserted", msg.Counters.Inserted,
		"updated", msg.Counters.Updated,
		"kept", msg.Counters.Kept,
		"deleted", msg.Counters.Deleted,
		"skipped", msg.Counters.Skipped)
}

// ChannelSink forwards messages to a channel, dropping when the channel is
// full. Useful for tests and in-process subscribers.
type ChannelSink struct {
	C chan Message
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan Message, buffer)}
}

func (s *ChannelSink) Publish(msg Message) {
	select {
	case s.C <- msg:
	default:
	}
}

// Publisher batches counter deltas and fans messages out to sinks from a
// single background goroutine. Emit never blocks the caller: when the
// internal buffer is full the delta is folded into a pending accumulator and
// sent with the next message instead.
type Publisher struct {
	jobID  string
	syncID string
	sinks  []Sink

	ch   chan Message
	done chan struct{}

	mu      sync.Mutex
	pending job.Counters
	closed  bool
}

// NewPublisher creates a publisher for one job and starts its pump goroutine.
func NewPublisher(jobID, syncID string, sinks ...Sink) *Publisher {
	p := &Publisher{
		jobID:  jobID,
		syncID: syncID,
		sinks:  sinks,
		ch:     make(chan Message, 256),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Publisher) pump() {
	defer close(p.done)
	for msg := range p.ch {
		for _, s := range p.sinks {
			s.Publish(msg)
		}
	}
}

// Emit publishes a counter delta. Never blocks; a delta that cannot be
// queued is carried forward and merged into the next queued message.
func (p *Publisher) Emit(delta job.Counters) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending.Add(delta)
	msg := Message{
		Kind:     KindDelta,
		JobID:    p.jobID,
		SyncID:   p.syncID,
		Counters: p.pending,
		At:       time.Now().UTC(),
	}
	select {
	case p.ch <- msg:
		p.pending = job.Counters{}
	default:
	}
	p.mu.Unlock()
}

// Snapshot publishes the full running totals with the current status and the
// absolute per-definition totals.
func (p *Publisher) Snapshot(status job.Status, totals job.Counters, byDefinition map[string]int64) {
	p.send(Message{
		Kind:         KindSnapshot,
		JobID:        p.jobID,
		SyncID:       p.syncID,
		Status:       status,
		Counters:     totals,
		ByDefinition: byDefinition,
		At:           time.Now().UTC(),
	})
}

func (p *Publisher) send(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- msg:
	default:
	}
}

// Close publishes the final message with the terminal status and totals,
// then drains and stops the pump. Safe to call once.
func (p *Publisher) Close(status job.Status, totals job.Counters) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.pending.Total() > 0 {
		// Deltas folded on overflow must still reach the sinks. Blocking is
		// fine here, the pump is draining and nothing new can enqueue.
		p.ch <- Message{
			Kind:     KindDelta,
			JobID:    p.jobID,
			SyncID:   p.syncID,
			Counters: p.pending,
			At:       time.Now().UTC(),
		}
		p.pending = job.Counters{}
	}
	final := Message{
		Kind:     KindFinal,
		JobID:    p.jobID,
		SyncID:   p.syncID,
		Status:   status,
		Counters: totals,
		At:       time.Now().UTC(),
	}
	// The final message must not be dropped.
	p.ch <- final
	close(p.ch)
	p.mu.Unlock()
	<-p.done
}
