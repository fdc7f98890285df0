// Package stream decouples source extraction from transform/write consumers
// with a bounded buffer: one producer goroutine feeding a channel whose
// capacity is the backpressure bound.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/nucleus/sync-core/pkg/entity"
	"github.com/nucleus/sync-core/pkg/source"
)

// ErrDone is the end-of-stream sentinel returned by NextBatch once the
// producer is exhausted and the buffer is drained.
var ErrDone = errors.New("stream exhausted")

// Stream buffers entities between one producer and many consumers. The
// buffer never holds more than batchSize*maxBatches items: the producer
// blocks on the full channel until consumers drain it.
type Stream struct {
	iter      source.Iterator
	batchSize int

	ch   chan *entity.Entity
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	err     error
	started bool
	stopped bool
}

// New builds a stream over the iterator with batch size batchSize and at most
// maxBatches buffered batches.
func New(iter source.Iterator, batchSize, maxBatches int) *Stream {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxBatches <= 0 {
		maxBatches = 4
	}
	return &Stream{
		iter:      iter,
		batchSize: batchSize,
		ch:        make(chan *entity.Entity, batchSize*maxBatches),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the producer goroutine. Must be called exactly once.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("stream already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.produce(ctx)
}

func (s *Stream) produce(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for s.iter.Next() {
		select {
		case s.ch <- s.iter.Value():
		case <-s.stop:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
	if err := s.iter.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the captured producer error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NextBatch returns up to batchSize entities, blocking while the buffer is
// empty and the producer has not finished. Once the producer fails, the
// error is re-raised to the next consumer. Returns ErrDone after exhaustion.
func (s *Stream) NextBatch(ctx context.Context) ([]*entity.Entity, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	var first *entity.Entity
	select {
	case e, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, ErrDone
		}
		first = e
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := make([]*entity.Entity, 0, s.batchSize)
	batch = append(batch, first)
	for len(batch) < s.batchSize {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return batch, nil
			}
			batch = append(batch, e)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Buffered returns the number of unconsumed entities currently held.
func (s *Stream) Buffered() int { return len(s.ch) }

// Capacity returns the backpressure bound (batchSize * maxBatches).
func (s *Stream) Capacity() int { return cap(s.ch) }

// Stop signals the producer to cease and waits for it to terminate. No
// background work survives the call. Safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.done
	}
	_ = s.iter.Close()
}
