package engine

import (
	"context"
	"sync/atomic"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Sink receives run events as they are emitted.
// Implementations must be safe to call from multiple goroutines and should
// not block the engine beyond a small bounded time.
type Sink interface {
	Emit(ctx context.Context, e models.Event)
}

// DroppedCounter is implemented by sinks that drop events under
// backpressure. The emitter sums these counts into the run_end payload.
type DroppedCounter interface {
	DroppedCount() uint64
}

// ChanSink sends events to a channel, dropping when the channel is full.
type ChanSink struct {
	ch chan<- models.Event
}

// NewChanSink creates a sink that sends to ch. The channel should be
// buffered to avoid losing events.
func NewChanSink(ch chan<- models.Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event without blocking.
func (s *ChanSink) Emit(ctx context.Context, e models.Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out events to multiple sinks in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink dispatching to all given sinks. Nil sinks are
// filtered out.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to every sink.
func (s *MultiSink) Emit(ctx context.Context, e models.Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as a Sink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.Event)
}

// NewCallbackSink creates a sink invoking fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, models.Event) {}

// BoundedSink decouples a subscriber from the engine with a bounded buffer
// drained by one goroutine. Pass-through events (tool output, progress,
// token usage) are dropped when the buffer is full and counted; lifecycle
// events block until buffered so terminal events are not lost.
type BoundedSink struct {
	inner   Sink
	buf     chan models.Event
	dropped uint64
	closed  uint32
	done    chan struct{}
}

// NewBoundedSink wraps inner with a buffer of the given size (<= 0 uses
// 256). Close releases the drain goroutine.
func NewBoundedSink(inner Sink, size int) *BoundedSink {
	if size <= 0 {
		size = 256
	}
	s := &BoundedSink{
		inner: inner,
		buf:   make(chan models.Event, size),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *BoundedSink) drain() {
	defer close(s.done)
	for e := range s.buf {
		s.inner.Emit(context.Background(), e)
	}
}

// Emit queues the event for the subscriber.
func (s *BoundedSink) Emit(ctx context.Context, e models.Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if droppableEvent(e.Type) {
		select {
		case s.buf <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.buf <- e:
	case <-ctx.Done():
		// Deliver terminal events even under cancellation when a slot
		// remains; otherwise count the loss.
		select {
		case s.buf <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// DroppedCount returns the number of events dropped under backpressure.
func (s *BoundedSink) DroppedCount() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops accepting events and waits for buffered ones to flush.
func (s *BoundedSink) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.buf)
	<-s.done
}

// droppableEvent reports whether an event may be dropped under
// backpressure. Lifecycle events must be delivered for correctness;
// pass-through and accounting events may be shed.
func droppableEvent(t models.EventType) bool {
	switch t {
	case models.EventToolPartialResult,
		models.EventToolStreamingOut,
		models.EventToolProgress,
		models.EventTokenUsage:
		return true
	default:
		return false
	}
}
