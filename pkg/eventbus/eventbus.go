// Package eventbus implements the per-execution EventBus (spec §4.9): a
// totally ordered, append-only log with bounded, oldest-dropped fan-out to
// subscribers so a slow consumer never stalls the scheduler.
package eventbus

import (
	"sync"
	"time"
)

// Kind enumerates the typed event records produced by the kernel (spec
// §4.9).
type Kind string

const (
	KindExecutionStarted   Kind = "execution_started"
	KindExecutionPaused    Kind = "execution_paused"
	KindExecutionResumed   Kind = "execution_resumed"
	KindExecutionCancelled Kind = "execution_cancelled"
	KindExecutionCompleted Kind = "execution_completed"
	KindExecutionFailed    Kind = "execution_failed"
	KindPhaseEntered       Kind = "phase_entered"
	KindPhaseExited        Kind = "phase_exited"
	KindPhaseRework        Kind = "phase_rework"
	KindNodeReady          Kind = "node_ready"
	KindNodeStarted        Kind = "node_started"
	KindNodeCompleted      Kind = "node_completed"
	KindNodeFailed         Kind = "node_failed"
	KindNodeReused         Kind = "node_reused"
	KindGatePass           Kind = "gate_pass"
	KindGateFail           Kind = "gate_fail"
	KindBypassRecorded     Kind = "bypass_recorded"
)

// Event is one entry in an execution's ordered log.
type Event struct {
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	Kind        Kind      `json:"kind"`
	Payload     any       `json:"payload,omitempty"`
}

// subscriberCapacity bounds each subscriber's channel (spec §4.9
// backpressure: "bounded queue per subscriber").
const subscriberCapacity = 256

type subscriber struct {
	ch      chan Event
	dropped uint64
	mu      sync.Mutex
	closed  bool
}

// Bus is a single execution's event log plus its live subscribers. The
// kernel constructs one Bus per execution; cross-execution ordering is
// explicitly unspecified (spec §5).
type Bus struct {
	executionID string

	mu       sync.Mutex
	sequence uint64
	log      []Event
	subs     map[int]*subscriber
	nextSub  int
}

// New creates a Bus for one execution.
func New(executionID string) *Bus {
	return &Bus{executionID: executionID, subs: make(map[int]*subscriber)}
}

// Publish appends event to the ordered log (assigning it the next sequence
// number) and fans it out to every live subscriber. It never blocks on a
// slow subscriber: a full subscriber channel silently drops its oldest
// buffered event to make room (spec §4.9, §5 "subscribers receive via
// their own bounded channels").
func (b *Bus) Publish(kind Kind, payload any) Event {
	b.mu.Lock()
	b.sequence++
	ev := Event{
		Sequence:    b.sequence,
		Timestamp:   time.Now(),
		ExecutionID: b.executionID,
		Kind:        kind,
		Payload:     payload,
	}
	b.log = append(b.log, ev)
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
	return ev
}

func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Channel full: drop the oldest buffered event to make room, tracking
	// how many events this subscriber has lost.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

// Subscription is a live fan-out handle. Events returns the channel to
// range over; Dropped reports how many events this subscriber has lost to
// backpressure; Unsubscribe stops delivery and closes Events.
type Subscription struct {
	id     int
	bus    *Bus
	sub    *subscriber
}

func (s *Subscription) Events() <-chan Event { return s.sub.ch }

func (s *Subscription) Dropped() uint64 {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.dropped
}

func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	if !s.sub.closed {
		s.sub.closed = true
		close(s.sub.ch)
	}
}

// Subscribe registers a new fan-out consumer.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	sub := &subscriber{ch: make(chan Event, subscriberCapacity)}
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, sub: sub}
}

// Since returns every logged event with sequence > cursor, used to replay
// events newer than the last checkpoint (spec §3 Checkpoint invariant:
// "reloading the most recent valid checkpoint + replaying newer events
// reproduces current logical state").
func (b *Bus) Since(cursor uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.log))
	for _, ev := range b.log {
		if ev.Sequence > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// Cursor returns the current sequence number, suitable for embedding in a
// checkpoint snapshot.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}
