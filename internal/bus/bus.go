// Package bus holds the latest published result batch per pipeline kind.
//
// Publishing never blocks and never queues: each kind keeps exactly one
// batch, and a newer batch replaces it. Presentation consumers either read
// snapshots on their own schedule or subscribe to a latest-wins receiver
// that wakes them when something new is published.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dudu/visioncap/internal/pipeline"
)

var (
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus: closed")

	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("bus: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("bus: subscriber id not found")

	// ErrReceiverClosed is returned by Receive after the subscription ends.
	ErrReceiverClosed = errors.New("bus: receiver closed")
)

// Stats contains global and per-subscriber metrics.
type Stats struct {
	Published   uint64                     `json:"published"`
	PerKind     map[pipeline.Kind]uint64   `json:"perKind"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	// Delivered counts batches handed out by Receive or TryReceive.
	Delivered uint64 `json:"delivered"`

	// Overwritten counts batches replaced before the subscriber read them.
	Overwritten uint64 `json:"overwritten"`
}

// Bus stores the latest ResultBatch per kind.
type Bus struct {
	mu          sync.RWMutex
	latest      map[pipeline.Kind]pipeline.ResultBatch
	perKind     map[pipeline.Kind]uint64
	subscribers map[string]*Receiver
	closed      bool

	published atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		latest:      make(map[pipeline.Kind]pipeline.ResultBatch),
		perKind:     make(map[pipeline.Kind]uint64),
		subscribers: make(map[string]*Receiver),
	}
}

// Publish replaces the stored batch for batch.Kind and notifies
// subscribers. The batch is copied, so later changes by the publisher are
// not observed. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(batch pipeline.ResultBatch) {
	stored := batch.Clone()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.latest[stored.Kind] = stored
	b.perKind[stored.Kind]++
	subs := make([]*Receiver, 0, len(b.subscribers))
	for _, r := range b.subscribers {
		subs = append(subs, r)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, r := range subs {
		r.set(stored)
	}
}

// Latest returns the stored batch for kind.
func (b *Bus) Latest(kind pipeline.Kind) (pipeline.ResultBatch, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	batch, ok := b.latest[kind]
	if !ok {
		return pipeline.ResultBatch{}, false
	}
	return batch.Clone(), true
}

// Snapshot returns every stored batch, taken atomically with respect to
// Publish.
func (b *Bus) Snapshot() map[pipeline.Kind]pipeline.ResultBatch {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[pipeline.Kind]pipeline.ResultBatch, len(b.latest))
	for k, batch := range b.latest {
		out[k] = batch.Clone()
	}
	return out
}

// Subscribe registers a latest-wins receiver under id.
func (b *Bus) Subscribe(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	r := newReceiver(id)
	b.subscribers[id] = r
	return r, nil
}

// Unsubscribe removes a subscriber and closes its receiver.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	r, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	r.close()
	delete(b.subscribers, id)
	return nil
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Published:   b.published.Load(),
		PerKind:     make(map[pipeline.Kind]uint64, len(b.perKind)),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for k, n := range b.perKind {
		s.PerKind[k] = n
	}
	for id, r := range b.subscribers {
		s.Subscribers[id] = r.stats()
	}
	return s
}

// Close shuts down the bus and all receivers. Stored batches stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, r := range b.subscribers {
		r.close()
	}
	b.subscribers = nil
}

// Receiver holds the most recent batch published since the last read.
// A single consumer goroutine should read from it.
type Receiver struct {
	id string

	mu     sync.Mutex
	batch  *pipeline.ResultBatch
	closed bool
	notify chan struct{}

	delivered   atomic.Uint64
	overwritten atomic.Uint64
}

func newReceiver(id string) *Receiver {
	return &Receiver{
		id:     id,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the subscriber id.
func (r *Receiver) ID() string {
	return r.id
}

func (r *Receiver) set(batch pipeline.ResultBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.batch != nil {
		r.overwritten.Add(1)
	}
	r.batch = &batch

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a batch is available, ctx is done, or the
// subscription ends.
func (r *Receiver) Receive(ctx context.Context) (pipeline.ResultBatch, error) {
	for {
		if batch, ok, err := r.take(); ok || err != nil {
			return batch, err
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return pipeline.ResultBatch{}, ctx.Err()
		}
	}
}

// TryReceive returns the pending batch without blocking.
func (r *Receiver) TryReceive() (pipeline.ResultBatch, bool) {
	batch, ok, _ := r.take()
	return batch, ok
}

func (r *Receiver) take() (pipeline.ResultBatch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.batch != nil {
		batch := *r.batch
		r.batch = nil
		r.delivered.Add(1)
		return batch, true, nil
	}
	if r.closed {
		return pipeline.ResultBatch{}, false, ErrReceiverClosed
	}
	return pipeline.ResultBatch{}, false, nil
}

func (r *Receiver) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.notify)
}

func (r *Receiver) stats() SubscriberStats {
	return SubscriberStats{
		Delivered:   r.delivered.Load(),
		Overwritten: r.overwritten.Load(),
	}
}
