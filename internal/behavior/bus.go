package behavior

import (
	"errors"
	"fmt"
	"sync"
)

// Record is published once per node per tick.
type Record struct {
	NodeID  int    `json:"node_id"`
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Status  Status `json:"status"`
	Cycle   uint64 `json:"cycle"`
	Entered bool   `json:"entered,omitempty"`
	Exited  bool   `json:"exited,omitempty"`
}

// Bus fans records out to subscribers. Subscribers run synchronously on the
// tick's call stack, in subscription order, with no queueing. A subscriber
// panic is reported to the publishing tree's ErrorSink.
type Bus struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(Record)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn func(Record)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	subs := make([]subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// publish delivers r to every subscriber. A panicking subscriber does not
// stop delivery or the tick; its panic is returned as a *PanicError.
func (b *Bus) publish(r Record) error {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := deliver(s.fn, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(fn func(Record), r Record) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("subscriber: %w", recovered(v))
		}
	}()
	fn(r)
	return nil
}

// Recorder keeps the latest record of every node it observes.
type Recorder struct {
	mu   sync.RWMutex
	last map[int]Record
}

func NewRecorder() *Recorder {
	return &Recorder{last: make(map[int]Record)}
}

// Observe is suitable as a Bus subscriber.
func (r *Recorder) Observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[rec.NodeID] = rec
}

func (r *Recorder) Get(id int) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.last[id]
	return rec, ok
}

// Last returns a copy of the latest record per node ID.
func (r *Recorder) Last() map[int]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]Record, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}
