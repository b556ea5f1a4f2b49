package orchestrator

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/lucasnoah/atp/internal/metrics"
)

type subscriber struct {
	id      uint64
	fn      func(Snapshot)
	removed atomic.Bool
}

// broadcast is a snapshot waiting to be delivered once o.mu is released.
type broadcast struct {
	snap Snapshot
	subs []*subscriber
}

// Subscribe registers fn for every state change. The current snapshot is
// delivered before Subscribe returns. Later snapshots are delivered on the
// goroutine that made the change, in registration order; a snapshot that
// a newer one has already superseded is dropped. A panicking subscriber is
// logged and skipped. fn may read orchestrator state but must not change
// it or subscribe again. The returned function unsubscribes and may be
// called more than once.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o.broadcastMu.Lock()
	defer o.broadcastMu.Unlock()

	o.mu.Lock()
	o.nextSubID++
	sub := &subscriber{id: o.nextSubID, fn: fn}
	o.subs = append(o.subs, sub)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.deliver(sub, snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.removed.Store(true)
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s == sub {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// broadcastLocked stages the current snapshot for subscribers. The caller
// must hold o.mu and release it with unlock, which performs the delivery.
func (o *Orchestrator) broadcastLocked() {
	o.seq++
	o.pending = &broadcast{
		snap: o.snapshotLocked(),
		subs: slices.Clone(o.subs),
	}
}

// unlock releases o.mu and delivers any staged snapshot.
func (o *Orchestrator) unlock() {
	b := o.pending
	o.pending = nil
	o.mu.Unlock()
	if b != nil {
		o.publish(b)
	}
}

func (o *Orchestrator) publish(b *broadcast) {
	o.broadcastMu.Lock()
	defer o.broadcastMu.Unlock()
	if b.snap.Seq <= o.deliveredSeq {
		return
	}
	o.deliveredSeq = b.snap.Seq
	for _, s := range b.subs {
		o.deliver(s, b.snap)
	}
}

func (o *Orchestrator) deliver(s *subscriber, snap Snapshot) {
	if s.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberPanics.Inc()
			o.logger.Error("subscriber panicked",
				slog.Uint64("subscriber", s.id),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	s.fn(snap)
}

// jobQueue runs functions one at a time, in push order, on its own
// goroutine. Pushing never blocks. It carries archive writes.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newJobQueue() *jobQueue {
	q := &jobQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
}

func (q *jobQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// close drains pending jobs and waits for the goroutine to exit.
func (q *jobQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
