// SPDX-License-Identifier: MIT

// Package scheduler provides the in-process priority queue every plugin
// runtime drains. It owns no durable state and no knowledge of job content;
// entries are (priority, sequence, id) triples ordered by priority first and
// enqueue order second.
package scheduler

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sonantica/workers/internal/jobs"
)

var queueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sonantica",
		Name:      "scheduler_queue_depth",
		Help:      "Current number of queued job ids",
	},
	[]string{"plugin", "priority"},
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("scheduler closed")

type entry struct {
	priority jobs.Priority
	seq      uint64
	id       string
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap keyed by (priority, enqueue sequence). Enqueue
// never blocks; Dequeue blocks until an entry is available or the scheduler
// is closed.
type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   entryHeap
	seq    uint64
	closed bool
	plugin string
}

// New creates an empty scheduler for the named plugin.
func New(plugin string) *Scheduler {
	s := &Scheduler{plugin: plugin}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds a job id with the given priority. FIFO order within a
// priority class is guaranteed by a monotonic sequence assigned here.
func (s *Scheduler) Enqueue(priority jobs.Priority, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	heap.Push(&s.heap, entry{priority: priority, seq: s.seq, id: id})
	queueDepth.WithLabelValues(s.plugin, priority.String()).Inc()
	s.cond.Signal()
	return nil
}

// Dequeue removes and returns the id with the lowest (priority, sequence).
// It blocks while the queue is empty and returns ErrClosed once Close has
// been called and the queue is drained of waiters.
func (s *Scheduler) Dequeue() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.heap) == 0 {
		if s.closed {
			return "", ErrClosed
		}
		s.cond.Wait()
	}
	e := heap.Pop(&s.heap).(entry)
	queueDepth.WithLabelValues(s.plugin, e.priority.String()).Dec()
	return e.id, nil
}

// TryDequeue is the non-blocking variant, for tests and draining.
func (s *Scheduler) TryDequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return "", false
	}
	e := heap.Pop(&s.heap).(entry)
	queueDepth.WithLabelValues(s.plugin, e.priority.String()).Dec()
	return e.id, true
}

// Len returns the number of queued entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Close wakes all blocked Dequeue callers. Entries still queued are
// abandoned; durable state lives in the job store, so recovery re-enqueues
// them on the next start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}
