// Package queue implements the per-provider job queue: a record arena
// with a priority-ordered ready set, a time-ordered delayed set, a
// concurrency gate for active jobs, and bounded retention of terminal
// records.
package queue

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
)

type Options struct {
	MaxAttempts      int           // default 3
	BackoffBaseDelay time.Duration // default 2s
	RetainCompleted  int           // default 100
	RetainFailed     int           // default 50
	Concurrency      int           // max in-flight jobs, default 1
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBaseDelay <= 0 {
		o.BackoffBaseDelay = 2 * time.Second
	}
	if o.RetainCompleted <= 0 {
		o.RetainCompleted = 100
	}
	if o.RetainFailed <= 0 {
		o.RetainFailed = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// entry wraps a record for heap membership. seq is assigned once at
// push time so FIFO tie-breaking survives delayed->ready promotion and
// retry re-queues.
type entry struct {
	rec   *job.Record
	seq   uint64
	index int
}

type Queue struct {
	name string
	opts Options

	mu        sync.Mutex
	jobs      map[string]*job.Record
	ready     readyHeap   // waiting, eligible now
	delayed   delayedHeap // waiting, ReadyAt in the future
	active    int
	paused    bool
	seq       uint64
	completed []string // terminal ids, oldest first
	failed    []string

	now func() time.Time
}

func New(name string, opts Options) *Queue {
	return &Queue{
		name: name,
		opts: opts.withDefaults(),
		jobs: make(map[string]*job.Record),
		now:  time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Options() Options { return q.opts }

// Push takes ownership of rec. State and attempt bookkeeping are reset;
// a future ReadyAt (enqueue delay) is respected.
func (q *Queue) Push(rec *job.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec.State = job.StateWaiting
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = q.opts.MaxAttempts
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}
	q.jobs[rec.ID] = rec

	q.seq++
	q.insertLocked(&entry{rec: rec, seq: q.seq})
}

func (q *Queue) insertLocked(e *entry) {
	if e.rec.ReadyAt.After(q.now()) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
}

// promoteLocked moves delayed entries whose ReadyAt has passed into the
// ready heap.
func (q *Queue) promoteLocked() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].rec.ReadyAt.After(now) {
		e := heap.Pop(&q.delayed).(*entry)
		heap.Push(&q.ready, e)
	}
}

// Pop returns the highest-priority eligible job, marked active, or nil
// when the queue is paused, at its concurrency limit, or has nothing
// eligible. Callers receive a snapshot; all mutation goes through Ack,
// Nack and Release.
func (q *Queue) Pop() *job.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.active >= q.opts.Concurrency {
		return nil
	}
	q.promoteLocked()
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		// Stale entries remain when a waiting job was failed or acked
		// out of band; drop them instead of resurrecting the record.
		if e.rec.State != job.StateWaiting {
			continue
		}
		e.rec.State = job.StateActive
		q.active++
		return snapshot(e.rec)
	}
	return nil
}

// Ack records a successful handler invocation. Terminal records are
// left untouched so duplicate acks cannot resurrect or mutate them.
func (q *Queue) Ack(id string, result json.RawMessage) (*job.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if rec.State.Terminal() {
		return snapshot(rec), nil
	}

	q.finishActiveLocked(rec)
	rec.Attempts++
	rec.State = job.StateCompleted
	rec.Result = result
	rec.FailedReason = ""
	rec.ProcessedAt = q.now()
	q.completed = append(q.completed, id)
	q.evictLocked(&q.completed, q.opts.RetainCompleted)
	return snapshot(rec), nil
}

// Nack records a failed handler invocation. The job goes back to
// waiting after an exponential backoff delay until its attempt budget
// is spent, then fails terminally.
func (q *Queue) Nack(id string, cause error) (*job.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if rec.State.Terminal() {
		return snapshot(rec), nil
	}

	q.finishActiveLocked(rec)
	rec.Attempts++

	if rec.Attempts >= rec.MaxAttempts {
		rec.State = job.StateFailed
		rec.FailedReason = cause.Error()
		rec.Result = nil
		rec.ProcessedAt = q.now()
		q.failed = append(q.failed, id)
		q.evictLocked(&q.failed, q.opts.RetainFailed)
		return snapshot(rec), nil
	}

	// delay = base * 2^(attempts-1)
	backoff := q.opts.BackoffBaseDelay << (rec.Attempts - 1)
	rec.State = job.StateWaiting
	rec.ReadyAt = q.now().Add(backoff)
	q.seq++
	q.insertLocked(&entry{rec: rec, seq: q.seq})
	return snapshot(rec), nil
}

// Fail marks a job terminally failed regardless of its remaining
// attempt budget. Used for non-retryable defects such as an unknown job
// kind or an undecodable payload.
func (q *Queue) Fail(id string, cause error) (*job.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if rec.State.Terminal() {
		return snapshot(rec), nil
	}

	q.finishActiveLocked(rec)
	rec.State = job.StateFailed
	rec.FailedReason = cause.Error()
	rec.Result = nil
	rec.ProcessedAt = q.now()
	q.failed = append(q.failed, id)
	q.evictLocked(&q.failed, q.opts.RetainFailed)
	return snapshot(rec), nil
}

// Release returns an active job to waiting without consuming an
// attempt. Used when no handler invocation happened: rate-limit denial,
// open circuit breaker, or an infrastructure outage.
func (q *Queue) Release(id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if rec.State != job.StateActive {
		return nil
	}

	q.active--
	rec.State = job.StateWaiting
	rec.ReadyAt = q.now().Add(delay)
	q.seq++
	q.insertLocked(&entry{rec: rec, seq: q.seq})
	return nil
}

func (q *Queue) finishActiveLocked(rec *job.Record) {
	if rec.State == job.StateActive {
		q.active--
	}
}

// evictLocked drops the oldest terminal records past the retention cap.
// Waiting and active records are never evicted.
func (q *Queue) evictLocked(ids *[]string, limit int) {
	for len(*ids) > limit {
		delete(q.jobs, (*ids)[0])
		*ids = (*ids)[1:]
	}
}

func (q *Queue) Get(id string) (*job.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return snapshot(rec), nil
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Waiting:   q.ready.Len() + q.delayed.Len(),
		Active:    q.active,
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func snapshot(rec *job.Record) *job.Record {
	cp := *rec
	return &cp
}

// readyHeap orders by priority rank, then push sequence (FIFO within a
// priority).
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	ri, rj := h[i].rec.Priority.Rank(), h[j].rec.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayedHeap orders by ReadyAt, then push sequence.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	ti, tj := h[i].rec.ReadyAt, h[j].rec.ReadyAt
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
