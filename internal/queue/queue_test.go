package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
)

// fakeClock lets tests drive eligibility and backoff deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(opts Options) (*Queue, *fakeClock) {
	q := New("test", opts)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	return q, clock
}

func push(q *Queue, id string, prio job.Priority) *job.Record {
	rec := &job.Record{
		ID:       id,
		Provider: "test",
		Kind:     job.KindChat,
		TenantID: "tenant-1",
		Payload:  json.RawMessage(`{"message":"hi"}`),
		Priority: prio,
	}
	q.Push(rec)
	return rec
}

func TestPopOrder_PriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(Options{Concurrency: 10})

	push(q, "low-1", job.PriorityLow)
	push(q, "high-1", job.PriorityHigh)
	push(q, "normal-1", job.PriorityNormal)
	push(q, "high-2", job.PriorityHigh)

	var order []string
	for rec := q.Pop(); rec != nil; rec = q.Pop() {
		order = append(order, rec.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "low-1"}, order)
}

func TestPop_ConcurrencyLimit(t *testing.T) {
	q, _ := newTestQueue(Options{Concurrency: 1})

	push(q, "a", job.PriorityNormal)
	push(q, "b", job.PriorityNormal)

	first := q.Pop()
	require.NotNil(t, first)
	assert.Equal(t, job.StateActive, first.State)

	// One job in flight, limit 1: nothing more comes out.
	assert.Nil(t, q.Pop())

	_, err := q.Ack(first.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	second := q.Pop()
	require.NotNil(t, second)
	assert.Equal(t, "b", second.ID)
}

func TestPop_DelayedNotEligible(t *testing.T) {
	q, clock := newTestQueue(Options{})

	rec := &job.Record{
		ID:       "delayed",
		Provider: "test",
		Kind:     job.KindChat,
		Priority: job.PriorityNormal,
		ReadyAt:  clock.Now().Add(30 * time.Second),
	}
	q.Push(rec)

	assert.Nil(t, q.Pop())

	clock.Advance(29 * time.Second)
	assert.Nil(t, q.Pop())

	clock.Advance(time.Second)
	popped := q.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, "delayed", popped.ID)
}

func TestNack_RetryBoundAndBackoff(t *testing.T) {
	base := 2 * time.Second
	q, clock := newTestQueue(Options{MaxAttempts: 3, BackoffBaseDelay: base})

	push(q, "flaky", job.PriorityNormal)
	cause := errors.New("provider exploded")

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		rec := q.Pop()
		require.NotNil(t, rec, "attempt %d should be poppable", attempt)

		nacked, err := q.Nack(rec.ID, cause)
		require.NoError(t, err)
		assert.Equal(t, attempt, nacked.Attempts)

		if attempt < 3 {
			assert.Equal(t, job.StateWaiting, nacked.State)
			delays = append(delays, nacked.ReadyAt.Sub(clock.Now()))
			clock.Advance(nacked.ReadyAt.Sub(clock.Now()))
		} else {
			assert.Equal(t, job.StateFailed, nacked.State)
			assert.Equal(t, "provider exploded", nacked.FailedReason)
		}
	}

	// delay = base * 2^(attempts-1): strictly doubling.
	require.Equal(t, []time.Duration{base, 2 * base}, delays)

	got, err := q.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)

	// Exhausted jobs never re-enter the ready set.
	assert.Nil(t, q.Pop())
}

func TestRelease_DoesNotConsumeAttempt(t *testing.T) {
	q, clock := newTestQueue(Options{})

	push(q, "limited", job.PriorityNormal)

	for i := 0; i < 5; i++ {
		rec := q.Pop()
		require.NotNil(t, rec)
		require.NoError(t, q.Release(rec.ID, time.Second))
		clock.Advance(time.Second)
	}

	got, err := q.Get("limited")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, job.StateWaiting, got.State)
}

func TestAckNack_TerminalIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(Options{})

	push(q, "done", job.PriorityNormal)
	rec := q.Pop()
	require.NotNil(t, rec)

	acked, err := q.Ack(rec.ID, json.RawMessage(`{"content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, acked.State)
	assert.Equal(t, 1, acked.Attempts)

	// Duplicate ack and a late nack both leave the record untouched.
	again, err := q.Ack(rec.ID, json.RawMessage(`{"content":"other"}`))
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, again.State)
	assert.JSONEq(t, `{"content":"hello"}`, string(again.Result))

	nacked, err := q.Nack(rec.ID, errors.New("too late"))
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, nacked.State)
	assert.Equal(t, 1, nacked.Attempts)
	assert.Empty(t, nacked.FailedReason)

	assert.Nil(t, q.Pop())
}

func TestRetention_EvictsOldestCompleted(t *testing.T) {
	const retain = 20
	q, _ := newTestQueue(Options{RetainCompleted: retain, Concurrency: 1})

	total := retain + 10
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("job-%03d", i)
		push(q, id, job.PriorityNormal)
		rec := q.Pop()
		require.NotNil(t, rec)
		_, err := q.Ack(rec.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	assert.Equal(t, retain, q.Stats().Completed)

	// The oldest 10 are gone; the newest `retain` remain retrievable.
	for i := 0; i < 10; i++ {
		_, err := q.Get(fmt.Sprintf("job-%03d", i))
		assert.ErrorIs(t, err, job.ErrNotFound)
	}
	for i := 10; i < total; i++ {
		_, err := q.Get(fmt.Sprintf("job-%03d", i))
		assert.NoError(t, err)
	}
}

func TestRetention_NeverEvictsWaiting(t *testing.T) {
	q, _ := newTestQueue(Options{RetainFailed: 1, MaxAttempts: 1, Concurrency: 1})

	push(q, "waiting-1", job.PriorityLow)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("doomed-%d", i)
		push(q, id, job.PriorityHigh)
		rec := q.Pop()
		require.NotNil(t, rec)
		require.Equal(t, id, rec.ID)
		_, err := q.Nack(rec.ID, errors.New("boom"))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, q.Stats().Failed)

	got, err := q.Get("waiting-1")
	require.NoError(t, err)
	assert.Equal(t, job.StateWaiting, got.State)
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueue(Options{})

	push(q, "parked", job.PriorityNormal)

	q.Pause()
	assert.Nil(t, q.Pop())
	assert.True(t, q.Paused())

	q.Resume()
	rec := q.Pop()
	require.NotNil(t, rec)
	assert.Equal(t, "parked", rec.ID)
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(Options{MaxAttempts: 1, Concurrency: 2})

	push(q, "f", job.PriorityHigh)
	push(q, "c", job.PriorityHigh)
	push(q, "a", job.PriorityHigh)
	push(q, "w", job.PriorityLow)

	// f fails terminally (MaxAttempts 1), c completes, a stays active,
	// w stays waiting.
	rec := q.Pop()
	require.NotNil(t, rec)
	require.Equal(t, "f", rec.ID)
	_, err := q.Nack(rec.ID, errors.New("boom"))
	require.NoError(t, err)

	rec = q.Pop()
	require.NotNil(t, rec)
	require.Equal(t, "c", rec.ID)
	_, err = q.Ack(rec.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	rec = q.Pop()
	require.NotNil(t, rec)
	require.Equal(t, "a", rec.ID)

	assert.Equal(t, Stats{Waiting: 1, Active: 1, Completed: 1, Failed: 1}, q.Stats())
}
