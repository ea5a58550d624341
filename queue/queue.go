// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package queue implements a transport-agnostic FIFO work queue with
// per-item age and processing timeouts and bounded retry. It has no
// knowledge of AMQP, sessions or links; callers supply a ProcessFunc that
// does the actual work and reports a Result through the CompleteFunc it is
// handed.
package queue

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Result is the terminal outcome of processing a single item.
type Result int

// Outcomes a ProcessFunc may report for an item, and a Queue may itself
// assign when an item ages out or is cancelled.
const (
	Success Result = iota
	Error
	Cancelled
	Timeout
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Error:
		return "Error"
	case Cancelled:
		return "Cancelled"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ErrFull is returned by Enqueue when the queue has a bounded capacity and
// is at it. The default Queue has no bound, so this is only reachable when
// Config.MaxLength is set.
var ErrFull = errors.New("queue: full")

// CompleteFunc is handed to a ProcessFunc; calling it exactly once reports
// the outcome of processing the item it was handed for.
type CompleteFunc func(Result)

// ProcessFunc processes a single item. It must eventually call complete
// exactly once. It must not call Tick synchronously.
type ProcessFunc func(q *Queue, item *Item, complete CompleteFunc)

// Config holds the immutable tunables of a Queue.
type Config struct {
	// MaxRetryCount is the number of times an Error outcome is retried
	// before the item is finally failed. Zero means "try once, never
	// retry".
	MaxRetryCount uint

	// MaxMessageEnqueuedTimeSecs bounds the total time an item may spend
	// in the queue (pending + in-flight) before it is failed with
	// Timeout. Zero disables the check.
	MaxMessageEnqueuedTimeSecs uint

	// MaxMessageProcessingTimeSecs bounds the time a single in-flight
	// attempt may take before it is failed with Timeout. Zero disables
	// the check.
	MaxMessageProcessingTimeSecs uint

	// MaxLength optionally bounds the number of items the queue (pending
	// + in-flight) may hold at once. Zero means unbounded.
	MaxLength uint

	// RateLimiter, if set, caps how often Tick may start a new dispatch.
	// Unset by default; a zero-cost opt-in for callers that need to
	// throttle outbound sends.
	RateLimiter *rate.Limiter

	// OnProcessMessage processes one item at a time (see Tick).
	OnProcessMessage ProcessFunc
}

// Item is a single unit of queued work. The Message and UserContext fields
// are opaque to the queue; it only manages lifecycle.
type Item struct {
	id uint64

	Message     interface{}
	UserContext interface{}

	onDone func(Result)

	enqueuedAt time.Time
	attempts   uint

	inFlight     bool
	dispatchedAt time.Time
}

// Attempts reports how many times this item has been returned to pending
// for a retry after an Error outcome (zero before its first retry).
func (it *Item) Attempts() uint { return it.attempts }

// Queue is a FIFO of Items with per-item TTL, bounded retry and a single
// pluggable processing callback. It is not safe for concurrent use; like
// the rest of this module it is driven from a single cooperative thread via
// Tick.
type Queue struct {
	cfg Config

	pending  []*Item
	inFlight map[uint64]*Item

	nextID uint64

	dispatching bool

	now func() time.Time
}

// New creates a Queue with the given Config. OnProcessMessage must not be
// nil.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:      cfg,
		inFlight: make(map[uint64]*Item),
		now:      time.Now,
	}
}

// SetClock overrides the queue's time source. Intended for tests that need
// to simulate timeouts without sleeping.
func (q *Queue) SetClock(now func() time.Time) {
	if now != nil {
		q.now = now
	}
}

// Enqueue appends a new item to pending. onDone is invoked exactly once,
// from within a future Tick (or from DestroyAll), with the terminal Result.
func (q *Queue) Enqueue(msg interface{}, onDone func(Result), ctx interface{}) error {
	if q.cfg.MaxLength > 0 && uint(len(q.pending)+len(q.inFlight)) >= q.cfg.MaxLength {
		return ErrFull
	}
	q.nextID++
	q.pending = append(q.pending, &Item{
		id:          q.nextID,
		Message:     msg,
		UserContext: ctx,
		onDone:      onDone,
		enqueuedAt:  q.now(),
	})
	return nil
}

// IsEmpty reports whether both the pending and in-flight lists are empty.
func (q *Queue) IsEmpty() bool {
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

// Len reports the total number of items the queue is holding, pending or
// in-flight.
func (q *Queue) Len() int {
	return len(q.pending) + len(q.inFlight)
}

// SetMaxEnqueuedTime changes the enqueued-time timeout at runtime.
func (q *Queue) SetMaxEnqueuedTime(secs uint) {
	q.cfg.MaxMessageEnqueuedTimeSecs = secs
}

// Options is the opaque, round-trippable set of tunables RetrieveOptions
// returns and RestoreOptions accepts.
type Options struct {
	MaxRetryCount                uint
	MaxMessageEnqueuedTimeSecs   uint
	MaxMessageProcessingTimeSecs uint
}

// RetrieveOptions snapshots the queue's current tunables.
func (q *Queue) RetrieveOptions() Options {
	return Options{
		MaxRetryCount:                q.cfg.MaxRetryCount,
		MaxMessageEnqueuedTimeSecs:   q.cfg.MaxMessageEnqueuedTimeSecs,
		MaxMessageProcessingTimeSecs: q.cfg.MaxMessageProcessingTimeSecs,
	}
}

// RestoreOptions applies a previously retrieved set of tunables.
func (q *Queue) RestoreOptions(o Options) {
	q.cfg.MaxRetryCount = o.MaxRetryCount
	q.cfg.MaxMessageEnqueuedTimeSecs = o.MaxMessageEnqueuedTimeSecs
	q.cfg.MaxMessageProcessingTimeSecs = o.MaxMessageProcessingTimeSecs
}

// MoveAllInFlightBackToPending cancels every in-flight item and returns it
// to the head of pending, preserving the original FIFO order. Used on
// stop.
func (q *Queue) MoveAllInFlightBackToPending() {
	if len(q.inFlight) == 0 {
		return
	}
	moved := make([]*Item, 0, len(q.inFlight))
	for _, it := range q.pendingInFlightOrder() {
		it.inFlight = false
		moved = append(moved, it)
	}
	q.inFlight = make(map[uint64]*Item)
	q.pending = append(moved, q.pending...)
	q.dispatching = false
}

// pendingInFlightOrder returns the current in-flight items ordered by
// original enqueue id, oldest first.
func (q *Queue) pendingInFlightOrder() []*Item {
	out := make([]*Item, 0, len(q.inFlight))
	for _, it := range q.inFlight {
		out = append(out, it)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].id > out[j].id; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// DestroyAll cancels every pending and in-flight item, invoking its onDone
// with Cancelled. Used by a hard teardown.
func (q *Queue) DestroyAll() {
	for _, it := range q.pending {
		q.finish(it, Cancelled)
	}
	q.pending = nil
	for _, it := range q.pendingInFlightOrder() {
		q.finish(it, Cancelled)
	}
	q.inFlight = make(map[uint64]*Item)
	q.dispatching = false
}

// Tick drives one cooperative step: it dispatches the next pending item (if
// none is currently in flight), and scans both lists for items that have
// aged out or exceeded their processing time.
func (q *Queue) Tick() {
	q.expirePending()
	q.expireInFlight()

	if !q.dispatching && len(q.pending) > 0 && q.cfg.OnProcessMessage != nil && q.rateAllows() {
		it := q.pending[0]
		q.pending = q.pending[1:]
		it.inFlight = true
		it.dispatchedAt = q.now()
		q.inFlight[it.id] = it
		q.dispatching = true

		complete := func(r Result) {
			q.onComplete(it, r)
		}
		q.cfg.OnProcessMessage(q, it, complete)
	}
}

func (q *Queue) rateAllows() bool {
	if q.cfg.RateLimiter == nil {
		return true
	}
	return q.cfg.RateLimiter.Allow()
}

func (q *Queue) expirePending() {
	if q.cfg.MaxMessageEnqueuedTimeSecs == 0 || len(q.pending) == 0 {
		return
	}
	max := time.Duration(q.cfg.MaxMessageEnqueuedTimeSecs) * time.Second
	now := q.now()
	kept := q.pending[:0]
	for _, it := range q.pending {
		if now.Sub(it.enqueuedAt) >= max {
			q.finish(it, Timeout)
			continue
		}
		kept = append(kept, it)
	}
	q.pending = kept
}

func (q *Queue) expireInFlight() {
	now := q.now()
	var enqueuedMax, processingMax time.Duration
	if q.cfg.MaxMessageEnqueuedTimeSecs > 0 {
		enqueuedMax = time.Duration(q.cfg.MaxMessageEnqueuedTimeSecs) * time.Second
	}
	if q.cfg.MaxMessageProcessingTimeSecs > 0 {
		processingMax = time.Duration(q.cfg.MaxMessageProcessingTimeSecs) * time.Second
	}
	if enqueuedMax == 0 && processingMax == 0 {
		return
	}
	for id, it := range q.inFlight {
		timedOut := (enqueuedMax > 0 && now.Sub(it.enqueuedAt) >= enqueuedMax) ||
			(processingMax > 0 && now.Sub(it.dispatchedAt) >= processingMax)
		if !timedOut {
			continue
		}
		delete(q.inFlight, id)
		q.dispatching = false
		q.finish(it, Timeout)
	}
}

// onComplete is the completion path behind the CompleteFunc handed to the
// ProcessFunc. Tick's timeout scans finish items directly instead, and a
// completion that arrives for such an item afterwards is ignored here.
func (q *Queue) onComplete(it *Item, r Result) {
	if _, ok := q.inFlight[it.id]; !ok {
		// Already completed (e.g. timed out), so a late completion callback
		// must be ignored rather than invoked twice.
		return
	}
	delete(q.inFlight, it.id)
	q.dispatching = false

	if r == Error && it.attempts < q.cfg.MaxRetryCount {
		it.attempts++
		it.inFlight = false
		q.pending = append([]*Item{it}, q.pending...)
		return
	}

	q.finish(it, r)
}

func (q *Queue) finish(it *Item, r Result) {
	if it.onDone != nil {
		it.onDone(r)
	}
}
