// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package queue

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// succeedImmediately is a ProcessFunc that always reports Success on the
// tick it is dispatched.
func succeedImmediately(q *Queue, it *Item, complete CompleteFunc) {
	complete(Success)
}

func TestQueue(t *testing.T) {
	Convey("Given a new Queue with no retry and no timeouts", t, func() {
		q := New(Config{OnProcessMessage: succeedImmediately})

		Convey("It starts empty", func() {
			So(q.IsEmpty(), ShouldBeTrue)
		})

		Convey("When enqueuing a message", func() {
			var got Result
			err := q.Enqueue("hello", func(r Result) { got = r }, nil)
			So(err, ShouldBeNil)
			So(q.IsEmpty(), ShouldBeFalse)

			Convey("Ticking dispatches and completes it", func() {
				q.Tick()
				So(got, ShouldEqual, Success)
				So(q.IsEmpty(), ShouldBeTrue)
			})
		})
	})

	Convey("Given a Queue whose processor fails twice then succeeds, with MaxRetryCount=2", t, func() {
		attempt := 0
		proc := func(q *Queue, it *Item, complete CompleteFunc) {
			attempt++
			if attempt <= 2 {
				complete(Error)
				return
			}
			complete(Success)
		}
		q := New(Config{MaxRetryCount: 2, OnProcessMessage: proc})

		var results []Result
		err := q.Enqueue("msg", func(r Result) { results = append(results, r) }, nil)
		So(err, ShouldBeNil)

		Convey("Three ticks retry twice and then succeed, with exactly one completion", func() {
			q.Tick()
			q.Tick()
			q.Tick()
			So(results, ShouldResemble, []Result{Success})
			So(attempt, ShouldEqual, 3)
		})
	})

	Convey("Given MaxRetryCount=0 (boundary)", t, func() {
		proc := func(q *Queue, it *Item, complete CompleteFunc) {
			complete(Error)
		}
		q := New(Config{MaxRetryCount: 0, OnProcessMessage: proc})

		var results []Result
		q.Enqueue("msg", func(r Result) { results = append(results, r) }, nil)

		Convey("The first Error outcome terminates the item", func() {
			q.Tick()
			So(results, ShouldResemble, []Result{Error})
		})
	})

	Convey("Given a Queue with MaxMessageEnqueuedTimeSecs set", t, func() {
		now := time.Unix(0, 0)
		q := New(Config{MaxMessageEnqueuedTimeSecs: 10, OnProcessMessage: func(q *Queue, it *Item, complete CompleteFunc) {}})
		q.SetClock(func() time.Time { return now })

		var results []Result
		q.Enqueue("msg", func(r Result) { results = append(results, r) }, nil)

		Convey("Pending items age out with Timeout once the limit elapses", func() {
			now = now.Add(11 * time.Second)
			q.Tick()
			So(results, ShouldResemble, []Result{Timeout})
		})

		Convey("Zero disables the check entirely", func() {
			q.SetMaxEnqueuedTime(0)
			now = now.Add(1000 * time.Hour)
			q.Tick()
			So(results, ShouldBeEmpty)
		})
	})

	Convey("Given a Queue with MaxMessageProcessingTimeSecs set and a processor that never completes", t, func() {
		now := time.Unix(0, 0)
		q := New(Config{MaxMessageProcessingTimeSecs: 5, OnProcessMessage: func(q *Queue, it *Item, complete CompleteFunc) {}})
		q.SetClock(func() time.Time { return now })

		var results []Result
		q.Enqueue("msg", func(r Result) { results = append(results, r) }, nil)
		q.Tick() // dispatch, now in flight

		Convey("The in-flight item times out once the processing limit elapses", func() {
			now = now.Add(6 * time.Second)
			q.Tick()
			So(results, ShouldResemble, []Result{Timeout})
		})
	})

	Convey("Given three enqueued items, one dispatched in flight", t, func() {
		// A processor that never completes synchronously lets us inspect
		// in-flight state between ticks.
		var dispatched []interface{}
		q := New(Config{OnProcessMessage: func(q *Queue, it *Item, complete CompleteFunc) {
			dispatched = append(dispatched, it.Message)
		}})

		var order []string
		for _, name := range []string{"a", "b", "c"} {
			name := name
			q.Enqueue(name, func(r Result) { order = append(order, name) }, nil)
		}
		q.Tick() // dispatches "a"

		Convey("Moving in-flight back to pending preserves FIFO order and fires no callbacks", func() {
			q.MoveAllInFlightBackToPending()
			So(order, ShouldBeEmpty)
			So(q.Len(), ShouldEqual, 3)

			Convey("And the next dispatch redispatches the same item first", func() {
				q.Tick()
				So(dispatched, ShouldResemble, []interface{}{"a", "a"})
				So(q.Len(), ShouldEqual, 3) // still in flight, none completed
			})
		})
	})

	Convey("Given a Queue with pending and in-flight items", t, func() {
		q := New(Config{OnProcessMessage: func(q *Queue, it *Item, complete CompleteFunc) {}})

		var results []Result
		q.Enqueue("a", func(r Result) { results = append(results, r) }, nil)
		q.Enqueue("b", func(r Result) { results = append(results, r) }, nil)
		q.Tick() // dispatches "a"

		Convey("DestroyAll cancels everything exactly once", func() {
			q.DestroyAll()
			So(results, ShouldResemble, []Result{Cancelled, Cancelled})
			So(q.IsEmpty(), ShouldBeTrue)
		})
	})

	Convey("Given a fresh Queue and an Options blob retrieved from another", t, func() {
		src := New(Config{MaxRetryCount: 3, MaxMessageEnqueuedTimeSecs: 42, MaxMessageProcessingTimeSecs: 7})
		opts := src.RetrieveOptions()

		dst := New(Config{OnProcessMessage: succeedImmediately})
		dst.RestoreOptions(opts)

		Convey("The round trip reproduces the original tunables", func() {
			So(dst.RetrieveOptions(), ShouldResemble, opts)
		})
	})
}
