// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messenger

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enjoygeek/iothub-amqp-messenger/transport"
	"github.com/enjoygeek/iothub-amqp-messenger/transport/simulated"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceID = "dev1"
	cfg.HostFQDN = "h.example"
	cfg.SendSuffix = "messages/events"
	cfg.ReceiveSuffix = "messages/devicebound"
	return cfg
}

func TestHappyPathSend(t *testing.T) {
	Convey("Given a started messenger whose sender reaches Open", t, func() {
		m, err := Create(testConfig())
		So(err, ShouldBeNil)

		session := simulated.New()
		So(m.Start(session), ShouldBeNil)

		m.Tick() // creates the sender link
		snd := session.LastSender()
		So(snd, ShouldNotBeNil)
		snd.SetState(transport.Open)
		m.Tick()

		So(m.State(), ShouldEqual, Started)

		Convey("When sending a message that the sender reports Ok", func() {
			var got Result
			err := m.SendAsync([]byte("hello"), nil, nil, func(r Result) { got = r }, nil)
			So(err, ShouldBeNil)

			m.Tick()

			So(got, ShouldEqual, SendOk)
			So(m.GetSendStatus(), ShouldEqual, Idle)
		})
	})
}

func TestRetryThenSuccess(t *testing.T) {
	Convey("Given a started messenger with MaxRetryCount=2", t, func() {
		cfg := testConfig()
		cfg.MaxRetryCount = 2
		m, err := Create(cfg)
		So(err, ShouldBeNil)

		session := simulated.New()
		m.Start(session)
		m.Tick()
		snd := session.LastSender()
		snd.SetState(transport.Open)
		m.Tick()

		snd.NextSendResult = []transport.SendResult{transport.SendFailed, transport.SendFailed}

		Convey("Two failures followed by a success yield exactly one SendOk", func() {
			var results []Result
			m.SendAsync([]byte("x"), nil, nil, func(r Result) { results = append(results, r) }, nil)

			m.Tick() // attempt 1: fails
			m.Tick() // attempt 2: fails
			m.Tick() // attempt 3: succeeds

			So(results, ShouldResemble, []Result{SendOk})
			So(len(snd.Sent), ShouldEqual, 3)
		})
	})
}

func TestFatalSendErrors(t *testing.T) {
	Convey("Given a started messenger with MaxSendErrorCount=3", t, func() {
		cfg := testConfig()
		cfg.MaxSendErrorCount = 3
		m, err := Create(cfg)
		So(err, ShouldBeNil)

		session := simulated.New()
		m.Start(session)
		m.Tick()
		snd := session.LastSender()
		snd.SetState(transport.Open)
		m.Tick()

		for i := 0; i < 10; i++ {
			snd.NextSendResult = append(snd.NextSendResult, transport.SendFailed)
		}

		Convey("Five queued messages that all fail transition to Error on the 3rd consecutive failure", func() {
			var results []Result
			for i := 0; i < 5; i++ {
				m.SendAsync([]byte("x"), nil, nil, func(r Result) { results = append(results, r) }, nil)
			}

			// One message is dispatched (and fails) per tick, so the
			// transition to Error happens on the tick that completes the
			// 3rd consecutive failure; once the state machine is no longer
			// Started it stops feeding the queue, so the remaining two
			// messages are never dispatched.
			for i := 0; i < 5 && m.State() == Started; i++ {
				m.Tick()
			}

			So(m.State(), ShouldEqual, Error)
			So(results, ShouldResemble, []Result{FailSending, FailSending, FailSending})
			So(m.GetSendStatus(), ShouldEqual, Busy)
		})
	})
}

func TestStopWithInFlight(t *testing.T) {
	Convey("Given a started messenger with three queued messages", t, func() {
		m, err := Create(testConfig())
		So(err, ShouldBeNil)

		session := simulated.New()
		m.Start(session)
		m.Tick()
		snd := session.LastSender()
		snd.SetState(transport.Open)
		m.Tick()
		snd.HoldCompletions = true

		var fired []Result
		m.SendAsync([]byte("1"), nil, nil, func(r Result) { fired = append(fired, r) }, nil)
		m.SendAsync([]byte("2"), nil, nil, func(r Result) { fired = append(fired, r) }, nil)
		m.SendAsync([]byte("3"), nil, nil, func(r Result) { fired = append(fired, r) }, nil)

		Convey("Stopping while the first item is genuinely in flight reaches Stopped with no completions fired", func() {
			m.Tick() // dispatches message "1"; its Send callback is held, so it is still in flight
			So(len(snd.Sent), ShouldEqual, 1)

			So(m.Stop(), ShouldBeNil)
			So(m.State(), ShouldEqual, Stopped)
			So(fired, ShouldBeEmpty)

			Convey("A subsequent Start dispatches all three items in original order", func() {
				session2 := simulated.New()
				So(m.Start(session2), ShouldBeNil)
				m.Tick()
				snd2 := session2.LastSender()
				snd2.SetState(transport.Open)
				m.Tick()
				for i := 0; i < 5 && !m.queue.IsEmpty(); i++ {
					m.Tick()
				}
				So(m.queue.IsEmpty(), ShouldBeTrue)
				So(len(snd2.Sent), ShouldEqual, 3)
				var order []string
				for _, msg := range snd2.Sent {
					order = append(order, string(msg.Data))
				}
				So(order, ShouldResemble, []string{"1", "2", "3"})
			})
		})
	})
}

func TestReceiveWithDeferredDisposition(t *testing.T) {
	Convey("Given a subscribed, started messenger with an open receiver", t, func() {
		m, err := Create(testConfig())
		So(err, ShouldBeNil)

		session := simulated.New()
		m.Start(session)
		m.Tick()
		snd := session.LastSender()
		snd.SetState(transport.Open)
		m.Tick()

		var ticket *DispositionTicket
		m.SubscribeForMessages(func(data []byte, ann map[string]interface{}, props map[string]string, t *DispositionTicket, ctx interface{}) Verdict {
			ticket = t
			return VerdictDeferred
		}, nil)
		m.Tick() // creates receiver
		rcv := session.LastReceiver()
		So(rcv, ShouldNotBeNil)
		rcv.SetState(transport.Open)
		m.Tick()

		Convey("A deferred verdict leaves the ticket open with no disposition issued yet", func() {
			id := rcv.Deliver(&transport.Message{Data: []byte("m1")})
			So(ticket, ShouldNotBeNil)
			So(ticket.DeliveryID, ShouldEqual, id)
			So(rcv.Dispositions, ShouldBeEmpty)

			Convey("Later accepting it issues the disposition with the original delivery id", func() {
				err := m.SendMessageDisposition(ticket, VerdictAccepted)
				So(err, ShouldBeNil)
				So(rcv.Dispositions, ShouldHaveLength, 1)
				So(rcv.Dispositions[0].DeliveryID, ShouldEqual, id)
				So(rcv.Dispositions[0].Verdict, ShouldEqual, transport.DispositionAccepted)
			})
		})
	})
}

func TestSenderOpenTimeout(t *testing.T) {
	Convey("Given a started messenger whose sender never advances past Opening", t, func() {
		m, err := Create(testConfig())
		So(err, ShouldBeNil)

		now := time.Unix(0, 0)
		m.SetClock(func() time.Time { return now })

		var transitions [][2]State
		m.cfg.OnStateChange = func(prev, cur State) {
			transitions = append(transitions, [2]State{prev, cur})
		}

		session := simulated.New()
		So(m.Start(session), ShouldBeNil)
		m.Tick() // creates the sender, observed Opening

		Convey("300s of simulated time elapses without the sender reaching Open", func() {
			now = now.Add(301 * time.Second)
			m.Tick()

			So(m.State(), ShouldEqual, Error)
			So(transitions[len(transitions)-1], ShouldResemble, [2]State{Starting, Error})
		})
	})
}

func TestRejectedDispositionReason(t *testing.T) {
	Convey("Given a subscriber that rejects a message", t, func() {
		m, _ := Create(testConfig())
		session := simulated.New()
		m.Start(session)
		m.Tick()
		snd := session.LastSender()
		snd.SetState(transport.Open)
		m.Tick()

		m.SubscribeForMessages(func(data []byte, ann map[string]interface{}, props map[string]string, t *DispositionTicket, ctx interface{}) Verdict {
			return VerdictRejected
		}, nil)
		m.Tick()
		rcv := session.LastReceiver()
		rcv.SetState(transport.Open)
		m.Tick()

		Convey("The wire disposition carries the fixed reason string", func() {
			rcv.Deliver(&transport.Message{Data: []byte("m1")})
			So(rcv.Dispositions, ShouldHaveLength, 1)
			So(rcv.Dispositions[0].Verdict, ShouldEqual, transport.DispositionRejected)
			So(rcv.Dispositions[0].Condition, ShouldEqual, RejectedReason)
			So(rcv.Dispositions[0].Description, ShouldEqual, RejectedReason)
		})
	})
}

func TestAttachPropertiesAreCloned(t *testing.T) {
	Convey("Given a Config with an AttachProperties map", t, func() {
		cfg := testConfig()
		cfg.AttachProperties = map[string]string{"a": "1"}
		m, err := Create(cfg)
		So(err, ShouldBeNil)

		Convey("Mutating the caller's map afterwards does not affect the messenger", func() {
			cfg.AttachProperties["a"] = "2"
			So(m.attach["a"], ShouldEqual, "1")
		})
	})
}

func TestDestroyCancelsQueuedSends(t *testing.T) {
	Convey("Given a messenger with a queued send and no session started", t, func() {
		m, _ := Create(testConfig())

		var got Result
		m.SendAsync([]byte("x"), nil, nil, func(r Result) { got = r }, nil)

		Convey("Destroy cancels it with MessengerDestroyed", func() {
			m.Destroy()
			So(got, ShouldEqual, MessengerDestroyed)

			Convey("And further sends are rejected", func() {
				err := m.SendAsync([]byte("y"), nil, nil, func(Result) {}, nil)
				So(err, ShouldEqual, ErrMessengerDestroyed)
			})
		})
	})
}
