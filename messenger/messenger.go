// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package messenger implements a generic bidirectional AMQP messenger: it
// owns a send link and an optional receive link over a session borrowed
// from the caller, queues outbound messages with retry/timeout through
// package queue, and delivers inbound messages with explicit disposition.
// It is driven by a single cooperative Tick, with no blocking calls of its
// own on the hot path.
package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/sony/gobreaker"

	"github.com/enjoygeek/iothub-amqp-messenger/linkfactory"
	"github.com/enjoygeek/iothub-amqp-messenger/queue"
	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

// senderOpenTimeout and receiverOpenTimeout are the fatal timeouts for a
// link that never reaches Open.
const (
	senderOpenTimeout   = 300 * time.Second
	receiverOpenTimeout = 300 * time.Second
)

type subscription struct {
	active    bool
	onMessage ReceivedFunc
	ctx       interface{}
}

// Messenger owns one send link and one optional receive link over a
// borrowed session, and drives their lifecycle plus a queue of outbound
// sends through Tick.
type Messenger struct {
	cfg      Config
	identity linkfactory.Identity
	attach   map[string]string
	factory  *linkfactory.Factory
	log      log.Interface
	clock    func() time.Time

	session transport.Session

	state      State
	lastError  error
	startingAt time.Time

	sender         transport.MessageSender
	senderLinkName string
	senderSub      subState

	receiver         transport.MessageReceiver
	receiverLinkName string
	receiverSub      subState
	receiverStartAt  time.Time

	queue *queue.Queue

	subscription subscription

	breaker *gobreaker.TwoStepCircuitBreaker

	inCallback bool
	destroyed  bool
}

// Create validates cfg, clones every string and map it needs, and returns
// a Messenger in state Stopped. It does not touch the network; that is
// deferred to the first Tick after Start.
func Create(cfg Config) (*Messenger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	factory := cfg.LinkFactory
	if factory == nil {
		factory = linkfactory.New()
	}

	m := &Messenger{
		cfg: cfg,
		identity: linkfactory.Identity{
			DeviceID:          cfg.DeviceID,
			HostFQDN:          cfg.HostFQDN,
			DevicesPathFormat: cfg.DevicesPathFormat,
			SendSuffix:        cfg.SendSuffix,
			ReceiveSuffix:     cfg.ReceiveSuffix,
		},
		attach:  linkfactory.CloneAttachProperties(cfg.AttachProperties),
		factory: factory,
		log:     log.Log,
		clock:   time.Now,
		state:   Stopped,
	}
	m.queue = queue.New(queue.Config{
		MaxRetryCount:                cfg.MaxRetryCount,
		MaxMessageEnqueuedTimeSecs:   cfg.MaxMessageEnqueuedTimeSecs,
		MaxMessageProcessingTimeSecs: cfg.MaxMessageProcessingTimeSecs,
		OnProcessMessage:             m.processOne,
	})
	m.resetBreaker()
	return m, nil
}

// resetBreaker (re)builds the circuit breaker the consecutive-send-failure
// counter is implemented with. Its Timeout is set far beyond any realistic
// run so it never auto-resets into half-open; recovery is only ever
// explicit, via Stop then Start, since the messenger does not self-restart.
func (m *Messenger) resetBreaker() {
	threshold := m.cfg.MaxSendErrorCount
	m.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "messenger-send-" + m.cfg.DeviceID,
		MaxRequests: 1,
		Timeout:     365 * 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				m.fail(m.clock(), fmt.Errorf("messenger: circuit breaker open after consecutive send failures"))
			}
		},
	})
}

// SetLogger overrides the apex/log.Interface the messenger logs through.
func (m *Messenger) SetLogger(ctx log.Interface) {
	if ctx != nil {
		m.log = ctx
	}
}

// SetClock overrides the messenger's monotonic time source. Intended for
// tests that simulate the 300s open timeouts without sleeping.
func (m *Messenger) SetClock(now func() time.Time) {
	if now != nil {
		m.clock = now
	}
	m.queue.SetClock(now)
}

// State reports the current top-level state.
func (m *Messenger) State() State { return m.state }

// LastError reports the error that drove the most recent transition into
// Error, if any.
func (m *Messenger) LastError() error { return m.lastError }

// Start stores the borrowed session and transitions to Starting. Link
// creation is deferred to the first Tick.
func (m *Messenger) Start(session transport.Session) error {
	if m.inCallback {
		return ErrWrongState
	}
	if session == nil {
		return ErrNullArg
	}
	if m.state != Stopped {
		return ErrWrongState
	}
	m.session = session
	m.startingAt = m.clock()
	m.resetBreaker()
	m.transition(Starting)
	return nil
}

// Stop tears down the sender and receiver, moves in-flight sends back to
// pending, and transitions to Stopped.
func (m *Messenger) Stop() error {
	if m.inCallback {
		return ErrWrongState
	}
	if m.state == Stopped {
		return ErrWrongState
	}
	now := m.clock()
	m.transition(Stopping)
	m.destroySender(now)
	m.destroyReceiver(now)
	m.queue.MoveAllInFlightBackToPending()
	m.session = nil
	m.transition(Stopped)
	return nil
}

// Destroy tears the messenger down (if not already Stopped) and cancels
// every queued send with MessengerDestroyed. Called from within a
// StateChangeFunc it does nothing.
func (m *Messenger) Destroy() {
	if m.destroyed || m.inCallback {
		return
	}
	if m.state != Stopped {
		m.Stop()
	}
	m.destroyed = true
	m.queue.DestroyAll()
}

// SendAsync clones msg's payload and enqueues it. onDone is invoked
// exactly once with the terminal Result.
func (m *Messenger) SendAsync(data []byte, annotations map[string]interface{}, appProperties map[string]string, onDone func(Result), ctx interface{}) error {
	if onDone == nil {
		return ErrNullArg
	}
	if m.destroyed {
		return ErrMessengerDestroyed
	}
	msg := &transport.Message{
		Data:                  append([]byte(nil), data...),
		Annotations:           cloneAnnotations(annotations),
		ApplicationProperties: cloneStrings(appProperties),
	}
	err := m.queue.Enqueue(msg, func(r queue.Result) { m.completeSend(r, onDone) }, ctx)
	if err != nil {
		return ErrQueueFull
	}
	return nil
}

// GetSendStatus reports Idle iff the send queue is empty.
func (m *Messenger) GetSendStatus() SendStatus {
	if m.queue.IsEmpty() {
		return Idle
	}
	return Busy
}

// SubscribeForMessages registers cb as the subscriber for inbound
// messages. The receive link is created lazily on the next Tick.
func (m *Messenger) SubscribeForMessages(cb ReceivedFunc, ctx interface{}) error {
	if cb == nil {
		return ErrNullArg
	}
	if m.subscription.active {
		return ErrAlreadySubscribed
	}
	m.subscription = subscription{active: true, onMessage: cb, ctx: ctx}
	return nil
}

// UnsubscribeForMessages clears the subscriber. The receive link is torn
// down on the next Tick.
func (m *Messenger) UnsubscribeForMessages() error {
	if !m.subscription.active {
		return ErrNotSubscribed
	}
	m.subscription.active = false
	m.subscription.onMessage = nil
	return nil
}

// SendMessageDisposition resolves a deferred DispositionTicket. It
// consumes the ticket exactly once.
func (m *Messenger) SendMessageDisposition(ticket *DispositionTicket, verdict Verdict) error {
	if ticket == nil {
		return ErrNullArg
	}
	if m.receiver == nil {
		return ErrNoReceiver
	}
	wire, condition, description := wireDisposition(verdict)
	err := m.receiver.Disposition(context.Background(), ticket.DeliveryID, wire, condition, description)
	ticket.consumed = true
	if err != nil {
		return fmt.Errorf("messenger: disposition: %w", err)
	}
	return nil
}

// DestroyDispositionInfo consumes a ticket without issuing a wire-level
// disposition. Callers use this to release tickets still outstanding at
// teardown.
func (m *Messenger) DestroyDispositionInfo(ticket *DispositionTicket) {
	if ticket != nil {
		ticket.consumed = true
	}
}

// SetOption applies one of the recognized runtime-tunable options.
func (m *Messenger) SetOption(name string, value interface{}) error {
	switch name {
	case OptionEventSendTimeoutSecs:
		secs, ok := value.(uint)
		if !ok {
			return ErrSetFailed
		}
		m.queue.SetMaxEnqueuedTime(secs)
		return nil
	case OptionMessageQueueOptions:
		opts, ok := value.(queue.Options)
		if !ok {
			return ErrSetFailed
		}
		m.queue.RestoreOptions(opts)
		return nil
	default:
		return ErrUnknownOption
	}
}

// RetrieveOptions snapshots the send queue's current tunables.
func (m *Messenger) RetrieveOptions() queue.Options {
	return m.queue.RetrieveOptions()
}

// Recognized SetOption names.
const (
	OptionEventSendTimeoutSecs = "amqp_event_send_timeout_secs"
	OptionMessageQueueOptions  = "amqp_message_queue_options"
)

// Tick drives one cooperative step of the state machine.
func (m *Messenger) Tick() {
	now := m.clock()

	switch m.state {
	case Starting:
		m.tickStarting(now)
	case Started:
		m.tickStarted(now)
	}
}

func (m *Messenger) tickStarting(now time.Time) {
	if m.sender == nil {
		if err := m.createSender(now); err != nil {
			m.fail(now, fmt.Errorf("messenger: create sender: %w", err))
			return
		}
	}

	switch m.senderSub.current {
	case transport.Open:
		m.transition(Started)
		return
	case transport.LinkError, transport.Closing, transport.Idle:
		m.fail(now, fmt.Errorf("messenger: sender reached %s while starting", m.senderSub.current))
		return
	}

	if now.Sub(m.startingAt) >= senderOpenTimeout {
		m.fail(now, fmt.Errorf("messenger: sender did not open within %s", senderOpenTimeout))
	}
}

func (m *Messenger) tickStarted(now time.Time) {
	if m.senderSub.current != transport.Open {
		m.fail(now, fmt.Errorf("messenger: sender left %s", transport.Open))
		return
	}

	if m.subscription.active && m.receiver == nil {
		if err := m.createReceiver(now); err != nil {
			m.log.WithError(err).Warn("messenger: could not create receiver, will retry")
		} else {
			m.receiverStartAt = now
		}
	}
	if !m.subscription.active && m.receiver != nil {
		m.destroyReceiver(now)
	}

	if m.subscription.active && m.receiver != nil {
		switch m.receiverSub.current {
		case transport.LinkError, transport.Idle:
			m.fail(now, fmt.Errorf("messenger: receiver reached %s while subscribed", m.receiverSub.current))
			return
		case transport.Opening:
			if now.Sub(m.receiverStartAt) >= receiverOpenTimeout {
				m.fail(now, fmt.Errorf("messenger: receiver did not open within %s", receiverOpenTimeout))
				return
			}
		}
	}

	// The circuit breaker's OnStateChange already drives the fatal
	// transition when consecutive send failures reach the configured
	// threshold (see resetBreaker), so there is nothing further to check
	// here once the queue has ticked.
	m.queue.Tick()
}

func (m *Messenger) fail(now time.Time, err error) {
	m.lastError = err
	m.log.WithError(err).Error("messenger: fatal error")
	m.transition(Error)
}

// transition performs the state change and fires the state-changed
// callback; it guards against the callback itself calling back into
// the messenger and re-entering transition for the same change.
func (m *Messenger) transition(to State) {
	prev := m.state
	if prev == to {
		return
	}
	m.state = to
	if m.cfg.OnStateChange == nil {
		return
	}
	m.inCallback = true
	m.cfg.OnStateChange(prev, to)
	m.inCallback = false
}

func (m *Messenger) createSender(now time.Time) error {
	linkName := m.factory.SenderLinkName(m.identity.DeviceID)
	cfg := transport.SenderConfig{
		LinkName:         linkName,
		Source:           linkfactory.SenderSource(linkName),
		Target:           m.identity.SendAddress(),
		MaxMessageSize:   0,
		AttachProperties: linkfactory.CloneAttachProperties(m.attach),
		OnStateChange: func(prev, cur transport.LinkState) {
			m.senderSub.set(m.clock(), cur)
		},
	}
	snd, err := m.session.NewSender(context.Background(), cfg)
	if err != nil {
		return err
	}
	m.sender = snd
	m.senderLinkName = linkName
	m.senderSub.set(now, transport.Opening)
	return nil
}

func (m *Messenger) createReceiver(now time.Time) error {
	linkName := m.factory.ReceiverLinkName(m.identity.DeviceID)
	cfg := transport.ReceiverConfig{
		LinkName:         linkName,
		Source:           m.identity.ReceiveAddress(),
		Target:           linkfactory.ReceiverTarget(linkName),
		MaxMessageSize:   65536,
		SettleModeFirst:  true,
		AttachProperties: linkfactory.CloneAttachProperties(m.attach),
		OnStateChange: func(prev, cur transport.LinkState) {
			m.receiverSub.set(m.clock(), cur)
		},
		OnMessage: m.onReceived,
	}
	rcv, err := m.session.NewReceiver(context.Background(), cfg)
	if err != nil {
		return err
	}
	m.receiver = rcv
	m.receiverLinkName = linkName
	m.receiverSub.set(now, transport.Opening)
	return nil
}

func (m *Messenger) destroySender(now time.Time) {
	if m.sender == nil {
		return
	}
	if err := m.sender.Close(context.Background()); err != nil {
		m.log.WithError(err).Debug("messenger: error closing sender, ignored")
	}
	m.sender = nil
	m.senderLinkName = ""
	m.senderSub.reset(now)
}

func (m *Messenger) destroyReceiver(now time.Time) {
	if m.receiver == nil {
		return
	}
	if err := m.receiver.Close(context.Background()); err != nil {
		m.log.WithError(err).Debug("messenger: error closing receiver, ignored")
	}
	m.receiver = nil
	m.receiverLinkName = ""
	m.receiverSub.reset(now)
}

// processOne is the queue's ProcessFunc: it is only ever invoked from
// within Tick, at a point where the sender has already been confirmed
// Open for this tick. It reports the outcome of this one attempt to the
// queue; retried attempts are invisible outside the queue, so the
// consecutive-send-failure count is tallied later, in completeSend, which
// only sees the terminal outcome of a message.
func (m *Messenger) processOne(q *queue.Queue, it *queue.Item, complete queue.CompleteFunc) {
	msg := it.Message.(*transport.Message)
	err := m.sender.Send(context.Background(), msg, func(res transport.SendResult) {
		if res == transport.SendOK {
			complete(queue.Success)
			return
		}
		complete(queue.Error)
	})
	if err != nil {
		complete(queue.Error)
	}
}

// recordSendOutcome feeds one terminal send outcome into the circuit
// breaker. Called once per message, from completeSend, so a message that
// is retried several times before finally failing still counts as a
// single consecutive failure, matching the counter's per-message meaning.
func (m *Messenger) recordSendOutcome(success bool) {
	done, err := m.breaker.Allow()
	if err != nil {
		// Already open; fail() has already fired.
		return
	}
	done(success)
}

func (m *Messenger) completeSend(r queue.Result, onDone func(Result)) {
	switch r {
	case queue.Success:
		m.recordSendOutcome(true)
		onDone(SendOk)
	case queue.Timeout:
		onDone(TimeoutError)
	case queue.Cancelled:
		onDone(MessengerDestroyed)
	default:
		m.recordSendOutcome(false)
		onDone(FailSending)
	}
}

// onReceived is wired as the receive link's OnMessage callback.
func (m *Messenger) onReceived(d transport.Delivery) {
	if d.DeliveryID == 0 || d.LinkName == "" {
		m.release(d.DeliveryID)
		return
	}
	if !m.subscription.active || m.subscription.onMessage == nil {
		m.release(d.DeliveryID)
		return
	}

	ticket := &DispositionTicket{LinkName: d.LinkName, DeliveryID: d.DeliveryID}
	var data []byte
	var annotations map[string]interface{}
	var appProps map[string]string
	if d.Message != nil {
		data = d.Message.Data
		annotations = d.Message.Annotations
		appProps = d.Message.ApplicationProperties
	}

	verdict := m.subscription.onMessage(data, annotations, appProps, ticket, m.subscription.ctx)
	if verdict == VerdictDeferred {
		return
	}

	wire, condition, description := wireDisposition(verdict)
	if m.receiver != nil {
		if err := m.receiver.Disposition(context.Background(), d.DeliveryID, wire, condition, description); err != nil {
			m.log.WithError(err).Debug("messenger: error sending disposition, ignored")
		}
	}
	ticket.consumed = true
}

func (m *Messenger) release(deliveryID uint64) {
	if m.receiver == nil || deliveryID == 0 {
		return
	}
	if err := m.receiver.Disposition(context.Background(), deliveryID, transport.DispositionReleased, "", ""); err != nil {
		m.log.WithError(err).Debug("messenger: error releasing delivery, ignored")
	}
}

func wireDisposition(v Verdict) (transport.Disposition, string, string) {
	switch v {
	case VerdictAccepted:
		return transport.DispositionAccepted, "", ""
	case VerdictRejected:
		return transport.DispositionRejected, RejectedReason, RejectedReason
	case VerdictReleased:
		return transport.DispositionReleased, "", ""
	default:
		return transport.DispositionNone, "", ""
	}
}

func cloneAnnotations(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
