// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package simulated is an in-memory fake of the transport contract, driven
// entirely by test code. It lets messenger and twin tests exercise the
// full state machine deterministically and offline, without dialing a
// real broker.
package simulated

import (
	"context"
	"errors"
	"sync"

	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

// ErrClosed is returned by operations on a Sender or Receiver after Close.
var ErrClosed = errors.New("simulated: closed")

// Session is an in-memory transport.Session. Tests drive link lifecycle by
// calling Sender.SetState / Receiver.SetState on the links it has created,
// and by injecting deliveries with Receiver.Deliver.
type Session struct {
	mu        sync.Mutex
	senders   []*Sender
	receivers []*Receiver
}

// New returns a fresh simulated Session.
func New() *Session {
	return &Session{}
}

// NewSender implements transport.Session.
func (s *Session) NewSender(ctx context.Context, cfg transport.SenderConfig) (transport.MessageSender, error) {
	snd := &Sender{cfg: cfg, state: transport.Idle}
	s.mu.Lock()
	s.senders = append(s.senders, snd)
	s.mu.Unlock()
	return snd, nil
}

// NewReceiver implements transport.Session.
func (s *Session) NewReceiver(ctx context.Context, cfg transport.ReceiverConfig) (transport.MessageReceiver, error) {
	rcv := &Receiver{cfg: cfg, state: transport.Idle}
	s.mu.Lock()
	s.receivers = append(s.receivers, rcv)
	s.mu.Unlock()
	return rcv, nil
}

// Senders returns every sender ever created on this session, oldest first.
func (s *Session) Senders() []*Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Sender(nil), s.senders...)
}

// Receivers returns every receiver ever created on this session, oldest
// first.
func (s *Session) Receivers() []*Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Receiver(nil), s.receivers...)
}

// LastSender returns the most recently created sender, or nil.
func (s *Session) LastSender() *Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.senders) == 0 {
		return nil
	}
	return s.senders[len(s.senders)-1]
}

// LastReceiver returns the most recently created receiver, or nil.
func (s *Session) LastReceiver() *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.receivers) == 0 {
		return nil
	}
	return s.receivers[len(s.receivers)-1]
}

// Sender is an in-memory transport.MessageSender.
type Sender struct {
	mu     sync.Mutex
	cfg    transport.SenderConfig
	state  transport.LinkState
	closed bool

	// NextSendResult is consulted by Send, in order, one result per call;
	// when exhausted Send reports SendOK. Tests set this to script
	// scenarios like "fail twice then succeed".
	NextSendResult []transport.SendResult

	// HoldCompletions, when true, makes Send record its completion callback
	// instead of invoking it, so a test can keep a send genuinely in flight
	// across other calls (e.g. across a Stop) and release it later with
	// ReleaseNext.
	HoldCompletions bool
	held            []transport.SendCompleteFunc

	// Sent records every message handed to Send, for assertions.
	Sent []*transport.Message
}

// SetState transitions the sender's reported LinkState and fires its
// OnStateChange callback, exactly as a real AMQP library would.
func (s *Sender) SetState(state transport.LinkState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	cb := s.cfg.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(prev, state)
	}
}

// State implements transport.MessageSender.
func (s *Sender) State() transport.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send implements transport.MessageSender. It completes synchronously,
// consuming the next scripted result (defaulting to SendOK), unless
// HoldCompletions is set, in which case onComplete is parked until a test
// calls ReleaseNext.
func (s *Sender) Send(ctx context.Context, msg *transport.Message, onComplete transport.SendCompleteFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.Sent = append(s.Sent, msg)
	result := transport.SendOK
	if len(s.NextSendResult) > 0 {
		result = s.NextSendResult[0]
		s.NextSendResult = s.NextSendResult[1:]
	}
	if s.HoldCompletions {
		s.held = append(s.held, onComplete)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if onComplete != nil {
		onComplete(result)
	}
	return nil
}

// ReleaseNext completes the oldest send still held by HoldCompletions with
// result, in FIFO order. It reports false if nothing is held.
func (s *Sender) ReleaseNext(result transport.SendResult) bool {
	s.mu.Lock()
	if len(s.held) == 0 {
		s.mu.Unlock()
		return false
	}
	cb := s.held[0]
	s.held = s.held[1:]
	s.mu.Unlock()

	if cb != nil {
		cb(result)
	}
	return true
}

// Close implements transport.MessageSender.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Receiver is an in-memory transport.MessageReceiver.
type Receiver struct {
	mu     sync.Mutex
	cfg    transport.ReceiverConfig
	state  transport.LinkState
	closed bool

	nextDeliveryID uint64

	// Dispositions records every disposition issued, for assertions.
	Dispositions []DispositionCall
}

// DispositionCall records one Disposition invocation.
type DispositionCall struct {
	DeliveryID  uint64
	Verdict     transport.Disposition
	Condition   string
	Description string
}

// SetState transitions the receiver's reported LinkState and fires its
// OnStateChange callback.
func (r *Receiver) SetState(state transport.LinkState) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	cb := r.cfg.OnStateChange
	r.mu.Unlock()
	if cb != nil {
		cb(prev, state)
	}
}

// State implements transport.MessageReceiver.
func (r *Receiver) State() transport.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Deliver injects an inbound message, assigning it the next delivery id on
// this link and invoking the receiver's OnMessage callback exactly as a
// real AMQP library would on arrival.
func (r *Receiver) Deliver(msg *transport.Message) uint64 {
	r.mu.Lock()
	r.nextDeliveryID++
	id := r.nextDeliveryID
	cb := r.cfg.OnMessage
	linkName := r.cfg.LinkName
	r.mu.Unlock()

	if cb != nil {
		cb(transport.Delivery{LinkName: linkName, DeliveryID: id, Message: msg})
	}
	return id
}

// Disposition implements transport.MessageReceiver.
func (r *Receiver) Disposition(ctx context.Context, deliveryID uint64, verdict transport.Disposition, condition, description string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.Dispositions = append(r.Dispositions, DispositionCall{deliveryID, verdict, condition, description})
	r.mu.Unlock()
	return nil
}

// Close implements transport.MessageReceiver.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
