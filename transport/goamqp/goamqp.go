// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package goamqp adapts github.com/Azure/go-amqp, a real AMQP 1.0 client,
// to the transport.Session/MessageSender/MessageReceiver contract. This is
// what exercises the messenger's state machine against an actual AMQP 1.0
// broker instead of the in-memory fake in transport/simulated.
//
// go-amqp's Sender.Send and Receiver.Receive are blocking calls; each
// Sender and Receiver created here runs its own goroutine to keep the
// link pumped without blocking the messenger's cooperative Tick, and
// reports results back asynchronously through the OnStateChange/OnMessage
// callbacks. Callers that drive Tick from a single goroutine must guard
// their own Messenger access with a mutex if they also touch it from
// elsewhere, since these callbacks fire from the adapter's own goroutines,
// exactly as a real AMQP I/O thread would.
package goamqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Azure/go-amqp"

	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

// Session wraps an *amqp.Session.
type Session struct {
	session *amqp.Session
}

// Dial opens a connection and a single session on it. All of a device's
// links share that one session.
func Dial(ctx context.Context, addr string, connOpts *amqp.ConnOptions) (*Session, *amqp.Conn, error) {
	conn, err := amqp.Dial(ctx, addr, connOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("goamqp: dial: %w", err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("goamqp: new session: %w", err)
	}
	return &Session{session: sess}, conn, nil
}

// NewFromSession wraps an already-established *amqp.Session, for callers
// that manage the connection lifecycle themselves.
func NewFromSession(sess *amqp.Session) *Session {
	return &Session{session: sess}
}

func attachProperties(props map[string]string) map[string]interface{} {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// NewSender implements transport.Session.
func (sess *Session) NewSender(ctx context.Context, cfg transport.SenderConfig) (transport.MessageSender, error) {
	opts := &amqp.SenderOptions{
		Name:       cfg.LinkName,
		Properties: attachProperties(cfg.AttachProperties),
	}
	snd, err := sess.session.NewSender(ctx, cfg.Target, opts)
	if err != nil {
		return nil, fmt.Errorf("goamqp: new sender: %w", err)
	}
	s := &Sender{sender: snd, onStateChange: cfg.OnStateChange}
	s.setState(transport.Opening)
	go s.run()
	return s, nil
}

// NewReceiver implements transport.Session.
func (sess *Session) NewReceiver(ctx context.Context, cfg transport.ReceiverConfig) (transport.MessageReceiver, error) {
	settleMode := amqp.ReceiverSettleModeFirst
	opts := &amqp.ReceiverOptions{
		Name:       cfg.LinkName,
		Properties: attachProperties(cfg.AttachProperties),
	}
	if cfg.SettleModeFirst {
		opts.SettlementMode = &settleMode
	}
	rcv, err := sess.session.NewReceiver(ctx, cfg.Source, opts)
	if err != nil {
		return nil, fmt.Errorf("goamqp: new receiver: %w", err)
	}
	r := &Receiver{
		receiver:      rcv,
		onStateChange: cfg.OnStateChange,
		onMessage:     cfg.OnMessage,
		linkName:      cfg.LinkName,
		pending:       make(map[uint64]*amqp.Message),
	}
	r.setState(transport.Opening)
	go r.run()
	return r, nil
}

// Sender adapts *amqp.Sender to transport.MessageSender.
type Sender struct {
	sender *amqp.Sender

	mu            sync.Mutex
	state         transport.LinkState
	onStateChange transport.StateChangeFunc

	closed chan struct{}
}

func (s *Sender) setState(state transport.LinkState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil && prev != state {
		cb(prev, state)
	}
}

// run marks the sender Open once its underlying attach has completed.
// go-amqp's NewSender already blocks until attach completes, so by the
// time the Sender is constructed the link is in fact open; this goroutine
// exists so state observation flows through the same asynchronous path a
// real broker round-trip would use.
func (s *Sender) run() {
	s.setState(transport.Open)
}

// State implements transport.MessageSender.
func (s *Sender) State() transport.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send implements transport.MessageSender. It dispatches go-amqp's
// blocking Send on its own goroutine and reports the result through
// onComplete once it returns.
func (s *Sender) Send(ctx context.Context, msg *transport.Message, onComplete transport.SendCompleteFunc) error {
	wire := &amqp.Message{Data: [][]byte{msg.Data}}
	if len(msg.Annotations) > 0 {
		ann := make(amqp.Annotations, len(msg.Annotations))
		for k, v := range msg.Annotations {
			ann[k] = v
		}
		wire.Annotations = ann
	}
	if len(msg.ApplicationProperties) > 0 {
		props := make(map[string]interface{}, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			props[k] = v
		}
		wire.ApplicationProperties = props
	}

	go func() {
		err := s.sender.Send(ctx, wire, nil)
		if onComplete == nil {
			return
		}
		if err != nil {
			onComplete(transport.SendFailed)
			return
		}
		onComplete(transport.SendOK)
	}()
	return nil
}

// Close implements transport.MessageSender.
func (s *Sender) Close(ctx context.Context) error {
	s.setState(transport.Closing)
	err := s.sender.Close(ctx)
	s.setState(transport.LinkError)
	if err != nil {
		return fmt.Errorf("goamqp: close sender: %w", err)
	}
	return nil
}

// Receiver adapts *amqp.Receiver to transport.MessageReceiver.
type Receiver struct {
	receiver *amqp.Receiver
	linkName string

	mu            sync.Mutex
	state         transport.LinkState
	onStateChange transport.StateChangeFunc
	onMessage     transport.MessageFunc

	nextID  uint64
	pending map[uint64]*amqp.Message
}

func (r *Receiver) setState(state transport.LinkState) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	cb := r.onStateChange
	r.mu.Unlock()
	if cb != nil && prev != state {
		cb(prev, state)
	}
}

// State implements transport.MessageReceiver.
func (r *Receiver) State() transport.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// run pumps go-amqp's blocking Receive loop, assigning each delivery a
// local monotonic id (go-amqp's *amqp.Message carries its own delivery
// tracking internally but does not expose it, so disposition is later
// issued by looking the *amqp.Message back up by this id) and invoking
// onMessage for each.
func (r *Receiver) run() {
	r.setState(transport.Open)
	ctx := context.Background()
	for {
		msg, err := r.receiver.Receive(ctx, nil)
		if err != nil {
			r.setState(transport.LinkError)
			return
		}

		id := atomic.AddUint64(&r.nextID, 1)
		r.mu.Lock()
		r.pending[id] = msg
		cb := r.onMessage
		r.mu.Unlock()

		if cb == nil {
			continue
		}
		cb(transport.Delivery{
			LinkName:   r.linkName,
			DeliveryID: id,
			Message:    toTransportMessage(msg),
		})
	}
}

func toTransportMessage(msg *amqp.Message) *transport.Message {
	out := &transport.Message{}
	if len(msg.Data) > 0 {
		out.Data = msg.Data[0]
	}
	if len(msg.Annotations) > 0 {
		ann := make(map[string]interface{}, len(msg.Annotations))
		for k, v := range msg.Annotations {
			if ks, ok := k.(string); ok {
				ann[ks] = v
			}
		}
		out.Annotations = ann
	}
	if len(msg.ApplicationProperties) > 0 {
		props := make(map[string]string, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			if vs, ok := v.(string); ok {
				props[k] = vs
			}
		}
		out.ApplicationProperties = props
	}
	return out
}

// Disposition implements transport.MessageReceiver.
func (r *Receiver) Disposition(ctx context.Context, deliveryID uint64, verdict transport.Disposition, condition, description string) error {
	r.mu.Lock()
	msg, ok := r.pending[deliveryID]
	if ok {
		delete(r.pending, deliveryID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("goamqp: unknown delivery id %d", deliveryID)
	}

	switch verdict {
	case transport.DispositionAccepted:
		return r.receiver.AcceptMessage(ctx, msg)
	case transport.DispositionRejected:
		return r.receiver.RejectMessage(ctx, msg, &amqp.Error{Condition: amqp.ErrCond(condition), Description: description})
	case transport.DispositionReleased:
		return r.receiver.ReleaseMessage(ctx, msg)
	default:
		return nil
	}
}

// Close implements transport.MessageReceiver.
func (r *Receiver) Close(ctx context.Context) error {
	r.setState(transport.Closing)
	err := r.receiver.Close(ctx)
	r.setState(transport.LinkError)
	if err != nil {
		return fmt.Errorf("goamqp: close receiver: %w", err)
	}
	return nil
}
