// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package transport defines the boundary contract the messenger package
// programs against: a Session capable of creating a MessageSender and a
// MessageReceiver, each backed by a Link whose lifecycle is reported
// through asynchronous state callbacks. This package deliberately carries
// no concrete AMQP wire code; it only declares the shapes a caller's AMQP
// library must already provide. Concrete implementations live in
// transport/simulated (an in-memory fake for tests) and transport/goamqp
// (a real AMQP 1.0 adapter over github.com/Azure/go-amqp).
package transport

import "context"

// LinkState mirrors the sub-states an AMQP link cycles through from attach
// to detach.
type LinkState int

// The states a sender or receiver sub-state machine may be in.
const (
	Idle LinkState = iota
	Opening
	Open
	Closing
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Opening:
		return "Opening"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case LinkError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Disposition is the wire-level verdict returned for a received delivery.
type Disposition int

// The dispositions a MessageReceiver may issue.
const (
	// DispositionNone means no response is issued yet (the subscriber
	// deferred its verdict).
	DispositionNone Disposition = iota
	DispositionAccepted
	DispositionRejected
	DispositionReleased
)

// SendResult is what a MessageSender reports for a single Send attempt.
type SendResult int

// The outcomes Send may report through its completion callback.
const (
	SendOK SendResult = iota
	SendFailed
)

// Message is the transport-agnostic shape of an AMQP message: a body plus
// the two property bags the messenger and its adapters need. It carries no
// delivery bookkeeping; that lives in Delivery.
type Message struct {
	Data                  []byte
	Annotations           map[string]interface{}
	ApplicationProperties map[string]string
}

// Delivery identifies one inbound message as it is handed from a
// MessageReceiver up to the messenger: the link it arrived on and its
// wire-level delivery id, plus the message itself.
type Delivery struct {
	LinkName   string
	DeliveryID uint64
	Message    *Message
}

// StateChangeFunc is invoked whenever a Link's LinkState changes.
type StateChangeFunc func(previous, current LinkState)

// SendCompleteFunc reports the outcome of one MessageSender.Send call.
type SendCompleteFunc func(SendResult)

// MessageFunc is invoked for every inbound Delivery a MessageReceiver
// produces.
type MessageFunc func(Delivery)

// SenderConfig parametrizes the creation of a sending Link.
type SenderConfig struct {
	LinkName         string
	Source           string
	Target           string
	MaxMessageSize   uint64 // 0 means unbounded
	AttachProperties map[string]string
	OnStateChange    StateChangeFunc
}

// ReceiverConfig parametrizes the creation of a receiving Link.
type ReceiverConfig struct {
	LinkName         string
	Source           string
	Target           string
	MaxMessageSize   uint64
	SettleModeFirst  bool
	AttachProperties map[string]string
	OnStateChange    StateChangeFunc
	OnMessage        MessageFunc
}

// MessageSender is a bound, opened sending Link.
type MessageSender interface {
	State() LinkState
	Send(ctx context.Context, msg *Message, onComplete SendCompleteFunc) error
	Close(ctx context.Context) error
}

// MessageReceiver is a bound, opened receiving Link.
type MessageReceiver interface {
	State() LinkState
	Disposition(ctx context.Context, deliveryID uint64, verdict Disposition, condition, description string) error
	Close(ctx context.Context) error
}

// Session is the borrowed collaborator a messenger drives links over. It
// is never owned or closed by the messenger; the caller that dialed it
// stays responsible for its lifecycle.
type Session interface {
	NewSender(ctx context.Context, cfg SenderConfig) (MessageSender, error)
	NewReceiver(ctx context.Context, cfg ReceiverConfig) (MessageReceiver, error)
}
