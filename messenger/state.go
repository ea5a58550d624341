// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messenger

import (
	"time"

	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

// State is the top-level messenger state machine.
type State int

// The states a Messenger may be in.
const (
	Stopped State = iota
	Starting
	Started
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// subState mirrors one of the sender or receiver's link sub-state
// machines: current, previous and when it last changed.
type subState struct {
	current        transport.LinkState
	previous       transport.LinkState
	lastChangeTime time.Time
}

// set records a transition, leaving previous/lastChangeTime untouched if
// the state did not actually change.
func (s *subState) set(now time.Time, state transport.LinkState) {
	if state == s.current {
		return
	}
	s.previous = s.current
	s.current = state
	s.lastChangeTime = now
}

// reset returns the sub-state to its pre-creation default.
func (s *subState) reset(now time.Time) {
	*s = subState{current: transport.Idle, previous: transport.Idle, lastChangeTime: now}
}

// Result is the terminal, per-message outcome reported to a SendAsync
// caller.
type Result int

// The outcomes a send completion callback may observe.
const (
	SendOk Result = iota
	TimeoutError
	FailSending
	MessengerDestroyed
)

func (r Result) String() string {
	switch r {
	case SendOk:
		return "SendOk"
	case TimeoutError:
		return "TimeoutError"
	case FailSending:
		return "FailSending"
	case MessengerDestroyed:
		return "MessengerDestroyed"
	default:
		return "Unknown"
	}
}

// SendStatus is the answer to GetSendStatus.
type SendStatus int

// The statuses GetSendStatus may report.
const (
	Idle SendStatus = iota
	Busy
)

func (s SendStatus) String() string {
	if s == Idle {
		return "Idle"
	}
	return "Busy"
}

// StateChangeFunc is invoked synchronously, from within the Tick, Start or
// Stop call that performed the transition, whenever the messenger's State
// changes. It must not call Start, Stop or Destroy: Start and Stop return
// ErrWrongState and Destroy does nothing, rather than corrupting the state
// machine (see messenger.go's reentrancy guard).
type StateChangeFunc func(previous, current State)
