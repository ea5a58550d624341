// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messenger

import "errors"

// Argument and state errors: always local, never transition the state
// machine.
var (
	ErrNullArg           = errors.New("messenger: null argument")
	ErrWrongState        = errors.New("messenger: operation not allowed in current state")
	ErrAlreadySubscribed = errors.New("messenger: already subscribed")
	ErrNotSubscribed     = errors.New("messenger: not subscribed")
	ErrNoReceiver        = errors.New("messenger: no receiver")
	ErrQueueFull         = errors.New("messenger: send queue is full")
	ErrUnknownOption     = errors.New("messenger: unknown option")
	ErrSetFailed         = errors.New("messenger: could not set option")
)

// ErrMessengerDestroyed is returned by SendAsync once the messenger is
// being torn down, and is the per-message outcome reported for items
// cancelled by Destroy.
var ErrMessengerDestroyed = errors.New("messenger: destroyed")
