// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messenger

import (
	"fmt"

	"github.com/enjoygeek/iothub-amqp-messenger/linkfactory"
)

// Defaults matching the original IoT Hub client's
// DEFAULT_EVENT_SEND_RETRY_LIMIT, DEFAULT_EVENT_SEND_TIMEOUT_SECS and
// DEFAULT_MAX_SEND_ERROR_COUNT.
const (
	DefaultMaxRetryCount              = 0
	DefaultMaxMessageEnqueuedTimeSecs = 600
	DefaultMaxSendErrorCount          = 10
)

// Config is the immutable configuration a Messenger is created with.
type Config struct {
	DeviceID          string
	HostFQDN          string
	DevicesPathFormat string
	SendSuffix        string
	ReceiveSuffix     string

	// AttachProperties are deep-cloned at Create time and applied to both
	// links.
	AttachProperties map[string]string

	MaxRetryCount                uint
	MaxMessageEnqueuedTimeSecs    uint
	MaxMessageProcessingTimeSecs uint
	MaxSendErrorCount            uint

	// LinkFactory generates unique link names. If nil, Create allocates a
	// private one.
	LinkFactory *linkfactory.Factory

	// OnStateChange is invoked synchronously whenever State changes.
	OnStateChange StateChangeFunc
}

// DefaultConfig returns a Config with every tunable at its documented
// default and DevicesPathFormat set to the standard IoT Hub path format.
// Callers still must fill in DeviceID, HostFQDN and the two suffixes.
func DefaultConfig() Config {
	return Config{
		DevicesPathFormat:          linkfactory.DefaultDevicesPathFormat,
		MaxRetryCount:              DefaultMaxRetryCount,
		MaxMessageEnqueuedTimeSecs: DefaultMaxMessageEnqueuedTimeSecs,
		MaxSendErrorCount:          DefaultMaxSendErrorCount,
	}
}

func (c Config) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("messenger: %w: empty DeviceID", ErrNullArg)
	}
	if c.HostFQDN == "" {
		return fmt.Errorf("messenger: %w: empty HostFQDN", ErrNullArg)
	}
	if c.SendSuffix == "" {
		return fmt.Errorf("messenger: %w: empty SendSuffix", ErrNullArg)
	}
	if c.ReceiveSuffix == "" {
		return fmt.Errorf("messenger: %w: empty ReceiveSuffix", ErrNullArg)
	}
	if c.DevicesPathFormat == "" {
		return fmt.Errorf("messenger: %w: empty DevicesPathFormat", ErrNullArg)
	}
	return nil
}
