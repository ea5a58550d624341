// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package twin implements the thin device-twin framing adapter: it builds
// twin request messages (with the required message-annotations) and
// forwards them to a messenger.Messenger, without maintaining any state
// machine of its own beyond what the underlying messenger reports.
package twin

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/enjoygeek/iothub-amqp-messenger/messenger"
	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

// Twin wire annotations, required by the IoT Hub device-twin PATCH notification.
const (
	resourceAnnotation = "resource"
	operationAnnotation = "operation"
	versionAnnotation   = "version"

	resourceValue  = "/notifications/twin/properties/desired"
	operationValue = "PATCH"
)

// Link attach properties the twin link advertises at open time.
const (
	ChannelCorrelationIDProperty = "com.microsoft:channel-correlation-id"
	APIVersionProperty           = "com.microsoft:api-version"
	APIVersionValue              = "1.0"
)

// CorrelationIDFormat is the original's TWIN_CORRELATION_ID_PROPERTY_FORMAT.
const CorrelationIDFormat = "twin:%s"

// twinSuffix is used for both the send and receive links.
const twinSuffix = "twin/"

// Result is the outcome ReportStateAsync reports.
type Result int

// The outcomes a ReportStateAsync completion callback may observe.
const (
	Success Result = iota
	Failure
)

func (r Result) String() string {
	if r == Success {
		return "Success"
	}
	return "Error"
}

// Config configures a Twin. DeviceID, HostFQDN and DevicesPathFormat are
// forwarded to the underlying messenger (an empty DevicesPathFormat keeps
// the messenger default). Config has no suffix fields: the send and
// receive suffixes are always "twin/".
type Config struct {
	DeviceID          string
	HostFQDN          string
	DevicesPathFormat string

	MaxRetryCount                uint
	MaxMessageEnqueuedTimeSecs    uint
	MaxMessageProcessingTimeSecs uint
	MaxSendErrorCount            uint

	OnStateChange messenger.StateChangeFunc
}

// Twin wraps a messenger.Messenger with device-twin framing.
type Twin struct {
	inner         *messenger.Messenger
	correlationID string
}

// New builds the twin-specific attach properties (a fresh correlation id
// embedding a UUID) and creates the underlying messenger.
func New(cfg Config) (*Twin, error) {
	correlationID := fmt.Sprintf(CorrelationIDFormat, uuid.New().String())

	mcfg := messenger.DefaultConfig()
	mcfg.DeviceID = cfg.DeviceID
	mcfg.HostFQDN = cfg.HostFQDN
	if cfg.DevicesPathFormat != "" {
		mcfg.DevicesPathFormat = cfg.DevicesPathFormat
	}
	mcfg.SendSuffix = twinSuffix
	mcfg.ReceiveSuffix = twinSuffix
	mcfg.AttachProperties = map[string]string{
		ChannelCorrelationIDProperty: correlationID,
		APIVersionProperty:           APIVersionValue,
	}
	if cfg.MaxRetryCount != 0 {
		mcfg.MaxRetryCount = cfg.MaxRetryCount
	}
	if cfg.MaxMessageEnqueuedTimeSecs != 0 {
		mcfg.MaxMessageEnqueuedTimeSecs = cfg.MaxMessageEnqueuedTimeSecs
	}
	mcfg.MaxMessageProcessingTimeSecs = cfg.MaxMessageProcessingTimeSecs
	if cfg.MaxSendErrorCount != 0 {
		mcfg.MaxSendErrorCount = cfg.MaxSendErrorCount
	}
	mcfg.OnStateChange = cfg.OnStateChange

	inner, err := messenger.Create(mcfg)
	if err != nil {
		return nil, err
	}
	return &Twin{inner: inner, correlationID: correlationID}, nil
}

// CorrelationID returns the "twin:<uuid>" value this Twin was created
// with.
func (t *Twin) CorrelationID() string { return t.correlationID }

// Messenger exposes the underlying messenger.Messenger, e.g. for tests
// that need to drive its transport directly.
func (t *Twin) Messenger() *messenger.Messenger { return t.inner }

// ReportStateAsync builds an AMQP message carrying payload with the
// twin-required message-annotations and forwards it to the underlying
// messenger.
func (t *Twin) ReportStateAsync(payload []byte, onDone func(Result), ctx interface{}) error {
	annotations := map[string]interface{}{
		resourceAnnotation:  resourceValue,
		operationAnnotation: operationValue,
		versionAnnotation:   nil,
	}
	return t.inner.SendAsync(payload, annotations, nil, func(r messenger.Result) {
		if r == messenger.SendOk {
			onDone(Success)
			return
		}
		onDone(Failure)
	}, ctx)
}

// Subscribe is a thin pass-through to the underlying messenger.
func (t *Twin) Subscribe(cb messenger.ReceivedFunc, ctx interface{}) error {
	return t.inner.SubscribeForMessages(cb, ctx)
}

// Unsubscribe is a thin pass-through to the underlying messenger.
func (t *Twin) Unsubscribe() error {
	return t.inner.UnsubscribeForMessages()
}

// Start is a thin pass-through to the underlying messenger.
func (t *Twin) Start(session transport.Session) error {
	return t.inner.Start(session)
}

// Stop is a thin pass-through to the underlying messenger.
func (t *Twin) Stop() error {
	return t.inner.Stop()
}

// Tick is a thin pass-through to the underlying messenger.
func (t *Twin) Tick() {
	t.inner.Tick()
}

// Destroy is a thin pass-through to the underlying messenger.
func (t *Twin) Destroy() {
	t.inner.Destroy()
}

// GetSendStatus delegates to the underlying messenger: it reports Busy
// only while the queue actually holds work, not unconditionally.
func (t *Twin) GetSendStatus() messenger.SendStatus {
	return t.inner.GetSendStatus()
}

// SetOption is a documented no-op: no options are recognized at the twin
// layer. Recognized options belong to the underlying messenger (reach it
// via Messenger().SetOption).
func (t *Twin) SetOption(name string, value interface{}) error {
	return nil
}

// RetrieveOptions is a documented no-op returning an empty blob, for the
// same reason as SetOption.
func (t *Twin) RetrieveOptions() []byte {
	return nil
}
