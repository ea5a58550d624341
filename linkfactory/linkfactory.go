// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package linkfactory synthesizes the link names, source/target addresses
// and attach-property maps an AmqpMessenger needs from a device identity.
// It is pure and stateless with respect to the network: every function is
// a deterministic (given its uuid input) string transformation.
package linkfactory

import (
	"fmt"

	"github.com/google/uuid"
	mapset "github.com/deckarep/golang-set"
)

// Identity describes the device a messenger's links belong to. It is
// immutable for the lifetime of the messenger that holds it.
type Identity struct {
	DeviceID          string
	HostFQDN          string
	DevicesPathFormat string
	SendSuffix        string
	ReceiveSuffix     string
}

// DefaultDevicesPathFormat is used when Identity.DevicesPathFormat is empty.
const DefaultDevicesPathFormat = "%s/devices/%s"

// Link name prefixes, carried over byte-for-byte from the original C
// implementation's MESSAGE_SENDER_LINK_NAME_PREFIX and
// MESSAGE_RECEIVER_LINK_NAME_PREFIX so link names stay recognizable in
// broker traces.
const (
	SenderLinkNamePrefix   = "link-snd"
	ReceiverLinkNamePrefix = "link-rcv"
)

func (id Identity) pathFormat() string {
	if id.DevicesPathFormat == "" {
		return DefaultDevicesPathFormat
	}
	return id.DevicesPathFormat
}

// DevicesPath builds "<host_fqdn>/devices/<device_id>" (or whatever
// DevicesPathFormat directs).
func (id Identity) DevicesPath() string {
	return fmt.Sprintf(id.pathFormat(), id.HostFQDN, id.DeviceID)
}

// SendAddress builds the wire address of the outgoing (device-to-cloud)
// link: "amqps://<devices_path>/<send_suffix>".
func (id Identity) SendAddress() string {
	return linkAddress(id.DevicesPath(), id.SendSuffix)
}

// ReceiveAddress builds the wire address of the incoming (cloud-to-device)
// link: "amqps://<devices_path>/<receive_suffix>".
func (id Identity) ReceiveAddress() string {
	return linkAddress(id.DevicesPath(), id.ReceiveSuffix)
}

func linkAddress(devicesPath, suffix string) string {
	return fmt.Sprintf("amqps://%s/%s", devicesPath, suffix)
}

// Factory generates unique link names and guards against a process ever
// reissuing one, the way the original's uniqueness requirement is stated.
// It is safe to share a single Factory across every messenger in a
// process.
type Factory struct {
	issued mapset.Set
}

// New returns a Factory with no names issued yet.
func New() *Factory {
	return &Factory{issued: mapset.NewSet()}
}

// SenderLinkName returns a fresh, process-unique sender link name of the
// form "link-snd-<device_id>-<uuid>".
func (f *Factory) SenderLinkName(deviceID string) string {
	return f.uniqueName(SenderLinkNamePrefix, deviceID)
}

// ReceiverLinkName returns a fresh, process-unique receiver link name of
// the form "link-rcv-<device_id>-<uuid>".
func (f *Factory) ReceiverLinkName(deviceID string) string {
	return f.uniqueName(ReceiverLinkNamePrefix, deviceID)
}

func (f *Factory) uniqueName(prefix, deviceID string) string {
	for {
		name := fmt.Sprintf("%s-%s-%s", prefix, deviceID, uuid.New().String())
		if f.issued.Add(name) {
			return name
		}
	}
}

// SenderSource derives the symbolic source name for a sender link from its
// link name: "<link_name>-source".
func SenderSource(senderLinkName string) string {
	return senderLinkName + "-source"
}

// ReceiverTarget derives the symbolic target name for a receiver link from
// its link name: "<link_name>-target".
func ReceiverTarget(receiverLinkName string) string {
	return receiverLinkName + "-target"
}

// CloneAttachProperties deep-clones an attach-property map so the core
// never aliases caller-owned maps.
func CloneAttachProperties(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
