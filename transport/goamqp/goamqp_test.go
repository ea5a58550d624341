// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package goamqp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/enjoygeek/iothub-amqp-messenger/transport"
)

var addr string

func init() {
	addr = os.Getenv("AMQP_ADDRESS")
	if addr == "" {
		addr = "amqp://localhost:5672"
	}
}

func TestToTransportMessage(t *testing.T) {
	Convey("Given a go-amqp Message with data, annotations and properties", t, func() {
		wire := &amqp.Message{
			Data:        [][]byte{[]byte("payload")},
			Annotations: amqp.Annotations{"resource": "/x", "version": nil},
			ApplicationProperties: map[string]interface{}{
				"k": "v",
			},
		}

		Convey("toTransportMessage carries the body and both property bags over", func() {
			out := toTransportMessage(wire)
			So(string(out.Data), ShouldEqual, "payload")
			So(out.Annotations["resource"], ShouldEqual, "/x")
			So(out.ApplicationProperties["k"], ShouldEqual, "v")
		})
	})
}

func TestDialAndCreateLinks(t *testing.T) {
	Convey("Given a reachable broker", t, func(c C) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		sess, conn, err := Dial(ctx, addr, nil)
		if err != nil {
			c.Printf("\nskipping: could not dial %s: %v", addr, err)
			return
		}
		defer conn.Close()

		Convey("A sender and receiver can be created against the same queue", func() {
			var opened []transport.LinkState
			snd, err := sess.NewSender(ctx, transport.SenderConfig{
				LinkName: "test-snd",
				Target:   "test-queue",
				OnStateChange: func(prev, cur transport.LinkState) {
					opened = append(opened, cur)
				},
			})
			So(err, ShouldBeNil)
			defer snd.Close(ctx)

			rcv, err := sess.NewReceiver(ctx, transport.ReceiverConfig{
				LinkName:        "test-rcv",
				Source:          "test-queue",
				SettleModeFirst: true,
			})
			So(err, ShouldBeNil)
			defer rcv.Close(ctx)
		})
	})
}
