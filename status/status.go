// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status is the ambient metrics and health surface for a running
// messenger: Prometheus counters/gauges for queue depth, state
// transitions and send failures, plus a minimal gRPC health service
// reporting the messenger's current messenger.State. A single struct is
// registered against a *grpc.Server and fed by a handful of counter
// methods as the messenger runs.
package status

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/enjoygeek/iothub-amqp-messenger/messenger"
)

// Server is a status surface for one Messenger. It holds the Prometheus
// collectors and implements grpc_health_v1.HealthServer so it can be
// registered directly on a *grpc.Server.
type Server struct {
	deviceID string

	queueDepth       prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	sendFailures     prometheus.Counter
	sendSuccesses    prometheus.Counter

	state messenger.State
}

// New returns a Server for the given device id, registering its
// collectors with reg (pass prometheus.DefaultRegisterer to use the
// global registry).
func New(deviceID string, reg prometheus.Registerer) *Server {
	s := &Server{
		deviceID: deviceID,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amqp_messenger",
			Name:        "queue_depth",
			Help:        "Number of pending and in-flight items in the send queue.",
			ConstLabels: prometheus.Labels{"device_id": deviceID},
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amqp_messenger",
			Name:        "state_transitions_total",
			Help:        "Number of MessengerState transitions, by target state.",
			ConstLabels: prometheus.Labels{"device_id": deviceID},
		}, []string{"state"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "amqp_messenger",
			Name:        "send_failures_total",
			Help:        "Number of send completions reporting FailSending or TimeoutError.",
			ConstLabels: prometheus.Labels{"device_id": deviceID},
		}),
		sendSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "amqp_messenger",
			Name:        "send_successes_total",
			Help:        "Number of send completions reporting SendOk.",
			ConstLabels: prometheus.Labels{"device_id": deviceID},
		}),
	}
	if reg != nil {
		reg.MustRegister(s.queueDepth, s.stateTransitions, s.sendFailures, s.sendSuccesses)
	}
	return s
}

// ObserveStateChange is wired as a messenger.StateChangeFunc (or called
// from one) to keep both the metrics and the gRPC health view current.
func (s *Server) ObserveStateChange(previous, current messenger.State) {
	s.state = current
	s.stateTransitions.WithLabelValues(current.String()).Inc()
}

// ObserveSendResult records the outcome of one SendAsync completion.
func (s *Server) ObserveSendResult(r messenger.Result) {
	switch r {
	case messenger.SendOk:
		s.sendSuccesses.Inc()
	case messenger.FailSending, messenger.TimeoutError:
		s.sendFailures.Inc()
	}
}

// SetQueueDepth updates the queue-depth gauge with a depth the caller
// supplies. This module does not poll on its own, and Messenger itself
// reports only Idle or Busy through GetSendStatus, not a depth.
func (s *Server) SetQueueDepth(depth int) {
	s.queueDepth.Set(float64(depth))
}

// Register registers this Server as a grpc_health_v1.HealthServer on srv.
func (s *Server) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, s)
}

// Check implements grpc_health_v1.HealthServer. It reports SERVING iff the
// messenger is in messenger.Started, NOT_SERVING otherwise (Stopped,
// Starting, Stopping and Error all mean "not ready to carry traffic").
func (s *Server) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s.state == messenger.Started {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
}

// Watch implements grpc_health_v1.HealthServer. Streaming health watches
// are not supported by this minimal surface.
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
