// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package devicesim

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"net/http"

	"github.com/enjoygeek/iothub-amqp-messenger/messenger"
	"github.com/enjoygeek/iothub-amqp-messenger/status"
	"github.com/enjoygeek/iothub-amqp-messenger/transport/goamqp"
	"github.com/enjoygeek/iothub-amqp-messenger/twin"
)

// DeviceSimCmd is the main command executed when running devicesim. It
// drives either one messenger.Messenger or, with --twin, one twin.Twin
// against a real AMQP 1.0 endpoint, ticking it on a fixed interval.
var DeviceSimCmd = &cobra.Command{
	Use:   "devicesim",
	Short: "AMQP 1.0 device messenger simulator",
	Long:  `devicesim drives a single device's AmqpMessenger against an AMQP 1.0 endpoint, for manual and integration testing`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ctx = &log.Logger{
			Level:   log.DebugLevel,
			Handler: text.New(os.Stderr),
		}
	},
	Run: runDeviceSim,
}

func runDeviceSim(cmd *cobra.Command, args []string) {
	deviceID := config.GetString("device-id")
	hostFQDN := config.GetString("host-fqdn")
	address := config.GetString("amqp-address")
	username := config.GetString("amqp-username")
	password := config.GetString("amqp-password")
	useTwin := config.GetBool("twin")
	tickInterval := config.GetDuration("tick-interval")
	metricsAddr := config.GetString("metrics-address")

	if hostFQDN == "" || address == "" {
		ctx.Fatal("--host-fqdn and --amqp-address are required")
	}

	deviceCtx := ctx.WithField("DeviceID", deviceID)

	reg := prometheus.NewRegistry()
	statusSrv := status.New(deviceID, reg)

	connOpts := &amqp.ConnOptions{}
	if username != "" {
		connOpts.SASLType = amqp.SASLTypePlain(username, password)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	session, conn, err := goamqp.Dial(dialCtx, address, connOpts)
	cancelDial()
	if err != nil {
		deviceCtx.WithError(err).Fatal("Could not dial AMQP endpoint")
	}
	defer conn.Close()

	onStateChange := func(previous, current messenger.State) {
		deviceCtx.WithField("from", previous.String()).WithField("to", current.String()).Info("Messenger state changed")
		statusSrv.ObserveStateChange(previous, current)
	}

	var tick func()
	var stop func() error

	if useTwin {
		t, err := twin.New(twin.Config{
			DeviceID:      deviceID,
			HostFQDN:      hostFQDN,
			OnStateChange: onStateChange,
		})
		if err != nil {
			deviceCtx.WithError(err).Fatal("Could not create twin")
		}
		if err := t.Start(session); err != nil {
			deviceCtx.WithError(err).Fatal("Could not start twin")
		}
		tick = t.Tick
		stop = t.Stop
		deviceCtx.WithField("CorrelationID", t.CorrelationID()).Info("Twin started")
	} else {
		cfg := messenger.DefaultConfig()
		cfg.DeviceID = deviceID
		cfg.HostFQDN = hostFQDN
		cfg.SendSuffix = "messages/events"
		cfg.ReceiveSuffix = "messages/devicebound"
		cfg.OnStateChange = onStateChange
		m, err := messenger.Create(cfg)
		if err != nil {
			deviceCtx.WithError(err).Fatal("Could not create messenger")
		}
		if err := m.Start(session); err != nil {
			deviceCtx.WithError(err).Fatal("Could not start messenger")
		}
		tick = m.Tick
		stop = m.Stop
	}

	if metricsAddr != "" {
		go serveMetrics(deviceCtx, metricsAddr, reg, statusSrv)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	deviceCtx.Info("Ticking messenger")
	for {
		select {
		case <-ticker.C:
			tick()
		case sig := <-sigChan:
			deviceCtx.WithField("signal", sig).Info("Signal received, stopping")
			if err := stop(); err != nil {
				deviceCtx.WithError(err).Warn("Error stopping messenger")
			}
			return
		}
	}
}

// serveMetrics exposes the Prometheus registry over HTTP and the gRPC
// health service on the listener address's port+1.
func serveMetrics(ctx log.Interface, addr string, reg *prometheus.Registry, statusSrv *status.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			ctx.WithError(err).Warn("Metrics server stopped")
		}
	}()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		ctx.WithError(err).Warn("Could not determine health port")
		return
	}
	healthAddr := net.JoinHostPort(host, incrementPort(port))
	lis, err := net.Listen("tcp", healthAddr)
	if err != nil {
		ctx.WithError(err).Warn("Could not listen for health checks")
		return
	}
	grpcServer := grpc.NewServer()
	statusSrv.Register(grpcServer)
	if err := grpcServer.Serve(lis); err != nil {
		ctx.WithError(err).Warn("Health server stopped")
	}
}

func incrementPort(port string) string {
	n := 0
	fmt.Sscanf(port, "%d", &n)
	return fmt.Sprintf("%d", n+1)
}

func init() {
	DeviceSimCmd.Flags().String("device-id", "", "Device ID to simulate")
	DeviceSimCmd.Flags().String("host-fqdn", "", "IoT Hub host FQDN")
	DeviceSimCmd.Flags().String("amqp-address", "amqp://localhost:5672", "AMQP 1.0 endpoint address")
	DeviceSimCmd.Flags().String("amqp-username", "", "SASL PLAIN username")
	DeviceSimCmd.Flags().String("amqp-password", "", "SASL PLAIN password")
	DeviceSimCmd.Flags().Bool("twin", false, "Run a device-twin messenger instead of a telemetry messenger")
	DeviceSimCmd.Flags().Duration("tick-interval", 200*time.Millisecond, "Interval between cooperative Tick calls")
	DeviceSimCmd.Flags().String("metrics-address", "", "Address to serve Prometheus metrics on (empty disables)")
	DeviceSimCmd.Flags().Bool("watch-config", false, "Reload configuration when the config file changes")
	DeviceSimCmd.Flags().StringVar(&cfgFile, "config", "", "Location of the config file")

	viper.BindPFlags(DeviceSimCmd.Flags())
}
