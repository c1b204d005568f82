package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/changelog"
	_ "github.com/maxpert/fanout/changelog/source"
	"github.com/maxpert/fanout/delivery"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/engine"
	"github.com/maxpert/fanout/gateway"
	"github.com/maxpert/fanout/notify"
	"github.com/maxpert/fanout/processor"
	"github.com/maxpert/fanout/registry"
	"github.com/maxpert/fanout/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway and the change-log worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return serve()
	},
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func serve() error {
	c := cfg.Config

	log.Info().Msg("Fanout - change-driven subscription delivery")
	telemetry.InitializeTelemetry()

	// Subscriber registry
	store, err := registry.Open(c.Registry.Type, cfg.RegistryPath(), c.Registry.PageSize)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	eng, err := engine.New(store, c.Engine.CacheSize)
	if err != nil {
		return err
	}

	hub, err := gateway.NewHub(gateway.Config{
		Connections:    store,
		Engine:         eng,
		Endpoint:       strconv.FormatUint(c.NodeID, 10),
		WriteTimeout:   ms(c.Gateway.WriteTimeoutMS),
		AllowedOrigins: c.Gateway.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	// Delivery: straight to local sockets, or over NATS to whichever node
	// holds the connection
	var sender dispatch.Sender = hub
	if c.Delivery.Type == cfg.DeliveryNATS {
		nc, err := nats.Connect(c.Delivery.NatsURL, nats.Name(fmt.Sprintf("fanout-%d", c.NodeID)))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Close()

		if err := hub.ServeNATS(nc, c.Delivery.SubjectPrefix); err != nil {
			return err
		}
		sender = delivery.NewNatsSenderWithConn(nc, c.Delivery.SubjectPrefix, ms(c.Delivery.TimeoutMS))
		log.Info().Str("prefix", c.Delivery.SubjectPrefix).Msg("Delivering through NATS")
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{Registry: store, Engine: eng, Sender: sender})
	if err != nil {
		return err
	}
	proc, err := processor.New(processor.Config{Dispatcher: dispatcher, FilterEvents: c.ChangeLog.FilterEvents})
	if err != nil {
		return err
	}

	// Change log and its consumer
	signals := notify.NewHub()
	changeLog, err := changelog.OpenLog(c.DataDir, signals)
	if err != nil {
		return err
	}
	defer changeLog.Close()

	src, err := changelog.NewSource(c.ChangeLog.Type, changelog.SourceDeps{Config: c, Log: changeLog})
	if err != nil {
		return err
	}
	defer src.Close()

	wake, cancelWake := signals.Subscribe(notify.Filter{Topics: []string{changelog.Topic}})
	defer cancelWake()

	worker, err := changelog.NewWorker(changelog.WorkerConfig{
		Source:          src,
		Handler:         proc,
		Wake:            wake,
		BatchSize:       c.ChangeLog.BatchSize,
		PollInterval:    ms(c.ChangeLog.PollIntervalMS),
		RetryInitial:    ms(c.ChangeLog.RetryInitialMS),
		RetryMax:        ms(c.ChangeLog.RetryMaxMS),
		RetryMultiplier: c.ChangeLog.RetryMultiplier,
	})
	if err != nil {
		return err
	}
	worker.Start()
	defer worker.Stop()

	if c.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(changeLog, ms(c.Prometheus.CollectIntervalMS))
		collector.Start()
		defer collector.Stop()
	}

	// HTTP surface. Events are only accepted locally when the local log is
	// the consumed source.
	routes := gateway.RouterConfig{
		Hub:     hub,
		Path:    c.Gateway.Path,
		Metrics: telemetry.GetMetricsHandler(),
	}
	if c.ChangeLog.Type == cfg.SourceLog {
		routes.Events = changeLog
	}

	addr := net.JoinHostPort(c.Gateway.BindAddress, strconv.Itoa(c.Gateway.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           gateway.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Str("path", c.Gateway.Path).Msg("Gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Gateway failed")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown did not complete")
	}
	return nil
}
