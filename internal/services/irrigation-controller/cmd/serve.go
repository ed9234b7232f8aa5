package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/infrastructure/logging"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/event"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/inference"
	controller "github.com/LeonardoBeccarini/smart_irrigation/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/telemetry"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/dedup"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run telemetry ingestion, decision dispatch and schedule reconciliation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(a.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	broker := cfg.Broker
	broker.ClientID = broker.ClientID + "-" + uuid.NewString()[:8]
	broker.OrderMatters = false
	mqttClient, err := rabbitmq.NewRabbitMQConn(&broker, ctx)
	if err != nil {
		return err
	}
	publisher := rabbitmq.NewPublisher(mqttClient, "")

	var (
		sink       *event.Sink
		querier    event.Querier
		decisions  telemetry.DecisionRecorder
		readings   telemetry.ReadingRecorder
		pumpStates controller.PumpStateRecorder
	)
	if cfg.Influx.Enabled() {
		influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()
		sink = event.NewSink(influx.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket), logging.Component(ctx, "influx"))
		defer sink.Flush()
		querier = influx.QueryAPI(cfg.Influx.Org)
		decisions, readings, pumpStates = sink, sink, sink
	} else {
		a.log.Info().Msg("INFLUX_URL not set, time-series mirror disabled")
	}

	adapter := inference.Load(cfg.ClassifierPath, logging.Component(ctx, "classifier"))
	dispatcher := telemetry.NewDispatcher(adapter, publisher, cfg.TopicBase, cfg.DecisionTopic, decisions, logging.Component(ctx, "dispatcher"))

	ingestion := telemetry.NewService(store, telemetry.NewTracker(cfg.SensorTimeout), dispatcher,
		telemetry.WithConsumer(rabbitmq.NewConsumer(mqttClient, cfg.TopicBase+"/+/sensors", nil)),
		telemetry.WithDeduper(dedup.New(cfg.DedupTTL, 20000)),
		telemetry.WithReadingRecorder(readings),
		telemetry.WithDerivedGateMeasurements(cfg.DeriveGateMeasurements),
		telemetry.WithSweepInterval(cfg.SweepInterval),
		telemetry.WithStoreTimeout(cfg.StoreTimeout),
		telemetry.WithLogger(logging.Component(ctx, "ingestion")),
	)

	notifier := controller.NewStatePublisher(publisher, cfg.TopicBase, cfg.PumpStateTopic, pumpStates, logging.Component(ctx, "pump-state"))
	reconciler := controller.NewReconciler(store,
		controller.NewGate(controller.Thresholds{Humidity: cfg.HumidityThreshold, Rainfall: cfg.RainfallThreshold}),
		controller.WithInterval(cfg.TickInterval),
		controller.WithStoreTimeout(cfg.StoreTimeout),
		controller.WithLocation(cfg.Location),
		controller.WithNotifier(notifier),
		controller.WithLogger(logging.Component(ctx, "reconciler")),
	)

	probe := event.NewProbe(mqttClient, store, adapter, sink, 30*time.Second)
	hs := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: event.NewRouter(event.RouterConfig{
			Probe:     probe,
			Sensors:   ingestion.Tracker(),
			Decisions: querier,
			Bucket:    cfg.Influx.Bucket,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv, healthSrv := event.NewGRPCHealthServer()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { ingestion.Start(ctx) })
	run(func() { reconciler.Start(ctx) })
	run(func() { event.WatchHealth(ctx, probe, healthSrv, 5*time.Second, logging.Component(ctx, "health")) })
	go func() {
		a.log.Info().Int("port", cfg.HTTPPort).Msg("HTTP listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()
	go func() {
		a.log.Info().Int("port", cfg.GRPCPort).Msg("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			a.log.Error().Err(err).Msg("grpc server error")
		}
	}()

	<-ctx.Done()
	a.log.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
	grpcSrv.GracefulStop()

	// the reconciler finishes its in-flight schedule before returning
	wg.Wait()
	return nil
}
