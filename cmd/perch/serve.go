package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/perchlabs/perch"
	"github.com/perchlabs/perch/internal/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a runtime node until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("registry-mode", "local", "local or distributed")
	serveCmd.Flags().String("redis", "", "redis address (distributed mode)")
	serveCmd.Flags().String("nats", "", "NATS URL (distributed mode)")
	serveCmd.Flags().String("node-id", "", "stable node identity (default: generated)")
	serveCmd.Flags().String("scheduler", "poll", "poll or external_job")
	serveCmd.Flags().Duration("polling-interval", 30*time.Second, "alarm poll interval")
	serveCmd.Flags().Duration("claim-ttl", 60*time.Second, "alarm claim TTL")
	serveCmd.Flags().Bool("telemetry-stdout", false, "export otel spans and metrics to stdout")
	for _, name := range []string{
		"registry-mode", "redis", "nats", "node-id", "scheduler",
		"polling-interval", "claim-ttl", "telemetry-stdout",
	} {
		_ = viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if viper.GetBool("telemetry-stdout") {
		shutdown, err := setupStdoutTelemetry()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := perch.Open(ctx, perch.Options{
		StoreDSN:        viper.GetString("store"),
		Prefix:          viper.GetString("prefix"),
		RegistryMode:    viper.GetString("registry-mode"),
		RedisAddr:       viper.GetString("redis"),
		NATSURL:         viper.GetString("nats"),
		NodeID:          viper.GetString("node-id"),
		Scheduler:       runtime.SchedulerKind(viper.GetString("scheduler")),
		PollingInterval: viper.GetDuration("polling-interval"),
		ClaimTTL:        viper.GetDuration("claim-ttl"),
		Logger:          log,
	})
	if err != nil {
		return err
	}

	log.Info("node running",
		zap.String("registry_mode", viper.GetString("registry-mode")),
		zap.String("scheduler", viper.GetString("scheduler")))
	<-ctx.Done()
	log.Info("shutting down")
	return rt.Close()
}

func setupStdoutTelemetry() (func(), error) {
	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second))))
	otel.SetMeterProvider(mp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	}, nil
}
