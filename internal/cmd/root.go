// SPDX-License-Identifier: AGPL-3.0-or-later
// CallSeal - Authenticate both ends of a voice call before the phone rings
// Copyright (C) 2025-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/USA-RedDragon/CallSeal>

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/auth"
	"github.com/USA-RedDragon/CallSeal/internal/config"
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/USA-RedDragon/CallSeal/internal/metrics"
	"github.com/USA-RedDragon/CallSeal/internal/pprof"
	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// NewCommand creates the root command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "CallSeal",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("CallSeal - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return fmt.Errorf("failed to get config from context: %w", err)
	}
	cfg, err := c.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	}
	slog.SetDefault(logger)

	if cfg.Metrics.OTLPEndpoint != "" {
		cleanup := initTracer(cfg)
		defer func() {
			if err := cleanup(ctx); err != nil {
				slog.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}
	g := new(errgroup.Group)
	g.Go(func() error { return metrics.CreateMetricsServer(cfg) })
	g.Go(func() error { return pprof.CreatePProfServer(cfg) })
	go func() {
		if err := g.Wait(); err != nil {
			slog.Error("Auxiliary server failed", "error", err)
		}
	}()

	subscriber, err := loadSubscriber(cfg)
	if err != nil {
		return fmt.Errorf("failed to load subscriber credential: %w", err)
	}
	if !subscriber.VerifyCredential() {
		return fmt.Errorf("subscriber credential failed verification")
	}
	slog.Info("Subscriber credential loaded", "phone", subscriber.Phone, "tickets", subscriber.TicketsRemaining())

	relayClient := relay.NewClient()
	defer func() {
		if err := relayClient.Close(); err != nil {
			slog.Error("Failed to close relay client", "error", err)
		}
	}()

	authService := auth.NewService(cfg, subscriber, relayClient)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(
			gocron.NewAtTime(0, 0, 0),
		)),
		gocron.NewTask(func() {
			warnOnExpiry(subscriber)
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule credential expiry check", "error", err)
	}
	scheduler.Start()
	warnOnExpiry(subscriber)

	slog.Info("CallSeal ready", "relay", fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port))

	stop := func(sig os.Signal) {
		slog.Info("Shutting down", "signal", sig)
		authService.EndCallCleanup()
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}
	defer stop(syscall.SIGINT)

	shutdown.AddWithParam(stop)
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	return nil
}

func loadSubscriber(cfg *config.Config) (*identity.SubscriberConfig, error) {
	if cfg.Credential.File != "" {
		return identity.LoadFile(cfg.Credential.File)
	}
	return identity.LoadEnv(cfg.Credential.Env)
}

const expiryWarningWindow = 30 * 24 * time.Hour

// warnOnExpiry logs when the credential expiry marker is a parseable date
// inside the warning window. The marker is opaque to the protocol itself.
func warnOnExpiry(sub *identity.SubscriberConfig) {
	exp, err := time.Parse("2006-01-02", string(sub.Expiration))
	if err != nil {
		return
	}
	until := time.Until(exp)
	switch {
	case until < 0:
		slog.Error("Subscriber credential is expired, re-enroll", "expired", sub.Expiration)
	case until < expiryWarningWindow:
		slog.Warn("Subscriber credential expires soon, re-enroll", "expires", sub.Expiration)
	}
}

func initTracer(config *config.Config) func(context.Context) error {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		slog.Error("Failed to create trace exporter", "error", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "CallSeal"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		slog.Error("Could not set resources", "error", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
