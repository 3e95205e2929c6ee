// SPDX-License-Identifier: GPL-3.0-or-later
// Saturn - HPSDR Protocol 2 gateway for the Saturn SDR
// Copyright (C) 2024-2026 Laurence Barker G8NJJ
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/kd4yal2024/Saturn>

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/kd4yal2024/Saturn/internal/config"
	"github.com/kd4yal2024/Saturn/internal/fpga"
	"github.com/kd4yal2024/Saturn/internal/http"
	"github.com/kd4yal2024/Saturn/internal/metrics"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/ddciq"
	"github.com/kd4yal2024/Saturn/internal/p2/micaudio"
	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
	"github.com/kd4yal2024/Saturn/internal/p2/sockets"
	"github.com/kd4yal2024/Saturn/internal/pprof"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "saturnd",
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
	fmt.Printf("Saturn - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	startBackgroundServices(cfg)

	profile, err := config.LoadRadioProfile(cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to load radio profile: %w", err)
	}

	device, err := fpga.Open(fpga.Config{
		DDCStreamPath: cfg.Devices.DDCStream,
		MicStreamPath: cfg.Devices.MicStream,
		RegisterPath:  cfg.Devices.Registers,
	})
	if err != nil {
		return fmt.Errorf("failed to open FPGA: %w", err)
	}
	defer func() {
		if err := device.Close(); err != nil {
			slog.Error("Failed to close FPGA", "error", err)
		}
	}()

	registry, err := openSockets(cfg, profile)
	if err != nil {
		return err
	}
	defer registry.CloseAll()

	state := &p2.State{}
	m := metrics.NewMetrics()

	ddcPipeline, err := ddciq.New(device, &registryProvider{registry}, state, m)
	if err != nil {
		return fmt.Errorf("failed to create DDC pipeline: %w", err)
	}

	micSocket, err := registry.Stream(p2const.StreamMic)
	if err != nil {
		return fmt.Errorf("failed to look up mic socket: %w", err)
	}
	micPipeline, err := micaudio.New(device, micSocket.Conn(), registry.ReplyAddr, state, m)
	if err != nil {
		return fmt.Errorf("failed to create mic pipeline: %w", err)
	}

	httpServer := http.MakeServer(cfg, state, ddcPipeline, registry,
		cmd.Annotations["version"], cmd.Annotations["commit"])
	if cfg.HTTP.Enabled {
		httpServer.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			httpServer.Stop(stopCtx)
		}()
	}

	scheduler, err := setupStatsJob(ddcPipeline, state)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ddcPipeline.Run(runCtx) })
	g.Go(func() error { return micPipeline.Run(runCtx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		slog.Error("Shutting down due to signal", "signal", sig)
		cancel()
		time.AfterFunc(shutdownTimeout, func() {
			slog.Error("Shutdown timed out, forcing exit")
			os.Exit(1)
		})
	}()

	slog.Info("Gateway ready", "ddcPorts", profile.DDCPorts, "micPort", profile.MicPort)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stream pipeline failed: %w", err)
	}
	return nil
}

// loadConfig loads the configuration from context
func loadConfig(ctx context.Context) (*config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger configures the structured logger
func setupLogger(cfg *config.Config) {
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
	default:
		// Fall back to info level for unrecognized log levels
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// setupTracing initializes OpenTelemetry tracing if configured.
// When tracing is not configured it returns a no-op cleanup function.
func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Metrics.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return initTracer(cfg)
}

// startBackgroundServices starts metrics and pprof servers
func startBackgroundServices(cfg *config.Config) {
	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()
	go pprof.CreatePProfServer(cfg)
}

// openSockets binds every stream socket and records the reply address.
func openSockets(cfg *config.Config, profile config.RadioProfile) (*sockets.Registry, error) {
	registry, err := sockets.NewRegistry(cfg.Network.Bind)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket registry: %w", err)
	}
	for ddc, port := range profile.DDCPorts {
		if err := registry.Open(ddc, port); err != nil {
			registry.CloseAll()
			return nil, err
		}
	}
	if err := registry.Open(p2const.StreamMic, profile.MicPort); err != nil {
		registry.CloseAll()
		return nil, err
	}

	ips, err := net.LookupIP(cfg.Network.ReplyHost)
	if err != nil || len(ips) == 0 {
		registry.CloseAll()
		return nil, fmt.Errorf("failed to resolve reply host %q: %w", cfg.Network.ReplyHost, err)
	}
	registry.SetReplyAddr(&net.UDPAddr{IP: ips[0], Port: cfg.Network.ReplyPort})
	return registry, nil
}

// setupStatsJob schedules a periodic log line with the pipeline counters.
func setupStatsJob(pipeline *ddciq.Pipeline, state *p2.State) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	const statsInterval = 30 * time.Second
	_, err = scheduler.NewJob(
		gocron.DurationJob(statsInterval),
		gocron.NewTask(func() {
			snap := pipeline.Snapshot()
			slog.Info("DDC pipeline stats",
				"state", snap.State,
				"fifoDepthWords", snap.FIFODepthWords,
				"packetsSent", snap.PacketsSent,
				"overflows", state.FIFOOverflows.Load(),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule stats job: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

// registryProvider adapts the socket registry to the DDC pipeline's view.
type registryProvider struct {
	registry *sockets.Registry
}

func (p *registryProvider) DDCConn(ddc int) ddciq.PacketConn {
	sock, err := p.registry.Stream(ddc)
	if err != nil {
		return nil
	}
	conn := sock.Conn()
	if conn == nil {
		return nil
	}
	return conn
}

func (p *registryProvider) ApplyPortChanges() error {
	return p.registry.ApplyPortChanges()
}

func (p *registryProvider) ReplyAddr() *net.UDPAddr {
	return p.registry.ReplyAddr()
}

func (p *registryProvider) SetDDCActive(ddc int, active bool) {
	sock, err := p.registry.Stream(ddc)
	if err != nil {
		return
	}
	sock.Active.Store(active)
}

func initTracer(config *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "saturn"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resources: %w", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown, nil
}
