// SPDX-License-Identifier: AGPL-3.0-or-later
// voicerelay - a real-time UDP voice relay for multi-user voice channels
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

// Package cmd wires the voice relay's root CLI command: config loading,
// logging, tracing, the metrics/pprof servers, the housekeeping scheduler,
// and the relay itself.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/config"
	"github.com/voicerelay/voicerelay/internal/metrics"
	"github.com/voicerelay/voicerelay/internal/pprof"
	"github.com/voicerelay/voicerelay/internal/pubsub"
	"github.com/voicerelay/voicerelay/internal/tracing"
	"github.com/voicerelay/voicerelay/internal/voice/events"
	"github.com/voicerelay/voicerelay/internal/voice/relay"
)

// NewCommand constructs the root cobra command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "voicerelay",
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
	fmt.Printf("voicerelay - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogger(cfg)

	cleanup, err := tracing.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		const timeout = 5 * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	if err := metrics.CreateMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := pprof.CreatePProfServer(cfg); err != nil {
		return fmt.Errorf("failed to start pprof server: %w", err)
	}

	m := metrics.NewMetrics()
	buffered := events.NewBufferedSink()
	defer buffered.Close()

	// The pubsub-backed sink lets other relay instances (or an external
	// observability process) consume the same event stream cross-process:
	// in-memory for a single instance, Redis pub/sub across instances when
	// cfg.Redis.Enabled. Combined with the in-process BufferedSink via
	// MultiSink so local dev tooling (the websocket sink, tests) keeps
	// working unchanged.
	ps, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			slog.Error("failed to close pubsub client", "error", err)
		}
	}()

	sink := events.MultiSink{buffered, events.NewPubSubSink(ps, "")}

	// StaticVerifier/StaticOracle are the bundled reference collaborators
	// (internal/auth), suitable for a single-process deployment with a
	// fixed roster; a production deployment injects its own
	// CredentialVerifier/MembershipOracle backed by whatever issues and
	// administers credentials (spec.md §1's external-collaborator
	// boundary), which this binary does not implement.
	verifier := auth.NewStaticVerifier()
	oracle := auth.NewStaticOracle()

	r, err := relay.New(ctx, cfg, verifier, oracle, sink, m)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Relay.HousekeepingInterval),
		gocron.NewTask(func() { r.Housekeep(time.Now()) }),
	); err != nil {
		return fmt.Errorf("failed to schedule housekeeping job: %w", err)
	}
	scheduler.Start()

	// errgroup supervises the relay's receive/fan-out loops alongside the
	// scheduler's lifecycle, so that an unexpected exit from either
	// propagates rather than leaving the other half of the system running
	// unsupervised.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if err := scheduler.Shutdown(); err != nil {
			return fmt.Errorf("failed to stop scheduler: %w", err)
		}
		return nil
	})

	waitForShutdownSignal(ctx, r)

	return g.Wait()
}

// setupLogger configures the structured logger.
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
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

// waitForShutdownSignal blocks until an OS signal is received, then stops
// the relay so that Start's errgroup unblocks. It bounds the shutdown on a
// fixed timeout the way the teacher's cmd/root.go does.
func waitForShutdownSignal(ctx context.Context, r *relay.Relay) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	sig := <-sigCh
	slog.Error("shutting down due to signal", "signal", sig)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		const timeout = 10 * time.Second
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := r.Stop(stopCtx); err != nil {
			slog.Error("failed to stop relay", "error", err)
		}
	}()

	const timeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		slog.Info("relay stopped, shutting down gracefully")
	case <-time.After(timeout):
		slog.Error("shutdown timed out")
	}
}
