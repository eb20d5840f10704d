// Package main — cmd/stem/main.go
//
// Stem runtime entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/stem/config.yaml.
//  2. Initialise structured logger (zap, level/format from config).
//  3. Open BoltDB storage (if enabled). Stale ledger entries are pruned
//     later, by the Ledger's per-cycle reap step, not here.
//  4. Restore cognition state from storage, if any was persisted.
//  5. Construct Ledger, Continuity, Spine, Ingress, Stem.
//  6. Dial configured body endpoints and register them with Spine.
//  7. Start the Prometheus metrics server (if enabled).
//  8. Start the operator control socket (if enabled).
//  9. Run the Stem loop in its own goroutine.
// 10. Block on SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM, or the loop's own goroutine
// returning):
//  1. On a signal only: close the ingress gate and force-enqueue the
//     terminal Sleep sense.
//  2. Await the loop goroutine's return.
//  3. Close storage, flush the logger.
//  4. Exit 0, or 1 if the loop returned a non-nil error.
//
// On config validation failure, or a fatal storage/logger init error:
// exit 1 immediately (no partial state).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stemrun/stem/internal/bodywire"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/config"
	"github.com/stemrun/stem/internal/continuity"
	"github.com/stemrun/stem/internal/cortex"
	"github.com/stemrun/stem/internal/ingress"
	"github.com/stemrun/stem/internal/ledger"
	"github.com/stemrun/stem/internal/observability"
	"github.com/stemrun/stem/internal/operator"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spine"
	"github.com/stemrun/stem/internal/stem"
	"github.com/stemrun/stem/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/stem/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("stem %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ─────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("stem starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Storage ────────────────────────────────────────────────────
	var db *storage.DB
	if cfg.Storage.Enabled {
		db, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		}
		defer db.Close() //nolint:errcheck
		log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))
	} else {
		log.Info("storage disabled; running with in-memory state only")
	}

	// ── Step 4: Restore cognition state ────────────────────────────────────
	initialCognition := cognition.Zero()
	if db != nil {
		if rec, found, err := db.GetCognition(); err != nil {
			log.Warn("cognition state restore failed, starting from zero", zap.Error(err))
		} else if found {
			var frames []cognition.GoalFrame
			if err := json.Unmarshal(rec.GoalStack, &frames); err != nil {
				log.Warn("cognition goal stack decode failed, starting from zero", zap.Error(err))
			} else {
				initialCognition = cognition.State{Revision: rec.Revision, GoalStack: frames}
				log.Info("cognition state restored", zap.Uint64("revision", rec.Revision))
			}
		}
	}

	// ── Step 5: Construct collaborators ────────────────────────────────────
	metrics := observability.NewMetrics()

	ledgerCfg := ledger.Config{
		FloorMicro:      cfg.Ledger.FloorMicro,
		ReservationTTL:  cfg.Ledger.ReservationTTL,
		RetentionCycles: cfg.Ledger.RetentionCycles,
	}
	led := ledger.New(ledgerCfg, cfg.Ledger.OpeningBalanceMicro, db).WithMetrics(metrics)

	cont := continuity.New(initialCognition, db)

	sp := spine.New(log)

	queue := ingress.New(cfg.Loop.SenseQueueCapacity, log)

	orchestrator := stem.New(queue, cortex.Noop, cont, led, sp, log).WithMetrics(metrics)

	// ── Step 6: Dial configured body endpoints ─────────────────────────────
	var dialedClients []*bodywire.Client
	for _, ep := range cfg.Spine.Endpoints {
		client, err := dialEndpoint(ep)
		if err != nil {
			log.Error("body endpoint dial failed, continuing without it",
				zap.String("endpoint_id", ep.EndpointID), zap.String("addr", ep.DialAddr), zap.Error(err))
			continue
		}
		dialedClients = append(dialedClients, client)
		sp.RegisterEndpoint(&spine.Endpoint{
			EndpointID:   ep.EndpointID,
			Client:       client,
			Capabilities: make(map[string]sense.CapabilityDescriptor),
		})
		log.Info("body endpoint registered", zap.String("endpoint_id", ep.EndpointID), zap.String("addr", ep.DialAddr))
	}
	defer func() {
		for _, c := range dialedClients {
			_ = c.Close()
		}
	}()

	// ── Step 7: Metrics server ──────────────────────────────────────────────
	if cfg.Observability.Enabled {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	// ── Step 8: Operator socket ─────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, orchestrator, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 9: Run the loop ────────────────────────────────────────────────
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orchestrator.Run(ctx)
	}()

	// ── Step 10: Wait for shutdown signal or loop exit ──────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Loop.ShutdownTimeout)
		if err := stem.Shutdown(shutdownCtx, queue); err != nil {
			log.Warn("ingress shutdown did not complete cleanly", zap.Error(err))
		}
		shutdownCancel()

		select {
		case runErr = <-runErrCh:
		case <-time.After(cfg.Loop.ShutdownTimeout):
			log.Warn("stem loop did not exit before shutdown timeout, cancelling context")
			cancel()
			runErr = <-runErrCh
		}
	case runErr = <-runErrCh:
		log.Info("stem loop exited on its own")
	}

	cancel()

	if runErr != nil {
		log.Error("stem loop returned an error", zap.Error(runErr))
		log.Info("stem shutdown complete (with error)")
		// os.Exit skips deferred calls, so close storage and flush the
		// logger here.
		if db != nil {
			_ = db.Close()
		}
		_ = log.Sync()
		os.Exit(1)
	}

	log.Info("stem shutdown complete")
}

func dialEndpoint(ep config.SpineEndpointConfig) (*bodywire.Client, error) {
	// TLS is not yet wired from config; production deployments dial
	// over a trusted network boundary (mTLS terminates at the mesh
	// sidecar) until per-endpoint cert paths are added to SpineEndpointConfig.
	return bodywire.Dial(ep.DialAddr, nil)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
