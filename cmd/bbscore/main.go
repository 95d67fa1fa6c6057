// Package main — cmd/bbscore/main.go
//
// bbscore messaging core entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/bbscore/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage.
//  4. Sweep expired messages/routes/pending-mail.
//  5. Start Prometheus metrics server (127.0.0.1:9091).
//  6. Build the crypto envelope and load the operator master key.
//  7. Build the transport facade around a TCP development adapter and
//     start its dispatch loop.
//  8. Construct mail/mrp/rap/bsp, wiring the cross-package interfaces.
//  9. Register each protocol engine's HandleFrame as a delivery handler.
// 10. Start the mail delivery loop, MRP retry loop, RAP heartbeat loop,
//     BSP flush loop, and the store sweep ticker as goroutines.
// 11. Register SIGHUP handler for config hot-reload.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every goroutine).
//  2. Wait a fixed 5s grace period for goroutines to observe cancellation.
//  3. Close the store.
//  4. Flush the logger.
//  5. Exit 0.
//
// On store open failure or config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/n8n-radio/bbscore/internal/bsp"
	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/cryptoenv"
	"github.com/n8n-radio/bbscore/internal/mail"
	"github.com/n8n-radio/bbscore/internal/mrp"
	"github.com/n8n-radio/bbscore/internal/observability"
	"github.com/n8n-radio/bbscore/internal/rap"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/bbscore/config.yaml", "Path to config.yaml")
	devAdapterAddr := flag.String("dev-adapter-addr", "", "TCP address of a development transport adapter (leave empty when embedding a production radio adapter)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("bbscore %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("bbscore starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("callsign", cfg.Callsign),
		zap.String("config", *configPath),
	)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("bbolt open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer st.Close() //nolint:errcheck
	log.Info("bbolt opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Sweep expired rows ────────────────────────────────────────
	if result, err := st.Sweep(time.Now().UTC()); err != nil {
		log.Warn("startup sweep failed", zap.Error(err))
	} else {
		log.Info("startup sweep complete",
			zap.Int("messages", result.ExpiredMessages),
			zap.Int("routes", result.ExpiredRoutes),
			zap.Int("pending_mail", result.ExpiredPending),
		)
	}

	// ── Step 5: Prometheus metrics ────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(rootCtx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Crypto envelope + master key ──────────────────────────────
	envelope, err := cryptoenv.New(cryptoenv.KdfParams{
		MemoryKiB: cfg.Crypto.KdfMemoryKiB,
		Passes:    cfg.Crypto.KdfPasses,
		Lanes:     cfg.Crypto.KdfLanes,
	})
	if err != nil {
		log.Fatal("crypto envelope init failed", zap.Error(err))
	}
	masterKey, err := loadMasterKey(cfg.Crypto.MasterKeyPath)
	if err != nil {
		log.Fatal("master key load failed", zap.Error(err), zap.String("path", cfg.Crypto.MasterKeyPath))
	}

	// ── Step 7: Transport facade ──────────────────────────────────────────
	var adapter transport.Adapter
	if *devAdapterAddr != "" {
		adapter = transport.NewTCPAdapter(*devAdapterAddr, cfg.NodeIdentity)
		log.Warn("using development TCP adapter — not a radio transport", zap.String("addr", *devAdapterAddr))
	} else {
		log.Fatal("no transport adapter configured: pass -dev-adapter-addr, or embed a production radio adapter and rebuild")
	}

	facade := transport.New(adapter, transport.Config{
		SendFloor:            cfg.Transport.SendFloor,
		ReconnectBackoffMin:  cfg.Transport.ReconnectBackoffMin,
		ReconnectBackoffMax:  cfg.Transport.ReconnectBackoffMax,
		ReconnectMaxAttempts: cfg.Transport.ReconnectMaxAttempts,
		ReplyContextTTL:      cfg.Transport.ReplyContextTTL,
	}, log)

	go func() {
		if err := facade.Run(rootCtx); err != nil {
			log.Error("transport facade exited", zap.Error(err))
		}
	}()
	go facade.ReplyContexts().RunPruneLoop(rootCtx.Done())

	// ── Step 8: Capability context + protocol engines ─────────────────────
	coreCtx := corecontext.New(cfg, st, facade, envelope, metrics, log)

	mailEngine := mail.New(coreCtx, masterKey, cfg.Callsign)
	rapManager := rap.New(coreCtx, cfg.Callsign)
	mrpRouter := mrp.NewRouter(st, rapManager.Table(), rapManager.IsRoutable)
	mrpEngine := mrp.New(coreCtx, mrpRouter, cfg.Callsign)
	bspEngine := bsp.New(coreCtx, cfg.Callsign)

	mailEngine.SetRemoteDispatcher(mrpEngine)
	mailEngine.SetPendingQueuer(rapManager)
	mrpEngine.SetPendingQueuer(rapManager)
	rapManager.SetRedriver(mrpEngine)

	// ── Step 9: Wire inbound dispatch ──────────────────────────────────────
	facade.OnDelivery(mrpEngine.HandleFrame)
	facade.OnDelivery(rapManager.HandleFrame)
	facade.OnDelivery(bspEngine.HandleFrame)

	// ── Step 10: Background loops ───────────────────────────────────────────
	go mailEngine.RunDeliveryLoop(rootCtx)
	go mrpEngine.RunRetryLoop(rootCtx)
	go rapManager.RunHeartbeatLoop(rootCtx)
	go bspEngine.RunFlushLoop(rootCtx)
	go runStoreSweepLoop(rootCtx, st, cfg.Storage.SweepInterval, log)
	log.Info("background loops started")

	// ── Step 11: SIGHUP hot-reload ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded config replaces the shared pointer; only values
			// components read from coreCtx.Config at use time change. Values
			// copied at startup (engine retry/backoff settings, log level,
			// DB path, adapter config, callsign) keep their startup values.
			coreCtx.Config = newCfg
			log.Info("config hot-reload successful", zap.String("log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 12: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("bbscore shutdown complete")
}

// runStoreSweepLoop periodically removes expired messages/routes/pending
// mail on a fixed tick until ctx is cancelled.
func runStoreSweepLoop(ctx context.Context, st *store.Store, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := st.Sweep(time.Now().UTC()); err != nil {
				log.Warn("store sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// loadMasterKey reads and length-validates the operator master key used to
// seal/unseal per-user data encryption keys.
func loadMasterKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("crypto.master_key_path is required")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	if len(key) != cryptoenv.KeySize {
		return nil, fmt.Errorf("master key at %s: expected %d bytes, got %d", path, cryptoenv.KeySize, len(key))
	}
	return key, nil
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
