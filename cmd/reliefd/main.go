package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reliefchain/config"
	"reliefchain/core/events"
	"reliefchain/core/genesis"
	"reliefchain/core/types"
	"reliefchain/native/audit"
	"reliefchain/native/common"
	"reliefchain/native/governance"
	"reliefchain/native/ledger"
	"reliefchain/native/policy"
	"reliefchain/native/registry"
	"reliefchain/native/risk"
	"reliefchain/observability/logging"
	"reliefchain/observability/metrics"
	"reliefchain/observability/otel"
	"reliefchain/rpc"
	"reliefchain/state"
	"reliefchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis seed file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	logger := logging.Setup("reliefd", cfg.NetworkName, logging.Options{
		Level:      cfg.Telemetry.LogLevel,
		Format:     cfg.Telemetry.LogFormat,
		File:       cfg.Telemetry.LogFile,
		MaxSizeMB:  cfg.Telemetry.LogMaxSize,
		MaxAgeDays: cfg.Telemetry.LogMaxAge,
		Backups:    cfg.Telemetry.LogBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(ctx, otel.Config{
		ServiceName: "reliefd",
		Network:     cfg.NetworkName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	locks := common.NewLockTable(time.Duration(cfg.Policy.LockWaitMillis) * time.Millisecond)

	notifications := events.NewChannelEmitter(256)
	emitter := events.MultiEmitter{
		notifications,
		metrics.NewEventObserver(),
	}
	go drainEvents(ctx, notifications, logger)

	l := ledger.NewLedger()
	l.SetState(manager)
	l.SetLockTable(locks)
	l.SetEmitter(emitter)

	reg := registry.NewRegistry()
	reg.SetState(manager)
	reg.SetEmitter(emitter)
	reg.SetPowerRatio(big.NewInt(cfg.Policy.PowerRatio))

	engine := policy.NewEngine(l, reg, locks)
	engine.SetEmitter(emitter)

	riskEngine := risk.NewEngine(risk.Config{
		ShortWindow:     time.Duration(cfg.Risk.ShortWindowMinutes) * time.Minute,
		LongWindow:      time.Duration(cfg.Risk.LongWindowHours) * time.Hour,
		BurstThreshold:  cfg.Risk.BurstThreshold,
		MinSampleCount:  cfg.Risk.MinSampleCount,
		MinHistoryCount: cfg.Risk.MinHistoryCount,
		FlagHigh:        cfg.Risk.FlagHigh,
	})
	riskEngine.SetDirectory(reg)
	riskEngine.SetEmitter(emitter)
	engine.SetRiskObserver(riskEngine)

	auditLog := audit.NewLog()
	auditLog.SetState(manager)
	engine.SetAuditor(meteredAuditor{log: auditLog})

	gov := governance.NewEngine()
	gov.SetState(manager)
	gov.SetLockTable(locks)
	gov.SetPowerSource(reg)
	gov.SetDirectory(reg)
	gov.SetEmitter(emitter)
	gov.SetPolicy(governance.ProposalPolicy{
		VotingPeriod:  time.Duration(cfg.Governance.VotingPeriodHours) * time.Hour,
		QuorumBps:     cfg.Governance.QuorumBps,
		AllowedFields: cfg.Governance.AllowedFields,
	})

	genesisPath := cfg.GenesisFile
	if *genesisFlag != "" {
		genesisPath = *genesisFlag
	}
	if genesisPath != "" {
		doc, err := genesis.Load(genesisPath)
		if err != nil {
			logger.Error("Failed to load genesis seed", slog.Any("error", err))
			os.Exit(1)
		}
		if err := doc.Apply(reg, engine); err != nil {
			logger.Error("Failed to apply genesis seed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Genesis seed applied", "path", genesisPath, "network", doc.Network)
	}

	server := rpc.New(rpc.Config{
		Ledger:        l,
		Policy:        engine,
		Registry:      reg,
		Governance:    gov,
		Risk:          riskEngine,
		Audit:         auditLog,
		Logger:        logger,
		JWTSecret:     cfg.JWTSecretValue(),
		RatePerSecond: cfg.RPC.RatePerSecond,
		RateBurst:     cfg.RPC.RateBurst,
		Tracing:       cfg.Telemetry.OTLPEndpoint != "",
	})

	httpServer := &http.Server{
		Addr:         cfg.RPCAddress,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.RPC.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.RPC.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.RPC.IdleTimeoutSeconds) * time.Second,
	}

	// Metrics are always on the API router; a dedicated listener keeps them
	// reachable when the API port sits behind an authenticating proxy.
	if cfg.Telemetry.MetricsAddress != "" && cfg.Telemetry.MetricsAddress != cfg.RPCAddress {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Telemetry.MetricsAddress, mux); err != nil {
				logger.Warn("Metrics listener failed", slog.Any("error", err))
			}
		}()
	}

	go runTallySweep(ctx, gov, time.Duration(cfg.Governance.TallySweepSeconds)*time.Second, logger)
	go runRiskSweep(ctx, riskEngine, time.Duration(cfg.Risk.SweepSeconds)*time.Second, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("RPC server listening", "address", cfg.RPCAddress)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
	if err := shutdownOtel(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", slog.Any("error", err))
	}
	logger.Info("Shutdown complete")
}

// drainEvents forwards engine events to the log stream. This is the hook
// where a notification service or indexer would subscribe.
func drainEvents(ctx context.Context, emitter *events.ChannelEmitter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-emitter.Events():
			if evt == nil {
				continue
			}
			logger.Debug("Engine event", "type", evt.EventType())
		}
	}
}

// meteredAuditor counts appended audit records on top of the hash chain.
type meteredAuditor struct {
	log *audit.Log
}

func (a meteredAuditor) Record(op string, tx *types.Transaction) error {
	if err := a.log.Record(op, tx); err != nil {
		return err
	}
	metrics.Relief().ObserveAuditEntry()
	return nil
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		return storage.NewBoltDB(cfg.StoragePath())
	default:
		return storage.NewLevelDB(cfg.StoragePath())
	}
}

// runTallySweep settles proposals whose voting window has closed so outcomes
// land even when nobody queries them.
func runTallySweep(ctx context.Context, gov *governance.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settled, err := gov.TallyDue(ctx)
			if err != nil {
				logger.Warn("Governance sweep failed", slog.Any("error", err))
				continue
			}
			if settled > 0 {
				logger.Info("Governance sweep settled proposals", "count", settled)
			}
		}
	}
}

// runRiskSweep evicts idle merchant profiles so the in-memory risk state stays
// bounded by recent traffic.
func runRiskSweep(ctx context.Context, engine *risk.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Risk sweep failed", slog.Any("error", err))
			}
		}
	}
}
