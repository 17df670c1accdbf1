package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradingd/internal/api"
	"tradingd/internal/broker"
	"tradingd/internal/events"
	"tradingd/internal/executor"
	"tradingd/internal/health"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
	"tradingd/internal/metrics"
	"tradingd/internal/orchestrator"
	"tradingd/internal/persistence"
	"tradingd/internal/reconciliation"
	"tradingd/internal/risk"
	"tradingd/internal/strategy"
	"tradingd/pkg/config"
	"tradingd/pkg/crypto"
	"tradingd/pkg/db"
)

// staticPriceProvider is the reconciliation.PriceProvider wired at startup.
// It never observes a live tick (those stay per-executor, see
// internal/executor's own tickerCache) so it always reports "no price" and
// the ghost-close path falls back to the trade record's own entry price, per
// DESIGN.md's Open Question #1 resolution.
type staticPriceProvider struct{}

func (staticPriceProvider) LastPrice(string) (float64, bool) { return 0, false }

// dbCredentialProvider resolves the orchestrator.CredentialProvider seam
// against the connections table, decrypting at the last possible moment so
// plaintext API keys never rest anywhere but inside one dispatch call.
type dbCredentialProvider struct {
	db   *db.Database
	keys *crypto.KeyManager
}

func (p *dbCredentialProvider) Credentials(ctx context.Context, userID, brokerName string, env broker.Environment) (broker.Credentials, error) {
	conn, err := p.db.ActiveConnection(ctx, userID, brokerName, string(env))
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return broker.Credentials{}, fmt.Errorf("no active %s/%s connection for user %s", brokerName, env, userID)
	}
	apiKey, err := p.keys.Decrypt(conn.APIKeyEncrypted)
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := p.keys.Decrypt(conn.APISecretEncrypted)
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return broker.Credentials{APIKey: apiKey, APISecret: apiSecret}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ db: open %s: %v", cfg.DBPath, err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ db: migrate: %v", err)
	}
	log.Printf("✅ db: ready at %s", cfg.DBPath)

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ crypto: %v", err)
	}
	log.Printf("✅ crypto: key manager loaded, current version=%d", keys.CurrentVersion())

	bus := events.NewBus()
	reg := metrics.New()

	var port broker.Port
	switch {
	case cfg.DryRun:
		port = broker.NewFake()
		log.Printf("🧪 broker: dry-run mode, orders are simulated by the fake broker (fixed 10000.00 USD balance; DRY_RUN_INITIAL_BALANCE is not applied)")
	default:
		port = broker.NewBinancePerp(broker.Environment(cfg.BrokerEnv))
	}
	pool := broker.NewPool(port, broker.DefaultPoolConfig())

	hist := history.NewSQLite(database)

	stateStore := persistence.NewSQLStateStore(database)
	lcMgr := lifecycle.NewManager(stateStore, bus)

	strategies := strategy.DefaultRegistry()
	if cfg.EnableStrategyBridge && cfg.StrategyBridgeAddr != "" {
		addr := cfg.StrategyBridgeAddr
		strategies.Register("external_bridge", func() strategy.Strategy {
			s, err := strategy.NewGRPCStrategy("external_bridge", addr)
			if err != nil {
				log.Printf("❌ strategy bridge: dial %s: %v", addr, err)
				return nil
			}
			return s
		})
		log.Printf("🔌 strategy bridge: external_bridge -> %s", addr)
	}

	reconEng := reconciliation.NewEngine(lcMgr, hist, staticPriceProvider{})

	creds := &dbCredentialProvider{db: database, keys: keys}
	entitlements := orchestrator.NewDBEntitlements(database)

	execCfg := executor.DefaultConfig()
	execCfg.RiskMode = risk.Mode(cfg.RiskMode)
	execCfg.RiskValue = cfg.RiskValue
	execCfg.WarnLeverage = float64(cfg.MaxLeverageCap)
	execCfg.OrderFillTimeout = time.Duration(cfg.OrderFillTimeoutMs) * time.Millisecond
	execCfg.TriggerBudget = cfg.TriggerBudget

	orch := orchestrator.New(database, pool, creds, entitlements, lcMgr, hist, bus, strategies, reconEng, execCfg)

	var archiver persistence.Archiver
	if cfg.BackupS3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a, err := persistence.NewS3Archiver(ctx, cfg.BackupS3Bucket, cfg.BackupS3Region)
		cancel()
		if err != nil {
			log.Printf("⚠️ backup: s3 archiver disabled: %v", err)
		} else {
			archiver = a
			log.Printf("✅ backup: archiving snapshots to s3://%s", cfg.BackupS3Bucket)
		}
	}
	snapshots := persistence.NewSnapshotScheduler(database, cfg.BackupRetention, archiver)

	healthChecker := health.New(database, lcMgr, orch, reg, bus,
		time.Duration(cfg.HealthCheckIntervalMs)*time.Millisecond, 30*time.Second)

	server := api.NewServer(api.Deps{
		DB:           database,
		Bus:          bus,
		Orchestrator: orch,
		Lifecycle:    lcMgr,
		History:      hist,
		Health:       healthChecker,
		Metrics:      reg,
		Strategies:   strategies,
		Keys:         keys,
		Cfg:          cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go healthChecker.Run(ctx)
	if err := snapshots.Start(ctx); err != nil {
		log.Fatalf("❌ snapshot scheduler: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 tradingd listening on :%s (broker_env=%s risk_mode=%s dry_run=%v)",
			cfg.Port, cfg.BrokerEnv, cfg.RiskMode, cfg.DryRun)
		errCh <- server.Start(":" + cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("❌ http server exited: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("🛑 received %s, shutting down", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)

	log.Printf("👋 tradingd stopped")
}
