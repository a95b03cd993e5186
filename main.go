package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"risk-trader/config"
	"risk-trader/internal/api"
	"risk-trader/internal/audit"
	"risk-trader/internal/auth"
	"risk-trader/internal/autoparams"
	"risk-trader/internal/cache"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/execution"
	"risk-trader/internal/intent"
	"risk-trader/internal/logging"
	"risk-trader/internal/margin"
	"risk-trader/internal/operations"
	"risk-trader/internal/policy"
	"risk-trader/internal/trailing"
	"risk-trader/internal/vault"
)

// credentialsSource resolves per-tenant keys from Vault with a shared
// environment fallback for tenants that have not stored their own.
type credentialsSource struct {
	vault    *vault.Client
	fallback exchange.Credentials
}

func (c *credentialsSource) ExchangeCredentials(ctx context.Context, tenantID string) (exchange.Credentials, error) {
	creds, err := c.vault.ExchangeCredentials(ctx, tenantID)
	if err == nil {
		return creds, nil
	}
	if c.fallback.APIKey != "" {
		return c.fallback, nil
	}
	return exchange.Credentials{}, err
}

// ports adapts the exchange factory to the PortFor interface the services
// consume.
type ports struct {
	factory *exchange.Factory
}

func (p *ports) PortFor(ctx context.Context, tenantID string) (exchange.Port, error) {
	return p.factory.ForTenant(ctx, tenantID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	logger.Info("starting trading core",
		"trading_enabled", cfg.TradingConfig.TradingEnabled,
		"testnet", cfg.BinanceConfig.TestNet)

	// Database
	db, err := database.NewDBFromURL(cfg.DatabaseConfig.URL, int32(cfg.DatabaseConfig.MaxConns))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.DatabaseConfig.RunMigrations {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to run migrations: %v", err)
		}
		cancel()
	}
	repo := database.NewRepository(db)

	// Redis cache (optional; everything degrades without it)
	var cacheSvc *cache.Service
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.New(cache.Config{
			Enabled:  true,
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err.Error())
			cacheSvc = nil
		} else {
			defer cacheSvc.Close()
		}
	}

	// Vault-backed per-tenant exchange credentials
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}

	creds := &credentialsSource{
		vault: vaultClient,
		fallback: exchange.Credentials{
			APIKey:    cfg.BinanceConfig.APIKey,
			SecretKey: cfg.BinanceConfig.SecretKey,
		},
	}
	factory := exchange.NewFactory(cfg.BinanceConfig.TestNet, creds)
	exchangePorts := &ports{factory: factory}

	// Core wiring
	clk := clock.Real{}
	bus := events.NewBus()
	auditor := audit.NewRecorder(repo)
	auditor.BusSink(bus)

	policySvc := policy.NewService(repo, clk, bus)
	pipeline := autoparams.NewPipeline()
	intentSvc := intent.NewService(repo, exchangePorts, pipeline, clk, bus)
	executor := execution.NewExecutor(repo, repo, policySvc, exchangePorts, auditor, clk, bus, cfg.TradingConfig.TradingEnabled)
	executor.WatchStopOuts(bus)
	operationsSvc := operations.NewService(repo, exchangePorts, auditor, bus)
	trailingSvc := trailing.NewService(repo, exchangePorts, auditor, clk, bus)
	marginSvc := margin.NewService(repo, exchangePorts, auditor, bus)

	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		RateLimit:      cfg.ServerConfig.RateLimit,
	}, api.Services{
		Intents:    intentSvc,
		Executor:   executor,
		Operations: operationsSvc,
		Trailing:   trailingSvc,
		Policy:     policySvc,
		Margin:     marginSvc,
		Pipeline:   pipeline,
		Repo:       repo,
		Ports:      exchangePorts,
		Cache:      cacheSvc,
		Bus:        bus,
	}, jwtManager)

	// Background monitors: trailing-stop sweep and margin-level watch for
	// the configured tenants.
	monitorCtx, stopMonitors := context.WithCancel(context.Background())
	defer stopMonitors()
	go runTrailingMonitor(monitorCtx, trailingSvc, cfg.MonitorConfig)
	go runMarginMonitor(monitorCtx, marginSvc, cfg.MonitorConfig)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err.Error())
		}
	}

	stopMonitors()
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err.Error())
	}
	logger.Info("stopped")
}

// runTrailingMonitor sweeps ACTIVE operations on a ticker, tightening stops
// as price advances. Tokens are wall-clock based so overlapping sweeps stay
// idempotent.
func runTrailingMonitor(ctx context.Context, svc *trailing.Service, cfg config.MonitorConfig) {
	if len(cfg.MonitorTenants) == 0 {
		return
	}
	logger := logging.WithComponent("trailing-monitor")
	ticker := time.NewTicker(cfg.TrailingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range cfg.MonitorTenants {
				result, err := svc.AdjustAll(ctx, tenantID)
				if err != nil {
					logger.WithTenant(tenantID).Error("trailing sweep failed", "error", err.Error())
					continue
				}
				if result.Adjusted > 0 || result.Failed > 0 {
					logger.WithTenant(tenantID).Info("trailing sweep",
						"adjusted", result.Adjusted, "no_ops", result.NoOps, "failed", result.Failed)
				}
			}
		}
	}
}

// runMarginMonitor watches isolated-margin health, warning below 2.0 and
// defensively closing below 1.3.
func runMarginMonitor(ctx context.Context, svc *margin.Service, cfg config.MonitorConfig) {
	if len(cfg.MonitorTenants) == 0 {
		return
	}
	logger := logging.WithComponent("margin-monitor")
	ticker := time.NewTicker(cfg.MarginSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range cfg.MonitorTenants {
				if err := svc.MonitorSweep(ctx, tenantID, cfg.QuoteAsset); err != nil {
					logger.WithTenant(tenantID).Error("margin sweep failed", "error", err.Error())
				}
			}
		}
	}
}
