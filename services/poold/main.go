package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendmarket/native/access"
	"lendmarket/native/oracle"
	"lendmarket/native/pool"
	"lendmarket/native/position"
	"lendmarket/native/recovery"
	"lendmarket/native/reserve"
	"lendmarket/observability/logging"
	telemetry "lendmarket/observability/otel"
	"lendmarket/services/poold/audit"
	"lendmarket/services/poold/config"
	"lendmarket/services/poold/server"
	"lendmarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("POOLD_ENV"))
	}
	logger := logging.Setup("poold", env, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "poold",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "pool"))
	if err != nil {
		log.Fatalf("open pool database: %v", err)
	}
	defer db.Close()

	store := position.NewStore(db)
	retries, err := recovery.NewLog(db)
	if err != nil {
		log.Fatalf("open recovery log: %v", err)
	}

	admin := common.HexToAddress(cfg.Roles.DefaultAdmin)
	roles := access.NewRegistry(admin)
	seedRoles(roles, admin, access.RolePoolAdmin, append(config.Addresses(cfg.Roles.PoolAdmins), admin))
	seedRoles(roles, admin, access.RoleAssetListingAdmin, append(config.Addresses(cfg.Roles.AssetListingAdmins), admin))
	seedRoles(roles, admin, access.RoleRiskAdmin, config.Addresses(cfg.Roles.RiskAdmins))
	seedRoles(roles, admin, access.RoleEmergencyAdmin, config.Addresses(cfg.Roles.EmergencyAdmins))

	p := pool.New(store, roles, retries, reserve.NewSnapshotStore(db), nil, logger)
	if err := p.LoadReserves(); err != nil {
		log.Fatalf("load reserve snapshots: %v", err)
	}
	feed := oracle.NewFeed(oracle.Config{
		MaxDeviationBps:  cfg.Oracle.MaxDeviationBps,
		ExpirationPeriod: cfg.Oracle.ExpirationPeriod,
	}, p, logger)
	for _, feeder := range config.Addresses(cfg.Oracle.Feeders) {
		feed.AddFeeder(feeder)
	}
	p.SetPriceFeed(feed)
	if cfg.NativeAsset != "" {
		p.SetNativeAsset(common.HexToAddress(cfg.NativeAsset))
	}

	if cfg.MarketConfig != "" {
		if err := bootstrapReserves(p, admin, cfg.MarketConfig); err != nil {
			log.Fatalf("bootstrap reserves: %v", err)
		}
	}

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder, err = audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("open audit trail: %v", err)
		}
	}

	srv := server.New(server.Config{
		Pool:      p,
		Feed:      feed,
		Roles:     roles,
		Audit:     recorder,
		Auth:      cfg.Auth,
		RateLimit: cfg.RateLimit,
		Log:       logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.CertPath != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("poold listening", "address", cfg.ListenAddress, "tls", cfg.TLS.CertPath != "")
		if cfg.TLS.CertPath != "" {
			serverErr <- httpServer.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			serverErr <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server close", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func seedRoles(roles *access.Registry, admin common.Address, role string, principals []common.Address) {
	for _, principal := range principals {
		if err := roles.GrantRole(admin, role, principal); err != nil {
			log.Fatalf("grant %s to %s: %v", role, principal.Hex(), err)
		}
	}
}

// bootstrapReserves lists every reserve from the market TOML. Assets already
// listed from a previous run's database are skipped.
func bootstrapReserves(p *pool.Pool, admin common.Address, path string) error {
	market, err := reserve.LoadMarketConfig(path)
	if err != nil {
		return err
	}
	for _, entry := range market.Reserves {
		asset, err := entry.AssetAddress()
		if err != nil {
			return err
		}
		yield, debt, err := entry.TokenAddresses()
		if err != nil {
			return err
		}
		cfg, strategy, err := entry.Build()
		if err != nil {
			return err
		}
		if _, err := p.AddReserve(admin, asset, yield, debt, cfg, strategy); err != nil {
			if errors.Is(err, pool.ErrReserveAlreadyListed) {
				continue
			}
			return err
		}
	}
	return nil
}
