package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/asset"
	"jpyescrow/internal/config"
	"jpyescrow/internal/convert"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/eventlog"
	"jpyescrow/internal/oracle"
	"jpyescrow/internal/replay"
	"jpyescrow/internal/server"
	"jpyescrow/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := asset.Default(
		common.HexToAddress(cfg.Deployment.Contracts.USDC),
		common.HexToAddress(cfg.Deployment.Contracts.USDT),
	)
	if err != nil {
		logger.Fatalf("asset catalog error: %v", err)
	}

	events, closeEvents, err := openEventLog(ctx, cfg)
	if err != nil {
		logger.Fatalf("event log error: %v", err)
	}
	defer closeEvents()

	ledger, err := openLedger(ctx, cfg, catalog, events, logger)
	if err != nil {
		logger.Fatalf("escrow client error: %v", err)
	}

	quotes, err := oracle.NewClient(oracle.Config{
		BaseURL:          cfg.Oracle.BaseURL,
		APIKey:           cfg.Oracle.APIKey,
		Symbols:          catalog.Symbols(),
		JPYProxy:         cfg.Oracle.JPYProxy,
		MinFetchInterval: cfg.Oracle.MinFetchInterval,
		Cooldown:         cfg.Oracle.Cooldown,
		MaxCooldown:      cfg.Oracle.MaxCooldown,
		RefreshInterval:  cfg.Oracle.RefreshInterval,
		RequestTimeout:   cfg.Oracle.RequestTimeout,
	}, oracle.WithLogger(logger))
	if err != nil {
		logger.Fatalf("price oracle error: %v", err)
	}

	rounding, _ := convert.ParseRounding(cfg.Service.Rounding)
	converter := convert.New(catalog,
		convert.WithMaxUSD(cfg.MaxUSD()),
		convert.WithStaleAfter(cfg.Service.StaleThreshold),
		convert.WithRounding(rounding),
	)

	svc := settlement.NewService(ledger, converter, quotes, catalog, settlement.WithLogger(logger))
	svc.Start(ctx)
	defer svc.Close()

	seen, closeSeen, err := openReplayStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("replay store error: %v", err)
	}
	defer closeSeen()

	apiServer := server.NewServer(cfg, svc, events,
		server.WithLogger(logger),
		server.WithReplayStore(seen),
		server.WithRateLimitHits(func() int {
			_, hits, _ := quotes.RateLimitState()
			return hits
		}),
	)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
}

func openEventLog(ctx context.Context, cfg *config.AppConfig) (eventlog.Log, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := eventlog.NewPostgresLog(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.EventLogPath != "":
		fl, err := eventlog.NewFileLog(cfg.EventLogPath)
		if err != nil {
			return nil, nil, err
		}
		return fl, func() {}, nil
	default:
		return eventlog.NewMemoryLog(), func() {}, nil
	}
}

// openReplayStore shares seen requests through Postgres when configured, so a
// signed request accepted by one instance is refused by the others.
func openReplayStore(ctx context.Context, cfg *config.AppConfig) (replay.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return replay.NewMemoryStore(), func() {}, nil
	}
	pg, err := replay.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// Test balances for OTC_DEV_ACCOUNTS on the in-process ledger.
var (
	devNativeBalance = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	devStableBalance = big.NewInt(10_000_000_000)
)

func openLedger(ctx context.Context, cfg *config.AppConfig, catalog *asset.Catalog, events escrow.Sink, logger *logrus.Logger) (escrow.Client, error) {
	if cfg.Chain.PrivateKey != "" {
		return escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractEscrow: cfg.Deployment.Contracts.Escrow,
			Sink:           events,
			Logger:         logger,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		})
	}

	custody := escrow.NewMemoryCustody()
	for _, raw := range cfg.Service.DevAccounts {
		holder := common.HexToAddress(strings.TrimSpace(raw))
		for _, a := range catalog.All() {
			if a.IsNative() {
				custody.Credit(a.Address, holder, devNativeBalance)
				continue
			}
			custody.Credit(a.Address, holder, devStableBalance)
			custody.Approve(a.Address, holder, devStableBalance)
		}
		logger.WithField("account", holder.Hex()).Info("funded dev account")
	}
	logger.Warn("no chain key configured, using the in-process ledger")
	return escrow.NewLedger(catalog, custody,
		escrow.WithSink(events),
		escrow.WithLedgerLogger(logger),
		escrow.WithMaxUSDCap(cfg.MaxUSD().StringFixed(2)),
	), nil
}
