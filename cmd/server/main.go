package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pegmint/internal/balances"
	"pegmint/internal/config"
	"pegmint/internal/contracts"
	"pegmint/internal/etherscan"
	"pegmint/internal/orchestrator"
	"pegmint/internal/receipts"
	"pegmint/internal/server"
	"pegmint/internal/wallet"
	"pegmint/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("PEGMINT_CONFIG"), "optional config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errLog := logger.New("error", true)
		errLog.Fatal().Err(err).Msg("config error")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An absent RPC endpoint is not fatal: the service runs disconnected and
	// wallet connect reports no_provider until one is configured.
	var provider wallet.Provider
	rpc, err := wallet.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey)
	switch {
	case err == nil:
		provider = rpc
	case errors.Is(err, wallet.ErrNoProvider):
		log.Warn().Msg("no rpc url configured, starting without a wallet provider")
	default:
		log.Fatal().Err(err).Msg("rpc dial failed")
	}

	session := wallet.NewSession(provider, cfg.Chain.ChainID, log)

	bindings, err := contracts.NewBindings(
		session,
		common.HexToAddress(cfg.Contracts.MintedToken),
		common.HexToAddress(cfg.Contracts.StableToken),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("contract bindings error")
	}

	indexer := etherscan.NewClient(cfg.Indexer.BaseURL, cfg.Indexer.APIKey, cfg.Chain.ChainID, log)
	tracker := balances.NewTracker(bindings, indexer, common.HexToAddress(cfg.Contracts.MintedToken), log)

	var store receipts.Store = receipts.NewMemoryStore()
	if cfg.Receipts.PostgresDSN != "" {
		pg, err := receipts.NewPostgresStore(ctx, cfg.Receipts.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("receipts store error")
		}
		defer pg.Close()
		store = pg
	}

	orch := orchestrator.New(bindings, tracker, session, store, log)
	apiServer := server.NewServer(cfg, session, tracker, orch, store, log)

	// Supply is global and needs no wallet, so it is primed at boot. Failure
	// is tolerated; the cached default renders until the next refresh.
	if _, err := tracker.RefreshSupply(ctx); err != nil {
		log.Warn().Err(err).Msg("initial supply refresh failed")
	}

	if provider != nil {
		go session.WatchNetwork(ctx, cfg.Chain.NetworkWatchInterval)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
