package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/stakeliquidator/params"
	"github.com/uhyunpark/stakeliquidator/pkg/api"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/liquidator"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
	"github.com/uhyunpark/stakeliquidator/pkg/app/devnet"
	"github.com/uhyunpark/stakeliquidator/pkg/metrics"
	"github.com/uhyunpark/stakeliquidator/pkg/p2p"
	"github.com/uhyunpark/stakeliquidator/pkg/storage"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, util.ParseLevel(cfg.Log.Level))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var store storage.Store
	if cfg.Storage.DBPath != "" {
		ps, err := storage.NewPebbleStore(cfg.Storage.DBPath)
		if err != nil {
			sugar.Fatalw("store_open_failed", "path", cfg.Storage.DBPath, "err", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	bus := events.NewBus()
	if cfg.Storage.WALPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.WALPath), 0o755); err != nil {
			sugar.Fatalw("wal_dir_failed", "err", err)
		}
		wal, err := storage.NewFileWAL(cfg.Storage.WALPath, logger)
		if err != nil {
			sugar.Fatalw("wal_open_failed", "path", cfg.Storage.WALPath, "err", err)
		}
		defer wal.Close()
		bus.Subscribe(wal)
	}

	// ---- Devnet collaborators ----
	network, err := setupDevnet(cfg)
	if err != nil {
		sugar.Fatalw("devnet_setup_failed", "err", err)
	}

	// ---- Engine ----
	engine, err := liquidator.New(liquidator.Config{
		Address:          cfg.Engine.Address,
		Owner:            cfg.Engine.Owner,
		Pool:             cfg.Engine.Pool,
		MinSignerAmount:  cfg.Engine.MinSignerAmount,
		MinStakeFraction: cfg.Engine.MinStakeFraction,
		Costs:            cfg.Engine.Costs,
		AMMDeadline:      cfg.Engine.AMMDeadline,
	}, liquidator.Deps{
		StakeToken: network.Stake,
		DebtToken:  network.Debt,
		Swaps:      network.Router,
		AMM:        network.AMM,
		Registry:   network.Registry,
		Clock:      util.RealClock{},
		Journal:    store,
		Sink:       bus,
		Logger:     logger,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	m := metrics.New(engine.Depth)
	bus.Subscribe(m)

	// ---- P2P ----
	var publisher api.Publisher
	if cfg.P2P.Enabled {
		relay, err := p2p.NewRelay(ctx, p2p.RelayConfig{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar,
		}, admitRemote(engine, sugar))
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer relay.Close()
		publisher = relay
		sugar.Infow("p2p_addrs", "addrs", relay.Addrs())
	}

	// ---- API Server ----
	apiServer, err := api.NewServer(api.Config{
		LiquidateBudget: cfg.Budget.Liquidate,
		PruneBudget:     cfg.Budget.Prune,
		CORSOrigins:     cfg.API.CORSOrigins,
	}, api.Deps{
		Engine:    engine,
		Events:    store,
		Nonces:    store,
		Metrics:   m,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		sugar.Fatalw("api_init_failed", "err", err)
	}
	bus.Subscribe(apiServer.Hub())

	sugar.Infow("node_starting",
		"engine", cfg.Engine.Address.Hex(),
		"owner", cfg.Engine.Owner.Hex(),
		"pool", cfg.Engine.Pool.Hex(),
		"orders", engine.Depth(),
		"p2p", cfg.P2P.Enabled)

	go func() {
		if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("node_stopping")
			return
		case <-ticker.C:
			sugar.Infow("engine_status",
				"orders", engine.Depth(),
				"pool_stake", network.Stake.BalanceOf(engine.Pool()).String(),
				"ws_clients", apiServer.Hub().Clients())
		}
	}
}

func setupDevnet(cfg params.Config) (*devnet.Network, error) {
	network := devnet.NewNetwork(util.RealClock{})
	if err := network.SeedLiquidity(cfg.Devnet.AMMStake, cfg.Devnet.AMMDebt, cfg.Devnet.AMMEthPerSide); err != nil {
		return nil, err
	}
	if err := network.FundPool(cfg.Engine.Pool, cfg.Engine.Address, cfg.Devnet.PoolStake); err != nil {
		return nil, err
	}
	for _, b := range cfg.Engine.Beneficiaries {
		network.Registry.ApproveBeneficiary(b)
	}
	return network, nil
}

// admitRemote registers gossiped orders; rejections are routine and logged at debug.
func admitRemote(engine *liquidator.Engine, log *zap.SugaredLogger) p2p.OrderHandler {
	return func(_ context.Context, signed *transaction.SignedOrder, from peer.ID) {
		o, err := signed.ToOrder()
		if err != nil {
			log.Debugw("remote_order_invalid", "peer", from.String(), "err", err)
			return
		}
		id, err := engine.RegisterOrder(o)
		switch {
		case errors.Is(err, liquidator.ErrDuplicateOrder):
		case err != nil:
			log.Debugw("remote_order_rejected", "peer", from.String(), "err", err)
		default:
			log.Infow("remote_order_registered", "peer", from.String(), "id", id.Hex())
		}
	}
}
