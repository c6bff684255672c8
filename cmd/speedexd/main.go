// Command speedexd runs one SPEEDEX replica: load configuration, open
// its KV store, reconstruct or initialize the block lifecycle state
// machine, and log that it is ready for a consensus collaborator to
// drive it. CLI surface is intentionally tiny - a replica id, a config
// file path, and a cold-start/replay switch - everything else about
// consensus, networking, and account-balance arithmetic is out of scope
// here (spec.md §6 "External interfaces").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/speedexgo/speedex/internal/config"
	"github.com/speedexgo/speedex/internal/logging"
	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/ledger"
	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/metrics"
	"github.com/speedexgo/speedex/pkg/modlog"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/tatonnement"
	"github.com/speedexgo/speedex/pkg/vm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "speedexd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		replicaID  = flag.String("replica-id", "", "this replica's identifier (overrides the config file's replica_id)")
		configPath = flag.String("config", "speedex.yaml", "path to the replica's configuration file")
		loadLMDB   = flag.Bool("load-lmdb", false, "resume from the on-disk KV store instead of starting clean")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *replicaID != "" {
		cfg.ReplicaID = *replicaID
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("replica_id", cfg.ReplicaID))

	store, err := kv.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kv store at %s: %w", cfg.DataDir, err)
	}
	defer store.Close()

	reg := metrics.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	manager := orderbook.NewManager(cfg.NumAssets)
	solver := lpsolver.New(manager)
	oracle := tatonnement.New(manager, solver)
	log := modlog.New()

	var replicaLedger *ledger.Ledger
	if *loadLMDB {
		replicaLedger, err = ledger.LoadFromDisk(store.Environment("db"))
	} else {
		replicaLedger = ledger.New(store.Environment("db"))
	}
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	machine := vm.New(vm.Dependencies{
		Manager: manager,
		Solver:  solver,
		Oracle:  oracle,
		Log:     log,
		Ledger:  replicaLedger,
		Config:  cfg,
		Metrics: reg,
		Logger:  logger,
	})

	if *loadLMDB {
		if err := machine.InitFromDisk(vm.LogAccess{Store: store}); err != nil {
			return fmt.Errorf("init from disk: %w", err)
		}
		logger.Info("resumed from disk", zap.Uint64("last_block_number", machine.LastBlock().BlockNumber))
	} else {
		if err := machine.InitClean(store); err != nil {
			return fmt.Errorf("init clean: %w", err)
		}
		logger.Info("started clean")
	}

	logger.Info("replica ready", zap.Uint32("num_assets", cfg.NumAssets))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
