package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/indexer"
	"github.com/SplitFi/go-salesindexer/service/cluster"
	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/multichain"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/redis"
	"github.com/SplitFi/go-salesindexer/statistics"
	"github.com/SplitFi/go-salesindexer/util"
)

var adapterMarketplaces []string

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Scan marketplace contracts for sales, forever",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		provider, err := multichain.NewProviderFromEnv(ctx)
		if err != nil {
			return err
		}
		redisClient, err := newRedisClient(ctx)
		if err != nil {
			return err
		}
		archive, err := newArchive(ctx)
		if err != nil {
			return err
		}
		granularity, err := newGranularity()
		if err != nil {
			return err
		}
		configs, err := indexer.LoadMarketplaces()
		if err != nil {
			return err
		}

		var receipts indexer.ReceiptFetcher
		if env.GetString("CLUSTER_MODE") == "process" {
			manager, err := newManager(ctx, provider, repos.Sales)
			if err != nil {
				return err
			}
			defer manager.Stop()
			receipts = indexer.NewClusterReceiptFetcher(manager)
		}

		deps := indexer.AdapterDeps{
			Sales:       repos.Sales,
			States:      repos.States,
			Collections: repos.Collections,
			Converter:   newConverter(provider, redisClient),
			Statistics:  statistics.NewAggregator(repos.Statistics, repos.Sales, granularity),
			LockTTL:     env.GetDuration("ADAPTER_LOCK_TTL"),
			Sleep:       env.GetDuration("ADAPTER_SLEEP_PERIOD"),
			MaxRespawns: env.GetInt("ADAPTER_MAX_RESPAWNS"),
		}
		if redisClient != nil {
			deps.Locks = redis.NewLockClient(redis.NewCache(redisClient, redis.LockCache))
		}

		g, ctx := errgroup.WithContext(ctx)
		started := 0
		for _, cfg := range configs {
			cfg := cfg
			if !selected(cfg) {
				continue
			}
			client, err := provider.ClientFor(cfg.Chain)
			if err != nil {
				logger.For(ctx).WithError(err).WithField("scanner", cfg.Key()).Warn("skipping scanner without a chain client")
				continue
			}
			newScanner := func(runName string) (indexer.MarketplaceScanner, error) {
				return indexer.NewScanner(cfg, indexer.ScannerDeps{
					Client:           client,
					States:           repos.States,
					Receipts:         receipts,
					Archive:          archive,
					MatureBlockAge:   env.GetUint64("MATURE_BLOCK_AGE"),
					BlockParallelism: env.GetInt("GET_BLOCK_PARALLELISM"),
					RunName:          runName,
				})
			}
			adapter := indexer.NewAdapter(cfg, newScanner, deps)
			g.Go(func() error {
				return adapter.Run(ctx)
			})
			started++
		}
		if started == 0 {
			return errors.New("no scanner could be started")
		}
		logger.For(ctx).Infof("started %d adapters", started)
		return g.Wait()
	},
}

func selected(cfg indexer.MarketplaceConfig) bool {
	if len(adapterMarketplaces) == 0 {
		return true
	}
	for _, m := range adapterMarketplaces {
		if strings.EqualFold(m, cfg.Marketplace.String()) {
			return true
		}
	}
	return false
}

var aggregatePass string

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Roll unrecorded sales of every collection into volume statistics on a worker cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		provider, err := multichain.NewProviderFromEnv(ctx)
		if err != nil {
			return err
		}
		redisClient, err := newRedisClient(ctx)
		if err != nil {
			return err
		}
		granularity, err := newGranularity()
		if err != nil {
			return err
		}
		configs, err := indexer.LoadMarketplaces()
		if err != nil {
			return err
		}

		var units statistics.UnitStore = statistics.NewMemoryUnitStore()
		if redisClient != nil {
			units = statistics.NewRedisUnitStore(redis.NewCache(redisClient, redis.AggregationCache))
		}

		manager, err := newManager(ctx, provider, repos.Sales)
		if err != nil {
			return err
		}
		defer manager.Stop()

		defer util.Track("aggregate", time.Now())
		primary := statistics.NewPrimary(statistics.PrimaryConfig{
			Manager:      manager,
			Units:        units,
			Collections:  repos.Collections,
			Aggregator:   statistics.NewAggregator(repos.Statistics, repos.Sales, granularity),
			Marketplaces: marketplaces(configs),
			Pass:         aggregatePass,
		})
		return primary.Run(ctx)
	},
}

func marketplaces(configs []indexer.MarketplaceConfig) []persist.Marketplace {
	out := make([]persist.Marketplace, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.Marketplace)
	}
	return util.Dedupe(out)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve cluster work units over stdin and stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := env.GetString("WORKER_UUID")
		if id == "" {
			return errors.New("WORKER_UUID is required")
		}
		ctx = logger.NewContextWithFields(ctx, logrus.Fields{"workerUUID": id})

		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		provider, err := multichain.NewProviderFromEnv(ctx)
		if err != nil {
			return err
		}
		return cluster.NewWorker(id, workerMethods(provider, repos.Sales)).Serve(ctx, os.Stdin, os.Stdout)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve adapter status, volume charts and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		granularity, err := newGranularity()
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", env.GetInt("PORT")),
			Handler:           indexer.NewRouter(repos.States, repos.Statistics, granularity),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.For(ctx).WithError(err).Warn("failed to shut down http server")
			}
		}()

		logger.For(ctx).Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

var migrateKeysCmd = &cobra.Command{
	Use:   "migrate-keys",
	Short: "Rewrite sales stored under the legacy sort key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		defer util.Track("migrate-keys", time.Now())
		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		migrated, err := repos.Sales.MigrateLegacyKeys(ctx)
		if err != nil {
			return err
		}
		logger.For(ctx).Infof("migrated %d sales", migrated)
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage the contract to collection lookup",
}

var collectionsAddCmd = &cobra.Command{
	Use:   "add <slug> <chain> <contract>...",
	Short: "Map contracts to a collection slug",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chain, err := persist.ChainFromString(args[1])
		if err != nil {
			return err
		}
		repos, err := newRepositories(ctx)
		if err != nil {
			return err
		}
		for _, contract := range args[2:] {
			if !common.IsHexAddress(contract) {
				return fmt.Errorf("%q is not an address", contract)
			}
			c := persist.Collection{Slug: args[0], Chain: chain, ContractAddress: persist.NewAddress(common.HexToAddress(contract))}
			if err := repos.Collections.UpsertCollection(ctx, c); err != nil {
				return fmt.Errorf("add %s: %w", contract, err)
			}
		}
		logger.For(ctx).Infof("mapped %d contracts to %s", len(args)-2, args[0])
		return nil
	},
}

func init() {
	adapterCmd.Flags().StringSliceVar(&adapterMarketplaces, "marketplace", nil, "only run scanners of these marketplaces")
	aggregateCmd.Flags().StringVar(&aggregatePass, "pass", "statistics", "name of the pass; a rerun with the same name resumes it")
	collectionsCmd.AddCommand(collectionsAddCmd)
}
