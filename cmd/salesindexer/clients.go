package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	goredis "github.com/go-redis/redis/v8"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/indexer"
	"github.com/SplitFi/go-salesindexer/service/cluster"
	"github.com/SplitFi/go-salesindexer/service/currency"
	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/multichain"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/persist/docstore"
	"github.com/SplitFi/go-salesindexer/service/persist/dynamo"
	"github.com/SplitFi/go-salesindexer/service/persist/memstore"
	"github.com/SplitFi/go-salesindexer/service/persist/postgres"
	"github.com/SplitFi/go-salesindexer/service/redis"
	"github.com/SplitFi/go-salesindexer/statistics"
)

// repositories are the document store views every subcommand shares
type repositories struct {
	Sales       *docstore.SaleRepository
	States      *docstore.AdapterStateRepository
	Collections *docstore.CollectionRepository
	Statistics  *docstore.StatisticsRepository
}

func newStore(ctx context.Context) (persist.Store, error) {
	switch backend := env.GetString("STORE_BACKEND"); backend {
	case "memory":
		logger.For(ctx).Warn("using the in-memory store, nothing survives a restart")
		return memstore.New(persist.RecordStateIndex), nil
	case "dynamo":
		return dynamo.NewStoreFromEnv(), nil
	case "postgres":
		return postgres.NewStore(ctx, postgres.NewPgxClient())
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func newRepositories(ctx context.Context) (repositories, error) {
	store, err := newStore(ctx)
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		Sales:       docstore.NewSaleRepository(store),
		States:      docstore.NewAdapterStateRepository(store),
		Collections: docstore.NewCollectionRepository(store),
		Statistics:  docstore.NewStatisticsRepository(store),
	}, nil
}

// newRedisClient returns nil when REDIS_URL is unset
func newRedisClient(ctx context.Context) (*goredis.Client, error) {
	if !redis.Configured() {
		logger.For(ctx).Info("REDIS_URL not set, running without locks or a shared price cache")
		return nil, nil
	}
	return redis.NewClientFromEnv()
}

func newConverter(provider *multichain.Provider, redisClient *goredis.Client) *currency.Converter {
	var l2 *redis.Cache
	if redisClient != nil {
		l2 = redis.NewCache(redisClient, redis.PriceCache)
	}
	llama := currency.NewLlamaClient()
	prices := currency.NewPriceCache(llama, l2, llama, currency.NewCoingeckoClient())
	return currency.NewConverter(prices, currency.NewChainDecimals(provider.ClientFor))
}

// newArchive returns nil when GCLOUD_SALES_LOGS_BUCKET is unset
func newArchive(ctx context.Context) (indexer.LogArchive, error) {
	bucket := env.GetString("GCLOUD_SALES_LOGS_BUCKET")
	if bucket == "" {
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to cloud storage: %w", err)
	}
	return indexer.NewGCSArchive(client, bucket), nil
}

func newGranularity() (statistics.Granularity, error) {
	return statistics.ParseGranularity(env.GetString("STATISTICS_GRANULARITY"))
}

// workerMethods are the handlers served by every cluster worker
func workerMethods(provider *multichain.Provider, sales persist.SaleRepository) cluster.Methods {
	methods := indexer.WorkerMethods(indexer.NewLocalReceiptFetcher(provider.ClientFor, env.GetInt("EVENT_RECEIPT_PARALLELISM")))
	for name, h := range statistics.WorkerMethods(sales) {
		methods[name] = h
	}
	return methods
}

// newManager starts a cluster whose workers are goroutines or child processes, per CLUSTER_MODE
func newManager(ctx context.Context, provider *multichain.Provider, sales persist.SaleRepository) (*cluster.Manager, error) {
	var spawner cluster.Spawner
	switch mode := env.GetString("CLUSTER_MODE"); mode {
	case "local":
		spawner = cluster.LocalSpawner{NewMethods: func(string) cluster.Methods {
			return workerMethods(provider, sales)
		}}
	case "process":
		s, err := cluster.NewProcessSpawner(workerCmd.Name())
		if err != nil {
			return nil, err
		}
		spawner = s
	default:
		return nil, fmt.Errorf("unknown CLUSTER_MODE %q", mode)
	}

	return cluster.NewManager(cluster.Config{
		Size:        env.GetInt("CLUSTER_SIZE"),
		MaxInFlight: env.GetInt("CLUSTER_MAX_IN_FLIGHT"),
		MaxRespawns: env.GetInt("CLUSTER_MAX_RESPAWNS"),
		Spawner:     spawner,
	}).Start(ctx), nil
}
