package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/redis"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
	"github.com/SplitFi/go-salesindexer/service/tracing"
)

// SaleConverter fills in the base currency and USD prices of sales
type SaleConverter interface {
	Convert(ctx context.Context, sales []persist.SaleData) []persist.SaleData
}

// ScannerFactory builds a fresh scanner for one pass, tagged with the pass's run name
type ScannerFactory func(runName string) (MarketplaceScanner, error)

// AdapterDeps are the stores and services an adapter writes through
type AdapterDeps struct {
	Sales       persist.SaleRepository
	States      persist.AdapterStateRepository
	Collections persist.CollectionRepository
	Converter   SaleConverter
	Statistics  StatisticsRecorder
	// Locks is optional. Without it the adapter assumes it is the only writer of its checkpoint.
	Locks       *redis.LockClient
	LockTTL     time.Duration
	Sleep       time.Duration
	MaxRespawns int
}

// Adapter runs one scanner forever: scan, convert, persist, roll up, advance the checkpoint, sleep
type Adapter struct {
	cfg        MarketplaceConfig
	newScanner ScannerFactory
	deps       AdapterDeps
	hooks      []SaleHook
	// restartWait is the first wait before restarting a failed pass
	restartWait time.Duration
}

func NewAdapter(cfg MarketplaceConfig, newScanner ScannerFactory, deps AdapterDeps) *Adapter {
	if deps.LockTTL <= 0 {
		deps.LockTTL = 5 * time.Minute
	}
	if deps.Sleep <= 0 {
		deps.Sleep = time.Minute
	}
	if deps.MaxRespawns <= 0 {
		deps.MaxRespawns = 3
	}
	return &Adapter{
		cfg:         cfg,
		newScanner:  newScanner,
		deps:        deps,
		hooks:       newSaleHooks(deps.Collections, deps.Sales, deps.Statistics),
		restartWait: 5 * time.Second,
	}
}

// Run repeats passes until ctx is done. A pass that fails is restarted with backoff; after
// MaxRespawns consecutive failures Run reports the last error and returns it.
func (a *Adapter) Run(ctx context.Context) error {
	ctx = logger.NewContextWithFields(sentryutil.NewSentryHubContext(ctx), logrus.Fields{
		"marketplace": a.cfg.Marketplace,
		"variant":     a.cfg.Variant,
		"chain":       a.cfg.Chain.String(),
	})

	restarts := backoff.NewExponentialBackOff()
	restarts.InitialInterval = a.restartWait
	restarts.MaxElapsedTime = 0

	failures := 0
	for {
		err := a.RunOnce(ctx)
		wait := a.deps.Sleep
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			logger.For(ctx).WithError(err).WithField("failures", failures).Error("adapter pass failed")
			if failures > a.deps.MaxRespawns {
				sentryutil.ReportError(ctx, err, logrus.Fields{"failures": failures})
				return fmt.Errorf("adapter %s gave up after %d consecutive failures: %w", a.cfg.Key(), failures, err)
			}
			wait = restarts.NextBackOff()
		default:
			failures = 0
			restarts.Reset()
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce scans from the checkpoint to the mature head
func (a *Adapter) RunOnce(ctx context.Context) (err error) {
	defer sentryutil.RecoverAndReport(ctx, &err)

	if a.deps.Locks != nil {
		lock, err := a.deps.Locks.Obtain(ctx, a.cfg.Key(), a.deps.LockTTL)
		if errors.Is(err, redis.ErrLockHeld) {
			logger.For(ctx).Info("another adapter holds the checkpoint, skipping this pass")
			return nil
		}
		if err != nil {
			return fmt.Errorf("obtain adapter lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.For(ctx).WithError(err).Warn("failed to release adapter lock")
			}
		}()
		var stopRefresh context.CancelFunc
		ctx, stopRefresh = withLockRefresh(ctx, lock, a.deps.LockTTL)
		defer stopRefresh()
	}

	runName := ksuid.New().String()
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"adapterRunName": runName})

	scanner, err := a.newScanner(runName)
	if err != nil {
		return err
	}
	defer scanner.Close()

	span, ctx := tracing.StartSpan(ctx, "indexer.adapter", scanner.Name(), sentry.TransactionName("indexer:adapter"))
	defer tracing.FinishSpan(span)

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()

	batches, errs := scanner.FetchSales(scanCtx)
	windows := 0
	for batch := range batches {
		if err := a.processBatch(ctx, scanner, batch); err != nil {
			stopScan()
			for range batches {
			}
			return err
		}
		windows++
	}
	if err := <-errs; err != nil {
		return err
	}
	tracing.AddEventDataToSpan(span, map[string]interface{}{"windows": windows})
	logger.For(ctx).Infof("pass finished after %d windows", windows)
	return nil
}

// processBatch persists a window's sales and then advances the checkpoint past it
func (a *Adapter) processBatch(ctx context.Context, scanner MarketplaceScanner, batch ChainEvents) error {
	sales, err := SalesFromBatch(batch, scanner.Marketplace())
	if err != nil {
		return err
	}

	if len(sales) > 0 {
		if a.deps.Converter != nil {
			sales = a.deps.Converter.Convert(ctx, sales)
		}
		if err := a.deps.Sales.PutSales(ctx, sales); err != nil {
			return fmt.Errorf("persist sales of blocks %d-%d: %w", batch.BlockRange.StartBlock, batch.BlockRange.EndBlock, err)
		}
		metrics.SalesPersisted.WithLabelValues(scanner.Marketplace().String(), batch.Chain.String()).Add(float64(len(sales)))
		runSaleHooks(ctx, a.hooks, sales)
	}

	if err := a.deps.States.UpdateSalesLastSyncedBlockNumber(ctx, scanner.Marketplace(), batch.BlockRange.EndBlock, batch.Chain, scanner.Variant()); err != nil {
		return fmt.Errorf("advance checkpoint to %d: %w", batch.BlockRange.EndBlock, err)
	}
	metrics.ScannerCheckpoint.WithLabelValues(scanner.Marketplace().String(), batch.Chain.String(), scanner.Variant().String()).Set(float64(batch.BlockRange.EndBlock))

	logger.For(ctx).WithFields(logrus.Fields{
		"fromBlock": batch.BlockRange.StartBlock,
		"toBlock":   batch.BlockRange.EndBlock,
		"events":    len(batch.Events),
		"sales":     len(sales),
	}).Debug("window persisted")
	return nil
}

// SalesFromBatch turns the decoded trades of a window into sale records, in transaction and log order
func SalesFromBatch(batch ChainEvents, marketplace persist.Marketplace) ([]persist.SaleData, error) {
	var sales []persist.SaleData
	seen := make(map[string]bool)
	for _, l := range batch.Events {
		tx := l.TxHash
		if seen[tx.Hex()] {
			continue
		}
		seen[tx.Hex()] = true

		receipt, ok := batch.Receipts[tx]
		if !ok {
			continue
		}
		for _, meta := range receipt.Meta {
			header, ok := batch.Blocks[meta.BlockNumber]
			if !ok || header == nil {
				return nil, fmt.Errorf("no header for block %d of tx %s", meta.BlockNumber, tx.Hex())
			}
			sales = append(sales, persist.SaleData{
				EventMetadata: meta,
				TxnHash:       tx.Hex(),
				Timestamp:     strconv.FormatUint(header.Time*1000, 10),
				PriceState:    persist.PriceStatePending,
				Marketplace:   marketplace,
				Chain:         batch.Chain,
				RecordState:   persist.RecordStateUnprocessed,
			})
		}
	}
	return sales, nil
}

// withLockRefresh keeps the lock alive until the returned cancel func is called. The returned
// context is also cancelled if the lock is lost.
func withLockRefresh(ctx context.Context, lock *redis.Lock, ttl time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, ttl); err != nil {
					if ctx.Err() == nil {
						logger.For(ctx).WithError(err).Error("lost adapter lock, stopping the pass")
					}
					return
				}
			}
		}
	}()
	return ctx, cancel
}
