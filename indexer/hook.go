package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

// SaleHook runs on every batch of sales after it has been persisted
type SaleHook func(ctx context.Context, sales []persist.SaleData) error

// StatisticsRecorder rolls sales of one collection into its volume rows and marks them
// VOLUME_RECORDED. Sales it already recorded are skipped.
type StatisticsRecorder interface {
	RecordSales(ctx context.Context, slug string, sales []persist.SaleData) error
}

func newSaleHooks(collections persist.CollectionRepository, sales persist.SaleRepository, stats StatisticsRecorder) []SaleHook {
	if collections == nil || stats == nil {
		return nil
	}
	return []SaleHook{
		func(ctx context.Context, batch []persist.SaleData) error {
			bySlug, err := salesByCollection(ctx, collections, batch)
			if err != nil {
				return err
			}

			var errs *multierror.Error
			for _, slug := range util.SortedKeys(bySlug) {
				known := bySlug[slug]
				if err := sales.UpdateRecordState(ctx, known, persist.RecordStateCollectionExists); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("mark %s sales: %w", slug, err))
					continue
				}
				// a failed statistics write leaves the sales in COLLECTION_EXISTS for a later pass
				if err := stats.RecordSales(ctx, slug, known); err != nil {
					logger.For(ctx).WithError(err).WithFields(logrus.Fields{"slug": slug, "sales": len(known)}).Error("failed to record collection volume")
				}
			}
			return errs.ErrorOrNil()
		},
	}
}

// salesByCollection keeps the sales whose contract belongs to a known collection, keyed by slug
func salesByCollection(ctx context.Context, collections persist.CollectionRepository, sales []persist.SaleData) (map[string][]persist.SaleData, error) {
	type contractKey struct {
		chain    persist.Chain
		contract persist.Address
	}
	slugs := make(map[contractKey]string)
	bySlug := make(map[string][]persist.SaleData)
	for _, sale := range sales {
		key := contractKey{sale.Chain, sale.ContractAddress}
		slug, ok := slugs[key]
		if !ok {
			var err error
			slug, err = collections.GetSlug(ctx, sale.Chain, sale.ContractAddress)
			var notFound persist.ErrCollectionNotFound
			if errors.As(err, &notFound) {
				slug = ""
			} else if err != nil {
				return nil, err
			}
			slugs[key] = slug
		}
		if slug != "" {
			bySlug[slug] = append(bySlug[slug], sale)
		}
	}
	return bySlug, nil
}

func runSaleHooks(ctx context.Context, hooks []SaleHook, sales []persist.SaleData) {
	if len(hooks) == 0 || len(sales) == 0 {
		return
	}
	wp := workerpool.New(len(hooks))
	for _, hook := range hooks {
		hook := hook
		wp.Submit(func() {
			if err := hook(ctx, sales); err != nil {
				logger.For(ctx).WithError(err).Errorf("failed to run sale hook: %s", err)
			}
		})
	}
	wp.StopWait()
}
