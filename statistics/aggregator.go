package statistics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	"github.com/SplitFi/go-salesindexer/service/persist"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
	"github.com/SplitFi/go-salesindexer/util"
)

// maxWriteAttempts bounds the tries of one all-or-nothing statistics write
const maxWriteAttempts = 5

// Aggregator rolls sales into the statistics rows. Every sale is counted at most once: its
// volume is added in the same transaction that marks it recorded.
type Aggregator struct {
	repo        persist.StatisticsRepository
	sales       persist.SaleRepository
	granularity Granularity
	newBackOff  func() backoff.BackOff
}

func NewAggregator(repo persist.StatisticsRepository, sales persist.SaleRepository, g Granularity) *Aggregator {
	return &Aggregator{
		repo:        repo,
		sales:       sales,
		granularity: g,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Granularity is the bucket width the aggregator writes
func (a *Aggregator) Granularity() Granularity {
	return a.granularity
}

// CollectionVolume is the volume of one collection on one chain and marketplace
type CollectionVolume struct {
	Chain       persist.Chain             `json:"chain"`
	Marketplace persist.Marketplace       `json:"marketplace"`
	Volumes     persist.DailyVolumeRecord `json:"volumes"`
}

type saleSource struct {
	chain       persist.Chain
	marketplace persist.Marketplace
}

// bySource groups sales per (chain, marketplace), in a stable order
func bySource(sales []persist.SaleData) ([]saleSource, map[saleSource][]persist.SaleData) {
	grouped := make(map[saleSource][]persist.SaleData)
	var order []saleSource
	for _, sale := range sales {
		k := saleSource{sale.Chain, sale.Marketplace}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], sale)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].chain != order[j].chain {
			return order[i].chain < order[j].chain
		}
		return order[i].marketplace < order[j].marketplace
	})
	return order, grouped
}

// VolumesBySource buckets sales per (chain, marketplace), in a stable order
func VolumesBySource(sales []persist.SaleData, g Granularity) []CollectionVolume {
	order, grouped := bySource(sales)
	out := make([]CollectionVolume, 0, len(order))
	for _, k := range order {
		volumes := GetDailyVolumesFromSales(grouped[k], g)
		if len(volumes) == 0 {
			continue
		}
		out = append(out, CollectionVolume{Chain: k.chain, Marketplace: k.marketplace, Volumes: volumes})
	}
	return out
}

// RecordSales adds the sales of one collection to its statistics and marks them recorded
func (a *Aggregator) RecordSales(ctx context.Context, slug string, sales []persist.SaleData) error {
	_, err := a.recordSales(ctx, slug, sales)
	return err
}

// recordSales returns the volume it added per source. Sales already recorded by an earlier
// or concurrent pass are skipped, and so are sales still waiting for a price. Sales are
// written persist.SalesPerTransaction at a time, each chunk retried as a whole; a chunk that
// still fails is alerted on and ends its source, chunks already written stay written.
func (a *Aggregator) recordSales(ctx context.Context, slug string, sales []persist.SaleData) ([]CollectionVolume, error) {
	var (
		errs  *multierror.Error
		added []CollectionVolume
	)
	order, grouped := bySource(sales)
	for _, k := range order {
		total := persist.DailyVolumeRecord{}
		for _, chunk := range util.ChunkBy(grouped[k], persist.SalesPerTransaction) {
			volumes, err := a.writeChunk(ctx, slug, k, chunk)
			if err != nil {
				errs = multierror.Append(errs, err)
				break
			}
			total = MergeDailyVolumeRecords(total, volumes)
		}
		if len(total) > 0 {
			added = append(added, CollectionVolume{Chain: k.chain, Marketplace: k.marketplace, Volumes: total})
		}
	}
	return added, errs.ErrorOrNil()
}

func (a *Aggregator) writeChunk(ctx context.Context, slug string, k saleSource, chunk []persist.SaleData) (persist.DailyVolumeRecord, error) {
	var written persist.DailyVolumeRecord
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		start := time.Now()
		volumes, err := a.recordChunk(ctx, slug, k, chunk)
		metrics.StatisticsWriteLatency.Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{"slug": slug, "attempt": attempts}).Warn("statistics write failed, retrying")
			return err
		}
		written = volumes
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), maxWriteAttempts-1), ctx))
	if err == nil {
		return written, nil
	}

	fields := logrus.Fields{
		"slug":        slug,
		"chain":       k.chain.String(),
		"marketplace": k.marketplace.String(),
		"sales":       len(chunk),
		"attempts":    attempts,
	}
	logger.For(ctx).WithError(err).WithFields(fields).Error("ALERT: giving up on statistics write")
	sentryutil.ReportError(ctx, err, fields)
	metrics.StatisticsWriteFailures.Inc()
	return nil, fmt.Errorf("update statistics of %s on %s/%s: %w", slug, k.chain, k.marketplace, err)
}

// recordChunk re-reads the chunk on every attempt, so a sale another writer recorded
// meanwhile drops out instead of failing the transaction forever
func (a *Aggregator) recordChunk(ctx context.Context, slug string, k saleSource, chunk []persist.SaleData) (persist.DailyVolumeRecord, error) {
	fresh, err := a.sales.GetUnrecorded(ctx, chunk)
	if err != nil {
		return nil, err
	}
	ready := util.Filter(fresh, func(sale persist.SaleData) bool {
		return sale.PriceState != persist.PriceStatePending
	}, true)
	if len(ready) == 0 {
		return persist.DailyVolumeRecord{}, nil
	}

	keys := make([]persist.Key, len(ready))
	for i, sale := range ready {
		keys[i] = sale.Key()
	}
	volumes := GetDailyVolumesFromSales(ready, a.granularity)
	if err := a.repo.UpdateCollectionStatistics(ctx, slug, k.chain, k.marketplace, volumes, keys); err != nil {
		return nil, err
	}
	return volumes, nil
}
