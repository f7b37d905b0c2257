package docstore

import (
	"context"
	"fmt"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

const (
	attrVolume    = "volume"
	attrVolumeUSD = "volumeUSD"
)

// StatisticsRepository maintains the aggregate volume rows
type StatisticsRepository struct {
	store persist.Store
}

// NewStatisticsRepository creates a new StatisticsRepository
func NewStatisticsRepository(store persist.Store) *StatisticsRepository {
	return &StatisticsRepository{store: store}
}

// UpdateCollectionStatistics adds volumes to the collection's overview, chain and marketplace
// totals, its time series and the global time series. The rows of a bucket are always
// written in the same transaction. Up to persist.BucketsPerTransaction buckets share one
// transaction, so callers that retry should pass at most that many at a time.
//
// When sales are given, everything goes into a single transaction that also marks each sale
// recorded, and the transaction is canceled if any of them already was.
func (r *StatisticsRepository) UpdateCollectionStatistics(pCtx context.Context, pSlug string, pChain persist.Chain, pMarketplace persist.Marketplace, pVolumes persist.DailyVolumeRecord, pSales []persist.Key) error {
	if len(pSales) > 0 {
		in := statisticsWrites(pSlug, pChain, pMarketplace, pVolumes, util.SortedKeys(pVolumes))
		for _, key := range util.Dedupe(pSales) {
			in.Updates = append(in.Updates, recordUpdate(key))
		}
		if in.Len() > persist.MaxTransactItems {
			return fmt.Errorf("update statistics of %s: %d writes exceed one transaction", pSlug, in.Len())
		}
		if err := r.store.TransactWrite(pCtx, in); err != nil {
			return fmt.Errorf("update statistics of %s: %w", pSlug, err)
		}
		return nil
	}

	buckets := util.SortedKeys(pVolumes)
	for _, chunk := range util.ChunkBy(buckets, persist.BucketsPerTransaction) {
		if err := r.store.TransactWrite(pCtx, statisticsWrites(pSlug, pChain, pMarketplace, pVolumes, chunk)); err != nil {
			return fmt.Errorf("update statistics of %s: %w", pSlug, err)
		}
	}
	return nil
}

// GetCollectionVolumes reads a collection's time series in [fromMs, toMs]
func (r *StatisticsRepository) GetCollectionVolumes(pCtx context.Context, pSlug string, fromMs, toMs int64) (persist.DailyVolumeRecord, error) {
	return r.volumes(pCtx, persist.StatisticsPK(pSlug), fromMs, toMs)
}

// GetGlobalVolumes reads the global time series in [fromMs, toMs]
func (r *StatisticsRepository) GetGlobalVolumes(pCtx context.Context, fromMs, toMs int64) (persist.DailyVolumeRecord, error) {
	return r.volumes(pCtx, persist.GlobalStatisticsPK, fromMs, toMs)
}

func (r *StatisticsRepository) volumes(pCtx context.Context, pk string, fromMs, toMs int64) (persist.DailyVolumeRecord, error) {
	q := persist.QueryInput{
		PartitionValue: pk,
		Sort:           persist.SortCondition{Between: &[2]string{persist.BucketSK(fromMs), persist.BucketSK(toMs)}},
		ScanForward:    true,
	}
	out := persist.DailyVolumeRecord{}
	for {
		page, err := r.store.Query(pCtx, q)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			bucket, err := persist.ParseBucketSK(persist.KeyOf(item).SK)
			if err != nil || bucket < fromMs || bucket > toMs {
				continue
			}
			volume, _ := item.Float(attrVolume)
			volumeUSD, _ := item.Float(attrVolumeUSD)
			out[bucket] = out[bucket].Add(persist.VolumeRecord{Volume: volume, VolumeUSD: volumeUSD})
		}
		if page.LastEvaluatedKey == nil {
			return out, nil
		}
		q.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func statisticsWrites(slug string, chain persist.Chain, marketplace persist.Marketplace, volumes persist.DailyVolumeRecord, buckets []int64) persist.TransactWriteInput {
	var (
		in    persist.TransactWriteInput
		total persist.VolumeRecord
	)
	for _, bucket := range buckets {
		total = total.Add(volumes[bucket])
		in.Updates = append(in.Updates, seriesUpdates(slug, chain, marketplace, bucket, volumes[bucket])...)
	}
	if len(buckets) == 0 {
		return in
	}
	// a transaction may touch an item once, so the totals rows take the chunk's sum
	in.Updates = append(in.Updates, totalsUpdates(slug, chain, marketplace, total)...)
	return in
}

// recordUpdate marks a sale recorded unless it already is
func recordUpdate(key persist.Key) persist.UpdateInput {
	return persist.UpdateInput{
		Key:       key,
		Add:       map[string]float64{attrVolumeRecorded: 1},
		Set:       map[string]any{attrRecordState: string(persist.RecordStateVolumeRecorded)},
		Condition: &persist.Condition{Attribute: attrVolumeRecorded, AtMost: 0},
	}
}

func totalsUpdates(slug string, chain persist.Chain, marketplace persist.Marketplace, v persist.VolumeRecord) []persist.UpdateInput {
	totals := map[string]float64{attrVolume: v.Volume, attrVolumeUSD: v.VolumeUSD}
	return []persist.UpdateInput{
		{Key: persist.Key{PK: persist.CollectionPK(slug), SK: persist.CollectionOverviewSK}, Add: totals},
		{Key: persist.Key{PK: persist.CollectionPK(slug), SK: persist.CollectionChainSK(chain)}, Add: totals},
		{Key: persist.Key{PK: persist.CollectionPK(slug), SK: persist.CollectionMarketplaceSK(marketplace)}, Add: totals},
	}
}

func seriesUpdates(slug string, chain persist.Chain, marketplace persist.Marketplace, bucket int64, v persist.VolumeRecord) []persist.UpdateInput {
	chainVolume, chainVolumeUSD := persist.ChainVolumeAttrs(chain)
	marketVolume, marketVolumeUSD := persist.MarketplaceVolumeAttrs(marketplace)
	series := map[string]float64{
		attrVolume:      v.Volume,
		attrVolumeUSD:   v.VolumeUSD,
		chainVolume:     v.Volume,
		chainVolumeUSD:  v.VolumeUSD,
		marketVolume:    v.Volume,
		marketVolumeUSD: v.VolumeUSD,
	}

	return []persist.UpdateInput{
		{Key: persist.Key{PK: persist.StatisticsPK(slug), SK: persist.BucketSK(bucket)}, Add: series},
		{Key: persist.Key{PK: persist.GlobalStatisticsPK, SK: persist.BucketSK(bucket)}, Add: series},
	}
}
