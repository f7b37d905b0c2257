package persist

import (
	"context"
	"fmt"
	"strconv"
)

// GlobalStatisticsPK holds the cross-collection per-bucket rows
const GlobalStatisticsPK = "globalStatistics"

// CollectionOverviewSK is the sort key of a collection's all-time totals
const CollectionOverviewSK = "overview"

// MaxTransactItems is the largest transactional write the stores accept.
const MaxTransactItems = 100

// BucketsPerTransaction is how many buckets fit in one all-or-nothing statistics write.
// Each bucket adds two time series rows on top of the three shared totals rows.
const BucketsPerTransaction = (MaxTransactItems - 3) / 2

// SalesPerTransaction is how many sales fit in one statistics write that also marks them
// recorded. Every sale may open a bucket of its own.
const SalesPerTransaction = (MaxTransactItems - 3) / 3

// VolumeRecord is a volume in base currency and in USD
type VolumeRecord struct {
	Volume    float64 `json:"volume"`
	VolumeUSD float64 `json:"volumeUSD"`
}

// DailyVolumeRecord maps a truncated bucket timestamp (ms) to its volume
type DailyVolumeRecord map[int64]VolumeRecord

// StatisticsRepository writes and reads the aggregate rows. When sales are passed to
// UpdateCollectionStatistics, the volumes are added only if none of those sales has been
// recorded yet, and the sales are marked recorded in the same write.
type StatisticsRepository interface {
	UpdateCollectionStatistics(ctx context.Context, slug string, chain Chain, marketplace Marketplace, volumes DailyVolumeRecord, sales []Key) error
	GetCollectionVolumes(ctx context.Context, slug string, fromMs, toMs int64) (DailyVolumeRecord, error)
	GetGlobalVolumes(ctx context.Context, fromMs, toMs int64) (DailyVolumeRecord, error)
}

// Add returns the sum of two records
func (v VolumeRecord) Add(o VolumeRecord) VolumeRecord {
	return VolumeRecord{Volume: v.Volume + o.Volume, VolumeUSD: v.VolumeUSD + o.VolumeUSD}
}

// CollectionPK is the partition of a collection's totals
func CollectionPK(slug string) string {
	return "collection#" + slug
}

// CollectionChainSK is the sort key of a collection's per-chain totals
func CollectionChainSK(chain Chain) string {
	return "chain#" + chain.String()
}

// CollectionMarketplaceSK is the sort key of a collection's per-marketplace totals
func CollectionMarketplaceSK(marketplace Marketplace) string {
	return "marketplace#" + marketplace.String()
}

// StatisticsPK is the partition of a collection's time series
func StatisticsPK(slug string) string {
	return "statistics#" + slug
}

// timestampWidth is the digit count of millisecond timestamps until the year 2286. Sort keys pad
// timestamps to it so that string order matches numeric order.
const timestampWidth = 13

// BucketSK formats a bucket timestamp as a sort key
func BucketSK(bucketMs int64) string {
	return fmt.Sprintf("%0*d", timestampWidth, bucketMs)
}

// ParseBucketSK reads a timestamp written by BucketSK. Unpadded keys are accepted.
func ParseBucketSK(sk string) (int64, error) {
	return strconv.ParseInt(sk, 10, 64)
}

// ChainVolumeAttrs returns the sparse attribute names for a chain
func ChainVolumeAttrs(chain Chain) (volume, volumeUSD string) {
	return fmt.Sprintf("chain_%s_volume", chain), fmt.Sprintf("chain_%s_volumeUSD", chain)
}

// MarketplaceVolumeAttrs returns the sparse attribute names for a marketplace
func MarketplaceVolumeAttrs(marketplace Marketplace) (volume, volumeUSD string) {
	return fmt.Sprintf("marketplace_%s_volume", marketplace), fmt.Sprintf("marketplace_%s_volumeUSD", marketplace)
}
