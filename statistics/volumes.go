package statistics

import (
	"fmt"
	"strings"
	"time"

	"github.com/SplitFi/go-salesindexer/service/persist"
)

// Granularity is the width of a volume bucket
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

const (
	hourMs = int64(time.Hour / time.Millisecond)
	dayMs  = 24 * hourMs
	weekMs = 7 * dayMs
)

// ParseGranularity accepts hour, day or week in any case
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GranularityHour, GranularityDay, GranularityWeek:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Step is the bucket width in milliseconds
func (g Granularity) Step() int64 {
	switch g {
	case GranularityHour:
		return hourMs
	case GranularityWeek:
		return weekMs
	default:
		return dayMs
	}
}

// Truncate returns the start of the UTC bucket holding ms. Weeks start on Monday.
func (g Granularity) Truncate(ms int64) int64 {
	switch g {
	case GranularityHour:
		return floorDiv(ms, hourMs) * hourMs
	case GranularityWeek:
		days := floorDiv(ms, dayMs)
		// 1970-01-01 was a Thursday, three days after a Monday
		sinceMonday := ((days+3)%7 + 7) % 7
		return (days - sinceMonday) * dayMs
	default:
		return floorDiv(ms, dayMs) * dayMs
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// GetDailyVolumesFromSales sums the base and USD prices of sales per bucket. Sales without a
// positive converted price, or with an unreadable timestamp, contribute nothing.
func GetDailyVolumesFromSales(sales []persist.SaleData, g Granularity) persist.DailyVolumeRecord {
	volumes := persist.DailyVolumeRecord{}
	for _, sale := range sales {
		if !sale.HasValidPrice() {
			continue
		}
		ts, err := sale.TimestampMs()
		if err != nil {
			continue
		}
		bucket := g.Truncate(ts)
		volumes[bucket] = volumes[bucket].Add(persist.VolumeRecord{Volume: *sale.PriceBase, VolumeUSD: *sale.PriceUSD})
	}
	return volumes
}

// MergeDailyVolumeRecords sums records bucket by bucket into a new record
func MergeDailyVolumeRecords(records ...persist.DailyVolumeRecord) persist.DailyVolumeRecord {
	merged := persist.DailyVolumeRecord{}
	for _, record := range records {
		for bucket, v := range record {
			merged[bucket] = merged[bucket].Add(v)
		}
	}
	return merged
}

// FillMissingVolumeRecord returns a copy of volumes with a zero bucket at every step in
// [startMs, endMs] that has no entry. Existing buckets are never overwritten.
func FillMissingVolumeRecord(volumes persist.DailyVolumeRecord, startMs, endMs, stepMs int64) persist.DailyVolumeRecord {
	filled := make(persist.DailyVolumeRecord, len(volumes))
	for bucket, v := range volumes {
		filled[bucket] = v
	}
	if stepMs <= 0 {
		return filled
	}
	for ts := startMs; ts <= endMs; ts += stepMs {
		if _, ok := filled[ts]; !ok {
			filled[ts] = persist.VolumeRecord{}
		}
	}
	return filled
}
