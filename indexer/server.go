package indexer

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/statistics"
	"github.com/SplitFi/go-salesindexer/util"
)

// defaultChartBuckets is how many buckets a chart request without a range covers
const defaultChartBuckets = 30

// NewRouter builds the status, chart and metrics routes
func NewRouter(states persist.AdapterStateRepository, stats persist.StatisticsRepository, granularity statistics.Granularity) *gin.Engine {
	if env.IsLocal() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	return handlersInit(router, states, stats, granularity)
}

func getStatus(states persist.AdapterStateRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()

		records, err := states.ListAdapterStates(ctx)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"adapters": records})
	}
}

// VolumePoint is one bucket of a chart
type VolumePoint struct {
	Timestamp int64   `json:"timestamp"`
	Volume    float64 `json:"volume"`
	VolumeUSD float64 `json:"volumeUSD"`
}

type chartRange struct {
	from, to    int64
	granularity statistics.Granularity
}

// parseChartRange reads from, to (unix ms) and granularity. Requests may ask for buckets at least
// as wide as the stored ones.
func parseChartRange(c *gin.Context, stored statistics.Granularity) (chartRange, error) {
	r := chartRange{granularity: stored}
	if g := c.Query("granularity"); g != "" {
		parsed, err := statistics.ParseGranularity(g)
		if err != nil {
			return r, err
		}
		if parsed.Step() < stored.Step() {
			return r, fmt.Errorf("granularity %s is finer than the stored %s buckets", parsed, stored)
		}
		r.granularity = parsed
	}

	step := r.granularity.Step()
	r.to = time.Now().UnixMilli()
	if raw := c.Query("to"); raw != "" {
		to, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return r, fmt.Errorf("invalid to %q", raw)
		}
		r.to = to
	}
	r.from = r.to - (defaultChartBuckets-1)*step
	if raw := c.Query("from"); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return r, fmt.Errorf("invalid from %q", raw)
		}
		r.from = from
	}
	if r.from > r.to {
		return r, fmt.Errorf("from %d is after to %d", r.from, r.to)
	}
	r.from, r.to = r.granularity.Truncate(r.from), r.granularity.Truncate(r.to)
	return r, nil
}

// series regroups stored buckets into the requested width and backfills empty buckets with zeros
func (r chartRange) series(volumes persist.DailyVolumeRecord) []VolumePoint {
	regrouped := persist.DailyVolumeRecord{}
	for bucket, v := range volumes {
		b := r.granularity.Truncate(bucket)
		regrouped[b] = regrouped[b].Add(v)
	}
	filled := statistics.FillMissingVolumeRecord(regrouped, r.from, r.to, r.granularity.Step())

	points := make([]VolumePoint, 0, len(filled))
	for _, bucket := range util.SortedKeys(filled) {
		if bucket < r.from || bucket > r.to {
			continue
		}
		v := filled[bucket]
		points = append(points, VolumePoint{Timestamp: bucket, Volume: v.Volume, VolumeUSD: v.VolumeUSD})
	}
	return points
}

// end is the last millisecond covered by the range
func (r chartRange) end() int64 {
	return r.to + r.granularity.Step() - 1
}

func getCollectionVolumes(stats persist.StatisticsRepository, stored statistics.Granularity) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := parseChartRange(c, stored)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		slug := c.Param("slug")

		volumes, err := stats.GetCollectionVolumes(c, slug, r.from, r.end())
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"slug": slug, "granularity": r.granularity, "volumes": r.series(volumes)})
	}
}

func getGlobalVolumes(stats persist.StatisticsRepository, stored statistics.Granularity) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := parseChartRange(c, stored)
		if err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		volumes, err := stats.GetGlobalVolumes(c, r.from, r.end())
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"granularity": r.granularity, "volumes": r.series(volumes)})
	}
}
