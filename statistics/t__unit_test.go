package statistics

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SplitFi/go-salesindexer/service/cluster"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/persist/docstore"
	"github.com/SplitFi/go-salesindexer/service/persist/memstore"
	"github.com/SplitFi/go-salesindexer/service/redis"
)

const (
	// Monday 2022-08-01 00:00 UTC
	monday  int64               = 1659312000000
	day     int64               = 86400000
	hour    int64               = 3600000
	apes    persist.Address     = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"
	punks   persist.Address     = "0xb47e3cd837ddf8e4c57f05d70ab865de6e193bbb"
	opensea persist.Marketplace = "opensea"
)

func setupTest(t *testing.T) (*assert.Assertions, *memstore.Store) {
	t.Helper()
	return assert.New(t), memstore.New(persist.RecordStateIndex)
}

func sale(contract persist.Address, tsMs int64, tx string, price int64, base, usd float64) persist.SaleData {
	return persist.SaleData{
		EventMetadata: persist.EventMetadata{
			ContractAddress: contract,
			Buyer:           "0x0000000000000000000000000000000000000b0b",
			Seller:          "0x0000000000000000000000000000000000000a11",
			TokenID:         "1",
			Price:           big.NewInt(price),
			Payment:         persist.Payment{Address: persist.ZeroAddress, Amount: big.NewInt(price)},
			Count:           1,
		},
		TxnHash:     tx,
		Timestamp:   strconv.FormatInt(tsMs, 10),
		PriceBase:   &base,
		PriceUSD:    &usd,
		PriceState:  persist.PriceStateConverted,
		Marketplace: opensea,
		Chain:       persist.ChainETH,
		RecordState: persist.RecordStateUnprocessed,
	}
}

func instantBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func TestTruncate(t *testing.T) {
	a := assert.New(t)
	thursdayAfternoon := monday + 3*day + 15*hour

	a.Equal(monday+3*day+15*hour, GranularityHour.Truncate(thursdayAfternoon+59*60*1000))
	a.Equal(monday+3*day, GranularityDay.Truncate(thursdayAfternoon))
	a.Equal(monday, GranularityWeek.Truncate(thursdayAfternoon))
	a.Equal(monday, GranularityWeek.Truncate(monday+6*day+23*hour))
	a.Equal(monday+7*day, GranularityWeek.Truncate(monday+7*day))
	a.Equal(int64(0), GranularityDay.Truncate(day-1))
}

func TestParseGranularity(t *testing.T) {
	a := assert.New(t)
	g, err := ParseGranularity(" Week ")
	a.NoError(err)
	a.Equal(GranularityWeek, g)
	a.Equal(weekMs, g.Step())

	_, err = ParseGranularity("month")
	a.Error(err)
}

func TestGetDailyVolumesFromSales_SkipsNonPositivePrices(t *testing.T) {
	a := assert.New(t)

	valid := sale(apes, monday+hour, "0x01", 100, 1.5, 2500)
	sameDay := sale(apes, monday+5*hour, "0x02", 100, 0.5, 800)
	nextDay := sale(apes, monday+day+hour, "0x03", 100, 2, 3000)
	zeroPrice := sale(apes, monday, "0x04", 0, 1, 1)
	negativeBase := sale(apes, monday, "0x05", 100, -1, 1)
	zeroUSD := sale(apes, monday, "0x06", 100, 1, 0)
	unconverted := sale(apes, monday, "0x07", 100, 1, 1)
	unconverted.PriceState = persist.PriceStateUnconverted
	unconverted.PriceBase, unconverted.PriceUSD = nil, nil

	volumes := GetDailyVolumesFromSales([]persist.SaleData{
		valid, zeroPrice, sameDay, negativeBase, zeroUSD, unconverted, nextDay,
	}, GranularityDay)

	a.Len(volumes, 2)
	a.Equal(persist.VolumeRecord{Volume: 2, VolumeUSD: 3300}, volumes[monday])
	a.Equal(persist.VolumeRecord{Volume: 2, VolumeUSD: 3000}, volumes[monday+day])
}

func TestMergeDailyVolumeRecords(t *testing.T) {
	a := assert.New(t)
	left := persist.DailyVolumeRecord{
		monday:       {Volume: 1, VolumeUSD: 10},
		monday + day: {Volume: 2, VolumeUSD: 20},
	}
	right := persist.DailyVolumeRecord{
		monday + day:   {Volume: 3, VolumeUSD: 30},
		monday + 2*day: {Volume: 4, VolumeUSD: 40},
	}

	merged := MergeDailyVolumeRecords(left, right)
	a.Equal(persist.DailyVolumeRecord{
		monday:         {Volume: 1, VolumeUSD: 10},
		monday + day:   {Volume: 5, VolumeUSD: 50},
		monday + 2*day: {Volume: 4, VolumeUSD: 40},
	}, merged)
	// inputs are untouched
	a.Equal(persist.VolumeRecord{Volume: 2, VolumeUSD: 20}, left[monday+day])
}

func TestFillMissingVolumeRecord_Idempotent(t *testing.T) {
	a := assert.New(t)
	volumes := persist.DailyVolumeRecord{monday + day: {Volume: 3, VolumeUSD: 30}}

	once := FillMissingVolumeRecord(volumes, monday, monday+3*day, day)
	twice := FillMissingVolumeRecord(once, monday, monday+3*day, day)

	a.Equal(once, twice)
	a.Len(once, 4)
	a.Equal(persist.VolumeRecord{}, once[monday])
	a.Equal(persist.VolumeRecord{Volume: 3, VolumeUSD: 30}, once[monday+day])
	a.Len(volumes, 1)
}

func setupAggregator(t *testing.T, store *memstore.Store, sales ...persist.SaleData) (*Aggregator, *docstore.SaleRepository, *docstore.StatisticsRepository) {
	t.Helper()
	salesRepo := docstore.NewSaleRepository(store)
	repo := docstore.NewStatisticsRepository(store)
	require.NoError(t, salesRepo.PutSales(context.Background(), sales))
	agg := NewAggregator(repo, salesRepo, GranularityDay)
	agg.newBackOff = instantBackOff
	return agg, salesRepo, repo
}

func TestAggregator_RetriesWholeChunk(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	s := sale(apes, monday+hour, "0x01", 100, 1.5, 2500)
	agg, sales, repo := setupAggregator(t, store, s)
	before := store.TransactCalls()

	store.FailNextTransactions(2)
	err := agg.RecordSales(ctx, "apes", []persist.SaleData{s})
	a.NoError(err)
	a.Equal(before+3, store.TransactCalls())

	volumes, err := repo.GetCollectionVolumes(ctx, "apes", monday, monday+day)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 1.5, VolumeUSD: 2500}, volumes[monday])

	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{s})
	a.NoError(err)
	a.Empty(left)
}

func TestAggregator_GivesUpAfterFiveAttempts(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	s := sale(apes, monday+hour, "0x01", 100, 1.5, 2500)
	agg, sales, repo := setupAggregator(t, store, s)
	before := store.TransactCalls()

	store.FailNextTransactions(maxWriteAttempts)
	err := agg.RecordSales(ctx, "apes", []persist.SaleData{s})
	a.Error(err)
	a.Equal(before+maxWriteAttempts, store.TransactCalls())

	volumes, err := repo.GetCollectionVolumes(ctx, "apes", monday, monday+day)
	a.NoError(err)
	a.Empty(volumes)

	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{s})
	a.NoError(err)
	a.Len(left, 1)
}

func TestAggregator_RecordsEachSaleOnce(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	batch := []persist.SaleData{
		sale(apes, monday+hour, "0x01", 100, 1, 1000),
		sale(apes, monday+day, "0x02", 100, 2, 2000),
	}
	agg, _, repo := setupAggregator(t, store, batch...)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.NoError(agg.RecordSales(ctx, "apes", batch))
		}()
	}
	wg.Wait()
	a.NoError(agg.RecordSales(ctx, "apes", batch))

	volumes, err := repo.GetCollectionVolumes(ctx, "apes", monday, monday+day)
	a.NoError(err)
	a.Equal(persist.DailyVolumeRecord{
		monday:       {Volume: 1, VolumeUSD: 1000},
		monday + day: {Volume: 2, VolumeUSD: 2000},
	}, volumes)
}

func TestAggregator_WaitsForPrices(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	pending := sale(apes, monday+hour, "0x01", 100, 0, 0)
	pending.PriceBase, pending.PriceUSD, pending.PriceState = nil, nil, persist.PriceStatePending
	unconvertible := sale(apes, monday+hour, "0x02", 100, 0, 0)
	unconvertible.PriceBase, unconvertible.PriceUSD, unconvertible.PriceState = nil, nil, persist.PriceStateUnconverted
	agg, sales, repo := setupAggregator(t, store, pending, unconvertible)

	a.NoError(agg.RecordSales(ctx, "apes", []persist.SaleData{pending, unconvertible}))
	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{pending, unconvertible})
	a.NoError(err)
	require.Len(t, left, 1)
	a.Equal(pending.Key(), left[0].Key())

	converted := sale(apes, monday+hour, "0x01", 100, 3, 3000)
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{converted}))
	a.NoError(agg.RecordSales(ctx, "apes", []persist.SaleData{pending}))

	volumes, err := repo.GetCollectionVolumes(ctx, "apes", monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 3, VolumeUSD: 3000}, volumes[monday])
}

func TestRedisUnitStore(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisUnitStore(redis.NewCache(client, redis.AggregationCache))

	units, err := store.Load(ctx, "p1")
	a.NoError(err)
	a.Empty(units)

	done := Unit{Slug: "apes", State: UnitCompleted, Result: &UnitResult{Volumes: []CollectionVolume{{
		Chain: persist.ChainETH, Marketplace: opensea, Volumes: persist.DailyVolumeRecord{monday: {Volume: 1, VolumeUSD: 2}},
	}}}}
	a.NoError(store.Save(ctx, "p1", done, Unit{Slug: "punks", State: UnitUnprocessed}))

	units, err = store.Load(ctx, "p1")
	a.NoError(err)
	a.Len(units, 2)
	a.Equal(UnitCompleted, units["apes"].State)
	a.Equal(persist.VolumeRecord{Volume: 1, VolumeUSD: 2}, units["apes"].Result.Volumes[0].Volumes[monday])

	a.NoError(store.Clear(ctx, "p1"))
	units, err = store.Load(ctx, "p1")
	a.NoError(err)
	a.Empty(units)
}

type primaryFixture struct {
	sales *docstore.SaleRepository
	stats *docstore.StatisticsRepository
	units *MemoryUnitStore
	agg   *Aggregator
	run   *Primary
}

func setupPrimary(t *testing.T, store *memstore.Store) primaryFixture {
	t.Helper()
	ctx := context.Background()
	sales := docstore.NewSaleRepository(store)
	stats := docstore.NewStatisticsRepository(store)
	collections := docstore.NewCollectionRepository(store)
	require.NoError(t, collections.UpsertCollection(ctx, persist.Collection{Slug: "apes", Chain: persist.ChainETH, ContractAddress: apes}))
	require.NoError(t, collections.UpsertCollection(ctx, persist.Collection{Slug: "punks", Chain: persist.ChainETH, ContractAddress: punks}))

	m := cluster.NewManager(cluster.Config{
		Size:    2,
		Spawner: cluster.LocalSpawner{NewMethods: func(string) cluster.Methods { return WorkerMethods(sales) }},
	}).Start(ctx)
	t.Cleanup(m.Stop)

	agg := NewAggregator(stats, sales, GranularityDay)
	agg.newBackOff = instantBackOff
	units := NewMemoryUnitStore()
	return primaryFixture{
		sales: sales,
		stats: stats,
		units: units,
		agg:   agg,
		run: NewPrimary(PrimaryConfig{
			Manager:       m,
			Units:         units,
			Collections:   collections,
			Aggregator:    agg,
			Marketplaces:  []persist.Marketplace{opensea},
			Pass:          "test",
			FlushInterval: 10 * time.Millisecond,
		}),
	}
}

func TestPrimary_AggregatesUnrecordedSales(t *testing.T) {
	a, store := setupTest(t)
	f := setupPrimary(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recorded := sale(apes, monday+2*hour, "0x03", 100, 100, 100)
	recorded.RecordState = persist.RecordStateVolumeRecorded
	require.NoError(t, f.sales.PutSales(ctx, []persist.SaleData{
		sale(apes, monday+hour, "0x01", 100, 1, 1000),
		sale(apes, monday+day, "0x02", 100, 2, 2000),
		recorded,
		sale(punks, monday+hour, "0x04", 100, 5, 5000),
	}))

	a.NoError(f.run.Run(ctx))

	apesVolumes, err := f.stats.GetCollectionVolumes(ctx, "apes", monday, monday+day)
	a.NoError(err)
	a.Equal(persist.DailyVolumeRecord{
		monday:       {Volume: 1, VolumeUSD: 1000},
		monday + day: {Volume: 2, VolumeUSD: 2000},
	}, apesVolumes)

	global, err := f.stats.GetGlobalVolumes(ctx, monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 6, VolumeUSD: 6000}, global[monday])

	left, _, err := f.sales.GetSalesByRecordState(ctx, persist.RecordStateUnprocessed, 100, nil)
	a.NoError(err)
	a.Empty(left)

	units, err := f.units.Load(ctx, "test")
	a.NoError(err)
	a.Empty(units)

	// a second pass finds nothing new to add
	a.NoError(f.run.Run(ctx))
	apesVolumes, err = f.stats.GetCollectionVolumes(ctx, "apes", monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 1, VolumeUSD: 1000}, apesVolumes[monday])
}

func TestPrimary_ResumesInterruptedPass(t *testing.T) {
	a, store := setupTest(t)
	f := setupPrimary(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	apesSale := sale(apes, monday+hour, "0x01", 100, 1, 1000)
	punksSale := sale(punks, monday+hour, "0x02", 100, 5, 5000)
	require.NoError(t, f.sales.PutSales(ctx, []persist.SaleData{apesSale, punksSale}))

	// punks was written before the primary stopped, but its unit was never marked written
	require.NoError(t, f.agg.RecordSales(ctx, "punks", []persist.SaleData{punksSale}))
	require.NoError(t, f.units.Save(ctx, "test",
		Unit{Slug: "apes", State: UnitInProgress, Collections: []persist.Collection{{Slug: "apes", Chain: persist.ChainETH, ContractAddress: apes}}},
		Unit{
			Slug:        "punks",
			State:       UnitWriting,
			Collections: []persist.Collection{{Slug: "punks", Chain: persist.ChainETH, ContractAddress: punks}},
			Result:      &UnitResult{Volumes: VolumesBySource([]persist.SaleData{punksSale}, GranularityDay), Sales: []persist.SaleData{punksSale}},
		},
	))

	a.NoError(f.run.Run(ctx))

	apesVolumes, err := f.stats.GetCollectionVolumes(ctx, "apes", monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 1, VolumeUSD: 1000}, apesVolumes[monday])

	punksVolumes, err := f.stats.GetCollectionVolumes(ctx, "punks", monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 5, VolumeUSD: 5000}, punksVolumes[monday])

	global, err := f.stats.GetGlobalVolumes(ctx, monday, monday)
	a.NoError(err)
	a.Equal(persist.VolumeRecord{Volume: 6, VolumeUSD: 6000}, global[monday])
}

func TestResume(t *testing.T) {
	a := assert.New(t)
	units := map[string]Unit{
		"a": {Slug: "a", State: UnitInProgress},
		"b": {Slug: "b", State: UnitWriting, Result: &UnitResult{}},
		"c": {Slug: "c", State: UnitWriting},
		"d": {Slug: "d", State: UnitCompleted, Result: &UnitResult{}},
	}
	resume(context.Background(), units)
	a.Equal(UnitUnprocessed, units["a"].State)
	a.Equal(UnitCompleted, units["b"].State)
	a.Equal(UnitUnprocessed, units["c"].State)
	a.Equal(UnitCompleted, units["d"].State)
}
