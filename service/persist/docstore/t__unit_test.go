package docstore

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/persist/memstore"
)

const (
	testContract    persist.Address     = "0x60e4d786628fea6478f785a6d7e704777c86a7c6"
	testMarketplace persist.Marketplace = "opensea"
	testTxnHash                         = "0x7d3c2a6e52c3f0be8b3b4e7a2a0c3d07b1f6a0f3a8b0ad49f1f3d6d1c2e3f4a5"
)

func setupTest(t *testing.T) (*assert.Assertions, *memstore.Store) {
	t.Helper()
	return assert.New(t), memstore.New(persist.RecordStateIndex)
}

func testSale(ts string, logIndex uint, price int64) persist.SaleData {
	base, usd := 1.5, 2500.0
	return persist.SaleData{
		EventMetadata: persist.EventMetadata{
			ContractAddress: testContract,
			Buyer:           "0x0000000000000000000000000000000000000b0b",
			Seller:          "0x0000000000000000000000000000000000000a11",
			TokenID:         "42",
			Price:           big.NewInt(price),
			Payment:         persist.Payment{Address: persist.ZeroAddress, Amount: big.NewInt(price)},
			Count:           1,
			LogIndex:        logIndex,
			BlockNumber:     15000000,
		},
		TxnHash:     testTxnHash,
		Timestamp:   ts,
		PriceBase:   &base,
		PriceUSD:    &usd,
		PriceState:  persist.PriceStateConverted,
		Marketplace: testMarketplace,
		Chain:       persist.ChainETH,
		RecordState: persist.RecordStateUnprocessed,
	}
}

func TestPutSales_RoundTrip(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	sale := testSale("1659312000000", 7, 1000000000000000000)
	sale.TokenIDs = []string{"42", "43"}
	sale.BundleSale = true
	require.NoError(t, repo.PutSales(ctx, []persist.SaleData{sale}))

	sales, err := repo.GetSales(ctx, testContract, testMarketplace, 1659312000000, 1659312000000)
	require.NoError(t, err)
	require.Len(t, sales, 1)

	got := sales[0]
	a.Equal(sale.Key(), got.Key())
	a.Equal(0, sale.Price.Cmp(got.Price))
	a.Equal(0, sale.Payment.Amount.Cmp(got.Payment.Amount))
	a.Equal([]string{"42", "43"}, got.TokenIDs)
	a.True(got.BundleSale)
	a.Equal(persist.ChainETH, got.Chain)
	a.Equal(uint(7), got.LogIndex)
	a.True(got.HasValidPrice())
}

func TestPutSales_MigratesLegacyKey(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	sale := testSale("1659312000000", 3, 500)
	legacy := saleToItem(sale)
	legacy["SK"] = persist.LegacySaleSK(sale.Timestamp, sale.TxnHash)
	require.NoError(t, store.Put(ctx, legacy))

	require.NoError(t, repo.UpdateRecordState(ctx, []persist.SaleData{sale}, persist.RecordStateCollectionExists))

	_, err := store.Get(ctx, sale.LegacyKey())
	a.ErrorIs(err, persist.ErrNotFound)

	item, err := store.Get(ctx, sale.Key())
	require.NoError(t, err)
	a.Equal("1659312000000#txnHash#"+testTxnHash+"#3", persist.KeyOf(item).SK)
	a.Equal(string(persist.RecordStateCollectionExists), item.String("recordState"))
	a.Equal(1, store.Len())
}

func TestPutSales_BundleSalesKeepDistinctKeys(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	sales := []persist.SaleData{testSale("1659312000000", 1, 10), testSale("1659312000000", 2, 20)}
	require.NoError(t, repo.PutSales(ctx, sales))

	a.Equal(2, store.Len())
	a.Equal(1, store.TransactCalls())
}

func TestMigrateLegacyKeys(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	for i := uint(0); i < 30; i++ {
		sale := testSale("16593120"+padded(i), i, 10)
		legacy := saleToItem(sale)
		legacy["SK"] = persist.LegacySaleSK(sale.Timestamp, sale.TxnHash)
		require.NoError(t, store.Put(ctx, legacy))
	}
	require.NoError(t, store.Put(ctx, persist.Item{"PK": persist.AdapterStatePK, "SK": "unrelated"}))

	migrated, err := repo.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	a.Equal(30, migrated)
	a.Equal(31, store.Len())

	again, err := repo.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	a.Equal(0, again)
}

func TestGetSalesByRecordState_Pages(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	var sales []persist.SaleData
	for i := uint(0); i < 7; i++ {
		sale := testSale("16593120"+padded(i), 0, 10)
		sale.TxnHash = testTxnHash[:len(testTxnHash)-1] + string(rune('0'+i))
		sales = append(sales, sale)
	}
	require.NoError(t, repo.PutSales(ctx, sales))

	var (
		cursor persist.Item
		seen   int
	)
	for {
		page, next, err := repo.GetSalesByRecordState(ctx, persist.RecordStateUnprocessed, 3, cursor)
		require.NoError(t, err)
		seen += len(page)
		if next == nil {
			break
		}
		cursor = next
	}
	a.Equal(7, seen)
}

func TestAdapterState_CreateAndAdvance(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewAdapterStateRepository(store)

	_, err := repo.GetSalesAdapterState(ctx, testMarketplace, persist.ChainETH, false, 0, "seaport")
	a.ErrorAs(err, &persist.ErrAdapterStateNotFound{})

	state, err := repo.GetSalesAdapterState(ctx, testMarketplace, persist.ChainETH, true, 14946474, "seaport")
	require.NoError(t, err)
	a.Equal(persist.BlockNumber(14946474), state.LastSyncedBlockNumber)

	require.NoError(t, repo.UpdateSalesLastSyncedBlockNumber(ctx, testMarketplace, 14946724, persist.ChainETH, "seaport"))
	require.NoError(t, repo.UpdateSalesLastSyncedBlockNumber(ctx, testMarketplace, 14946500, persist.ChainETH, "seaport"))

	state, err = repo.GetSalesAdapterState(ctx, testMarketplace, persist.ChainETH, true, 0, "seaport")
	require.NoError(t, err)
	a.Equal(persist.BlockNumber(14946724), state.LastSyncedBlockNumber)

	states, err := repo.ListAdapterStates(ctx)
	require.NoError(t, err)
	a.Len(states, 1)
	a.Equal(persist.ProviderVariant("seaport"), states[0].ProviderVariant)
}

func TestCollections(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewCollectionRepository(store)

	_, err := repo.GetSlug(ctx, persist.ChainETH, testContract)
	a.ErrorAs(err, &persist.ErrCollectionNotFound{})

	require.NoError(t, repo.UpsertCollection(ctx, persist.Collection{Slug: "mutant-ape-yacht-club", Chain: persist.ChainETH, ContractAddress: testContract}))
	slug, err := repo.GetSlug(ctx, persist.ChainETH, testContract)
	require.NoError(t, err)
	a.Equal("mutant-ape-yacht-club", slug)

	collections, err := repo.ListCollections(ctx)
	require.NoError(t, err)
	a.Len(collections, 1)
}

func TestUpdateCollectionStatistics_WritesEveryProjection(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewStatisticsRepository(store)

	day1, day2 := int64(1659312000000), int64(1659398400000)
	volumes := persist.DailyVolumeRecord{
		day1: {Volume: 2, VolumeUSD: 3000},
		day2: {Volume: 1, VolumeUSD: 1600},
	}
	require.NoError(t, repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, volumes, nil))
	require.NoError(t, repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, persist.DailyVolumeRecord{day1: {Volume: 1, VolumeUSD: 1500}}, nil))

	overview, err := store.Get(ctx, persist.Key{PK: persist.CollectionPK("mayc"), SK: persist.CollectionOverviewSK})
	require.NoError(t, err)
	v, _ := overview.Float("volume")
	a.InDelta(4, v, 1e-9)

	chainRow, err := store.Get(ctx, persist.Key{PK: persist.CollectionPK("mayc"), SK: persist.CollectionChainSK(persist.ChainETH)})
	require.NoError(t, err)
	v, _ = chainRow.Float("volumeUSD")
	a.InDelta(6100, v, 1e-9)

	global, err := store.Get(ctx, persist.Key{PK: persist.GlobalStatisticsPK, SK: persist.BucketSK(day1)})
	require.NoError(t, err)
	attr, _ := persist.MarketplaceVolumeAttrs(testMarketplace)
	v, _ = global.Float(attr)
	a.InDelta(3, v, 1e-9)

	series, err := repo.GetCollectionVolumes(ctx, "mayc", day1, day2)
	require.NoError(t, err)
	a.Equal(persist.DailyVolumeRecord{day1: {Volume: 3, VolumeUSD: 4500}, day2: {Volume: 1, VolumeUSD: 1600}}, series)

	a.Equal(2, store.TransactCalls())
}

func TestUpdateCollectionStatistics_FailureWritesNothing(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewStatisticsRepository(store)

	store.FailNextTransactions(1)
	err := repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, persist.DailyVolumeRecord{1659312000000: {Volume: 1, VolumeUSD: 1}}, nil)
	a.ErrorIs(err, persist.ErrTransactionCanceled)
	a.Equal(0, store.Len())
}

func TestUpdateCollectionStatistics_CountsSalesOnce(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	sales := NewSaleRepository(store)
	repo := NewStatisticsRepository(store)

	sale := testSale("1659312000000", 0, 10)
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{sale}))
	volumes := persist.DailyVolumeRecord{1659312000000: {Volume: 1.5, VolumeUSD: 2500}}

	require.NoError(t, repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, volumes, []persist.Key{sale.Key()}))
	err := repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, volumes, []persist.Key{sale.Key()})
	a.ErrorIs(err, persist.ErrTransactionCanceled)

	series, err := repo.GetCollectionVolumes(ctx, "mayc", 1659312000000, 1659312000000)
	require.NoError(t, err)
	a.Equal(persist.VolumeRecord{Volume: 1.5, VolumeUSD: 2500}, series[1659312000000])

	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{sale})
	require.NoError(t, err)
	a.Empty(left)

	item, err := store.Get(ctx, sale.Key())
	require.NoError(t, err)
	a.Equal(string(persist.RecordStateVolumeRecorded), item.String("recordState"))
}

func TestPutSales_KeepsRecordedSales(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	sales := NewSaleRepository(store)
	repo := NewStatisticsRepository(store)

	sale := testSale("1659312000000", 0, 10)
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{sale}))
	require.NoError(t, repo.UpdateCollectionStatistics(ctx, "mayc", persist.ChainETH, testMarketplace, persist.DailyVolumeRecord{1659312000000: {Volume: 1.5, VolumeUSD: 2500}}, []persist.Key{sale.Key()}))

	// a replayed window rebuilds the sale without its price or progress
	replayed := testSale("1659312000000", 0, 10)
	replayed.PriceBase, replayed.PriceUSD, replayed.PriceState = nil, nil, persist.PriceStatePending
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{replayed}))
	require.NoError(t, sales.UpdateRecordState(ctx, []persist.SaleData{replayed}, persist.RecordStateCollectionExists))

	got, err := sales.GetSales(ctx, testContract, testMarketplace, 1659312000000, 1659312000000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	a.Equal(persist.RecordStateVolumeRecorded, got[0].RecordState)
	a.Equal(persist.PriceStateConverted, got[0].PriceState)
	a.True(got[0].HasValidPrice())

	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{replayed})
	require.NoError(t, err)
	a.Empty(left)
}

func TestPutSales_KeepsConvertedPrice(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	sales := NewSaleRepository(store)

	sale := testSale("1659312000000", 0, 10)
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{sale}))

	unconverted := testSale("1659312000000", 0, 10)
	unconverted.PriceBase, unconverted.PriceUSD, unconverted.PriceState = nil, nil, persist.PriceStateUnconverted
	require.NoError(t, sales.PutSales(ctx, []persist.SaleData{unconverted}))

	left, err := sales.GetUnrecorded(ctx, []persist.SaleData{sale})
	require.NoError(t, err)
	require.Len(t, left, 1)
	a.Equal(persist.PriceStateConverted, left[0].PriceState)
	a.Equal(2500.0, *left[0].PriceUSD)
}

func TestPutSales_MigratesRecordedLegacySale(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	sale := testSale("1659312000000", 3, 500)
	sale.RecordState = persist.RecordStateVolumeRecorded
	legacy := saleToItem(sale)
	legacy["SK"] = persist.LegacySaleSK(sale.Timestamp, sale.TxnHash)
	delete(legacy, "volumeRecorded")
	require.NoError(t, store.Put(ctx, legacy))

	got, err := repo.GetSales(ctx, testContract, testMarketplace, 1659312000000, 1659312000000)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = store.Get(ctx, sale.LegacyKey())
	a.ErrorIs(err, persist.ErrNotFound)

	item, err := store.Get(ctx, sale.Key())
	require.NoError(t, err)
	a.Equal(string(persist.RecordStateVolumeRecorded), item.String("recordState"))
	v, _ := item.Float("volumeRecorded")
	a.Equal(1.0, v)
}

func TestGetSales_OrdersAcrossTimestampWidths(t *testing.T) {
	a, store := setupTest(t)
	ctx := context.Background()
	repo := NewSaleRepository(store)

	early := testSale("999000", 0, 10)
	early.TxnHash = testTxnHash[:len(testTxnHash)-1] + "1"
	late := testSale("2800000", 0, 10)
	late.TxnHash = testTxnHash[:len(testTxnHash)-1] + "2"
	require.NoError(t, repo.PutSales(ctx, []persist.SaleData{late, early}))

	got, err := repo.GetSales(ctx, testContract, testMarketplace, 0, 2000000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	a.Equal("999000", got[0].Timestamp)

	got, err = repo.GetSales(ctx, testContract, testMarketplace, 0, 3000000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	a.Equal("999000", got[0].Timestamp)
	a.Equal("2800000", got[1].Timestamp)
}

func padded(i uint) string {
	return string([]byte{'0' + byte(i/100%10), '0' + byte(i/10%10), '0' + byte(i%10), '0', '0'})
}
