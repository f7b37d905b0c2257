package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/redis"
	"github.com/SplitFi/go-salesindexer/service/rpc/rpctest"
	"github.com/SplitFi/go-salesindexer/statistics"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

func TestLegacyScanner_WindowsAdvanceContiguously(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	tx := txHash(1)
	addSale(client, ordersMatched(t, alice, bob, ether(2), 150, 1, tx), erc721Transfer(apes, alice, bob, 7, 150, 0, tx))

	batches, err := drain(ctx, newTestScanner(t, wyvernConfig(), client, r.states))
	require.NoError(t, err)

	a.Len(batches, 4)
	start := persist.BlockNumber(100)
	for _, b := range batches {
		a.Equal(start, b.BlockRange.StartBlock)
		a.Greater(b.BlockRange.EndBlock, b.BlockRange.StartBlock)
		start = b.BlockRange.EndBlock
	}
	a.Equal(persist.BlockNumber(testHead-testMatureAge), start)

	sales := salesOf(batches)
	a.Len(sales, 1)
	sale := sales[0]
	a.Equal(persist.NewAddress(apes), sale.ContractAddress)
	a.Equal(persist.NewAddress(alice), sale.Seller)
	a.Equal(persist.NewAddress(bob), sale.Buyer)
	a.Equal("7", sale.TokenID)
	a.Equal(uint64(1), sale.Count)
	a.Equal(0, ether(2).Cmp(sale.Price))
	a.Equal(persist.ChainETH.NativeTokenAddress(), sale.Payment.Address)
	a.False(sale.NonStandard)
	a.NotNil(batches[0].Blocks[150])
}

func TestScanner_NeverQueriesPastMatureHead(t *testing.T) {
	a, r := setupTest(t)
	client := rpctest.NewClient(testHead)

	_, err := drain(context.Background(), newTestScanner(t, wyvernConfig(), client, r.states))
	require.NoError(t, err)

	a.NotEmpty(client.Queries)
	for _, q := range client.Queries {
		a.LessOrEqual(q.ToBlock.Uint64(), uint64(testHead-testMatureAge))
		a.LessOrEqual(q.FromBlock.Uint64(), q.ToBlock.Uint64())
	}
}

func TestScanner_NothingToScanNearHead(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	cfg := wyvernConfig()
	require.NoError(t, r.states.UpdateSalesLastSyncedBlockNumber(ctx, cfg.Marketplace, 980, cfg.Chain, cfg.Variant))

	batches, err := drain(ctx, newTestScanner(t, cfg, client, r.states))
	a.NoError(err)
	a.Empty(batches)
	a.Zero(client.QueryCount())
}

func TestScanner_RetriesWindowBeforeGivingUp(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()

	client := rpctest.NewClient(testHead)
	client.FailLogs = maxWindowRetries
	batches, err := drain(ctx, newTestScanner(t, wyvernConfig(), client, r.states))
	a.NoError(err)
	a.Len(batches, 4)

	_, r = setupTest(t)
	client = rpctest.NewClient(testHead)
	client.FailLogs = maxWindowRetries + 1
	batches, err = drain(ctx, newTestScanner(t, wyvernConfig(), client, r.states))
	a.Error(err)
	a.Empty(batches)
	a.Equal(maxWindowRetries+1, client.QueryCount())
}

func TestLegacyScanner_BundleKeepsOneTradePerMatch(t *testing.T) {
	a, r := setupTest(t)
	client := rpctest.NewClient(testHead)
	tx := txHash(2)
	addSale(client, ordersMatched(t, alice, bob, ether(1), 400, 1, tx), erc721Transfer(apes, alice, bob, 1, 400, 0, tx))
	addSale(client, ordersMatched(t, alice, bob, ether(3), 400, 4, tx),
		erc721Transfer(mutants, alice, bob, 2, 400, 2, tx),
		erc20Transfer(weth, bob, alice, ether(3), 400, 3, tx),
	)

	batches, err := drain(context.Background(), newTestScanner(t, wyvernConfig(), client, r.states))
	require.NoError(t, err)

	var batch ChainEvents
	for _, b := range batches {
		if len(b.Events) > 0 {
			batch = b
		}
	}
	a.Len(batch.Events, 2)
	receipt := batch.Receipts[tx]
	require.NotNil(t, receipt)
	a.Len(receipt.Meta, len(batch.Events))

	a.Equal(persist.NewAddress(apes), receipt.Meta[0].ContractAddress)
	a.Equal(uint(1), receipt.Meta[0].LogIndex)
	a.Equal(0, ether(1).Cmp(receipt.Meta[0].Price))
	a.Equal(persist.ChainETH.NativeTokenAddress(), receipt.Meta[0].Payment.Address)

	a.Equal(persist.NewAddress(mutants), receipt.Meta[1].ContractAddress)
	a.Equal(uint(4), receipt.Meta[1].LogIndex)
	a.Equal(0, ether(3).Cmp(receipt.Meta[1].Price))
	a.Equal(persist.NewAddress(weth), receipt.Meta[1].Payment.Address)
}

func TestLegacyMetadata_NoNFTLegIsNonStandard(t *testing.T) {
	a := assert.New(t)
	match := ordersMatched(t, alice, bob, ether(1), 10, 0, txHash(3))
	d, err := Decode(match, CandidateInterfaces(wyvernInterface)...)
	require.NoError(t, err)

	meta := legacyMetadata(d, []*types.Log{&match}, 0, persist.ChainETH.NativeTokenAddress())
	a.True(meta.NonStandard)
	a.Equal(persist.NewAddress(alice), meta.Seller)
	a.Equal(persist.NewAddress(bob), meta.Buyer)
	a.Equal(persist.NewAddress(wyvernAddress), meta.ContractAddress)
}

func TestDecode_UnknownLogCollectsEveryFailure(t *testing.T) {
	a := assert.New(t)
	l := types.Log{Topics: []common.Hash{common.HexToHash("0x01")}, TxHash: txHash(4)}

	_, err := Decode(l, CandidateInterfaces(wyvernInterface)...)
	var failed AllFailedError
	a.ErrorAs(err, &failed)
	a.Len(failed.Errs.Errors, 4)
}

func TestSeaportScanner_SplitsPaymentAcrossContracts(t *testing.T) {
	a, r := setupTest(t)
	client := rpctest.NewClient(testHead)
	tx := txHash(5)
	fee := big.NewInt(75e15)
	client.Logs = append(client.Logs, orderFulfilled(t, alice, bob,
		[]contracts.SpentItem{nft(apes, 1), nft(apes, 2), nft(mutants, 3)},
		[]contracts.ReceivedItem{nativePayment(new(big.Int).Sub(ether(3), fee), alice), nativePayment(fee, weth)},
		200, 0, tx))

	batches, err := drain(context.Background(), newTestScanner(t, seaportConfig(), client, r.states))
	require.NoError(t, err)
	a.Zero(client.ReceiptCalls)

	sales := salesOf(batches)
	require.Len(t, sales, 2)
	a.Equal(persist.NewAddress(apes), sales[0].ContractAddress)
	a.Equal([]string{"1", "2"}, sales[0].TokenIDs)
	a.Equal(uint64(2), sales[0].Count)
	a.Equal(0, ether(2).Cmp(sales[0].Price))
	a.Equal(persist.NewAddress(mutants), sales[1].ContractAddress)
	a.Equal("3", sales[1].TokenID)
	a.Equal(0, ether(1).Cmp(sales[1].Price))
	for _, s := range sales {
		a.True(s.BundleSale)
		a.Equal(persist.NewAddress(bob), s.Buyer)
		a.Equal(persist.NewAddress(alice), s.Seller)
		a.Equal(persist.ChainETH.NativeTokenAddress(), s.Payment.Address)
	}
}

func TestSeaportMetadata_Bid(t *testing.T) {
	a := assert.New(t)
	l := orderFulfilled(t, bob, alice,
		[]contracts.SpentItem{{ItemType: contracts.ItemERC20, Token: weth, Identifier: new(big.Int), Amount: ether(1)}},
		[]contracts.ReceivedItem{
			{ItemType: contracts.ItemERC721, Token: apes, Identifier: big.NewInt(9), Amount: big.NewInt(1), Recipient: bob},
			{ItemType: contracts.ItemERC20, Token: weth, Identifier: new(big.Int), Amount: big.NewInt(25e15), Recipient: alice},
		},
		300, 2, txHash(6))

	event, err := decodeOrderFulfilled(l)
	require.NoError(t, err)
	a.Equal(shapeBid, classifyOrder(event))

	metas, err := seaportMetadata(l, event, persist.ChainETH.NativeTokenAddress())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	a.Equal(persist.NewAddress(bob), metas[0].Buyer)
	a.Equal(persist.NewAddress(alice), metas[0].Seller)
	a.Equal("9", metas[0].TokenID)
	a.Equal(persist.NewAddress(weth), metas[0].Payment.Address)
	a.Equal(0, ether(1).Cmp(metas[0].Price))
	a.False(metas[0].BundleSale)
}

func TestSeaportMetadata_UnknownShape(t *testing.T) {
	l := orderFulfilled(t, bob, alice,
		[]contracts.SpentItem{{ItemType: contracts.ItemNative, Identifier: new(big.Int), Amount: ether(1)}},
		[]contracts.ReceivedItem{nativePayment(ether(1), bob)},
		300, 2, txHash(7))
	event, err := decodeOrderFulfilled(l)
	require.NoError(t, err)

	_, err = seaportMetadata(l, event, persist.ChainETH.NativeTokenAddress())
	assert.ErrorIs(t, err, errUnknownOrderShape)
}

func TestAggregatorScanner_PaymentFromTransactionValue(t *testing.T) {
	a, r := setupTest(t)
	client := rpctest.NewClient(testHead)
	key, buyer := newKey(t)
	tx := txHash(8)
	addSale(client, raribleMatch(t, big.NewInt(1), ether(1), 120, 1, tx), erc721Transfer(apes, alice, buyer, 5, 120, 0, tx))
	client.Transactions[tx] = signedTx(t, key, ether(15))

	batches, err := drain(context.Background(), newTestScanner(t, raribleConfig(), client, r.states))
	require.NoError(t, err)

	sales := salesOf(batches)
	require.Len(t, sales, 1)
	a.Equal(persist.NewAddress(buyer), sales[0].Buyer)
	a.Equal(persist.NewAddress(alice), sales[0].Seller)
	a.Equal(0, ether(15).Cmp(sales[0].Price))
	a.False(sales[0].NonStandard)
}

func TestAggregatorMetadata(t *testing.T) {
	a := assert.New(t)
	key, sender := newKey(t)
	native := persist.ChainETH.NativeTokenAddress()
	tx := txHash(9)

	match := raribleMatch(t, big.NewInt(2), ether(4), 130, 3, tx)
	d, err := Decode(match, raribleInterface)
	require.NoError(t, err)

	// ERC-20 payment from the buyer wins over the transaction value
	legs := []*types.Log{
		erc721Transfer(apes, alice, bob, 1, 130, 0, tx),
		erc721Transfer(mutants, alice, bob, 2, 130, 1, tx),
		erc20Transfer(weth, bob, alice, ether(6), 130, 2, tx),
	}
	extra := raribleMatch(t, big.NewInt(1), big.NewInt(1), 130, 4, tx)
	dExtra, err := Decode(extra, raribleInterface)
	require.NoError(t, err)

	metas, merged := aggregatorMetadata([]Decoded{d, dExtra}, legs, signedTx(t, key, ether(1)), native)
	require.Len(t, metas, 2)
	a.Empty(merged)
	a.Equal(persist.NewAddress(weth), metas[0].Payment.Address)
	a.Equal(0, ether(3).Cmp(metas[0].Price))
	a.Equal(0, ether(3).Cmp(metas[1].Price))
	a.Equal(uint(3), metas[0].LogIndex)
	a.Equal(uint(4), metas[1].LogIndex)

	// no NFT legs: the fill is the price and the sender the buyer
	metas, _ = aggregatorMetadata([]Decoded{d}, nil, signedTx(t, key, nil), native)
	require.Len(t, metas, 1)
	a.True(metas[0].NonStandard)
	a.Equal(persist.NewAddress(sender), metas[0].Buyer)
	a.Equal(0, ether(4).Cmp(metas[0].Price))
}

func TestSplitProportional(t *testing.T) {
	a := assert.New(t)
	shares := splitProportional(big.NewInt(10), []int64{1, 1, 1})
	a.Equal([]*big.Int{big.NewInt(3), big.NewInt(3), big.NewInt(4)}, shares)

	shares = splitProportional(big.NewInt(7), []int64{2, 5})
	a.Equal(int64(2), shares[0].Int64())
	a.Equal(int64(5), shares[1].Int64())
}

func TestBlockCache_FetchesEachBlockOnce(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	cache := NewBlockCache(persist.ChainETH, client, 2)
	cache.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	defer cache.Close()

	cache.Retrieve(ctx, 10, 14)
	headers, err := cache.GetBlockList(ctx, 10, 14)
	require.NoError(t, err)
	a.Len(headers, 5)
	for i, h := range headers {
		n := uint64(10 + i)
		a.Equal(n, h.Number.Uint64())
		a.Equal(1000+n*12, h.Time)
		a.Equal(1, client.HeaderCalls[n])
	}

	ts, err := cache.TimestampMs(ctx, 12)
	a.NoError(err)
	a.Equal(int64((1000+12*12)*1000), ts)
	a.Equal(1, client.HeaderCalls[12])

	client.FailHeaders = 2
	h, err := cache.Get(ctx, 20)
	a.NoError(err)
	a.Equal(uint64(20), h.Number.Uint64())
	a.Equal(3, client.HeaderCalls[20])
}

func TestParseMarketplaces(t *testing.T) {
	a := assert.New(t)
	SetDefaults()

	configs, err := ParseMarketplaces([]byte(`
marketplaces:
  - marketplace: LooksRare
    kind: legacy
    chain: ethereum
    contracts: ["0x59728544b08ab483533076417fbbb2fd0b17ce3a"]
    topic: "0x95fb6205e23ff6bda16a2d1dba56b9ad7c783f67c96fa149785052f47696f2be"
    deploymentBlock: 13885625
  - marketplace: opensea
    variant: seaport
    kind: order-fulfillment
    contracts: ["0x00000000006c3852cbef3e08e8df289169ede581"]
    eventSignature: "OrderFulfilled(bytes32,address,address,address,(uint8,address,uint256,uint256)[],(uint8,address,uint256,uint256,address)[])"
    blockRange: 100
`))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	a.Equal(persist.Marketplace("looksrare"), configs[0].Marketplace)
	a.Equal(persist.ProviderVariant("default"), configs[0].Variant)
	a.Equal(uint64(250), configs[0].BlockRange)
	topic, err := configs[0].SaleTopic()
	a.NoError(err)
	a.Equal(common.HexToHash("0x95fb6205e23ff6bda16a2d1dba56b9ad7c783f67c96fa149785052f47696f2be"), topic)

	a.Equal(uint64(100), configs[1].BlockRange)
	topic, err = configs[1].SaleTopic()
	a.NoError(err)
	a.Equal(contracts.OrderFulfilledTopic, topic)

	_, err = ParseMarketplaces([]byte(`
marketplaces:
  - {marketplace: x2y2, kind: legacy, contracts: ["0x74312363e45dcaba76c59ec49a7aa8a65a67eed3"], topic: "0x3cbb63f144840e5b1b0a38a7c19211d2e89de4d7c5faf8b2d3c1776c302d1d33"}
  - {marketplace: x2y2, kind: legacy, contracts: ["0x74312363e45dcaba76c59ec49a7aa8a65a67eed3"], topic: "0x3cbb63f144840e5b1b0a38a7c19211d2e89de4d7c5faf8b2d3c1776c302d1d33"}
`))
	a.ErrorContains(err, "duplicate")

	_, err = ParseMarketplaces([]byte(`
marketplaces:
  - {marketplace: x2y2, kind: legacy, contracts: ["not-an-address"], topic: "0x3cbb63f144840e5b1b0a38a7c19211d2e89de4d7c5faf8b2d3c1776c302d1d33"}
`))
	a.Error(err)
}

func TestParseMarketplaces_Chain(t *testing.T) {
	a := assert.New(t)
	SetDefaults()

	configs, err := ParseMarketplaces([]byte(`
marketplaces:
  - {marketplace: opensea, variant: seaport, kind: order-fulfillment, chain: Polygon, contracts: ["0x00000000006c3852cbef3e08e8df289169ede581"], topic: "0x9d9af8e38d66c62e2c12f0225249fd9d721c54b83f48d9352c97c6cacdcb6f31"}
`))
	require.NoError(t, err)
	require.Len(t, configs, 1)
	a.Equal(persist.ChainPolygon, configs[0].Chain)

	_, err = ParseMarketplaces([]byte(`
marketplaces:
  - {marketplace: opensea, kind: order-fulfillment, chain: dogechain, contracts: ["0x00000000006c3852cbef3e08e8df289169ede581"], topic: "0x9d9af8e38d66c62e2c12f0225249fd9d721c54b83f48d9352c97c6cacdcb6f31"}
`))
	a.ErrorContains(err, "unknown chain")
}

func TestDefaultMarketplacesAreValid(t *testing.T) {
	a := assert.New(t)
	SetDefaults()
	for _, cfg := range DefaultMarketplaces() {
		a.NoError(cfg.validate(), cfg.Key())
	}
}

func TestSalesFromBatch_NeedsEveryHeader(t *testing.T) {
	a := assert.New(t)
	tx := txHash(10)
	batch := ChainEvents{
		Chain:  persist.ChainETH,
		Events: []types.Log{{TxHash: tx, BlockNumber: 5}},
		Receipts: TxReceiptsWithMetadata{tx: {Meta: []persist.EventMetadata{
			{TokenID: "1", LogIndex: 0, BlockNumber: 5},
			{TokenID: "2", LogIndex: 1, BlockNumber: 5},
		}}},
		Blocks: map[persist.BlockNumber]*types.Header{5: {Time: 1659312000}},
	}

	sales, err := SalesFromBatch(batch, "opensea")
	require.NoError(t, err)
	a.Len(sales, 2)
	a.Equal("1659312000000", sales[0].Timestamp)
	a.Equal(persist.PriceStatePending, sales[0].PriceState)
	a.Equal(persist.RecordStateUnprocessed, sales[1].RecordState)
	a.Equal(tx.Hex(), sales[1].TxnHash)

	delete(batch.Blocks, 5)
	_, err = SalesFromBatch(batch, "opensea")
	a.Error(err)
}

func TestBlockRuns(t *testing.T) {
	a := assert.New(t)
	a.Nil(blockRuns(nil))
	a.Equal([][2]persist.BlockNumber{{5, 5}}, blockRuns([]persist.BlockNumber{5}))
	a.Equal([][2]persist.BlockNumber{{5, 7}, {9, 9}, {12, 13}}, blockRuns([]persist.BlockNumber{5, 6, 7, 9, 12, 13}))
}

func newTestAdapter(t *testing.T, r repos, client *rpctest.Client, locks *redis.LockClient) *Adapter {
	t.Helper()
	return newTestAdapterWithStates(t, r, r.states, client, locks)
}

func newTestAdapterWithStates(t *testing.T, r repos, states persist.AdapterStateRepository, client *rpctest.Client, locks *redis.LockClient) *Adapter {
	t.Helper()
	cfg := wyvernConfig()
	return NewAdapter(cfg, func(runName string) (MarketplaceScanner, error) {
		s, err := NewScanner(cfg, ScannerDeps{Client: client, States: states, MatureBlockAge: testMatureAge, BlockParallelism: 2, RunName: runName})
		if err == nil {
			fastRetries(s)
		}
		return s, err
	}, AdapterDeps{
		Sales:       r.sales,
		States:      states,
		Collections: r.collections,
		Converter:   priceConverter{},
		Statistics:  statistics.NewAggregator(r.stats, r.sales, statistics.GranularityDay),
		Locks:       locks,
	})
}

func TestAdapter_PersistsSalesAndRecordsVolume(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	tx := txHash(11)
	addSale(client, ordersMatched(t, alice, bob, ether(2), 150, 1, tx), erc721Transfer(apes, alice, bob, 7, 150, 0, tx))
	require.NoError(t, r.collections.UpsertCollection(ctx, persist.Collection{Slug: "apes", Chain: persist.ChainETH, ContractAddress: persist.NewAddress(apes)}))

	adapter := newTestAdapter(t, r, client, nil)
	require.NoError(t, adapter.RunOnce(ctx))

	cfg := wyvernConfig()
	state, err := r.states.GetSalesAdapterState(ctx, cfg.Marketplace, cfg.Chain, false, 0, cfg.Variant)
	require.NoError(t, err)
	a.Equal(persist.BlockNumber(testHead-testMatureAge), state.LastSyncedBlockNumber)

	sales, err := r.sales.GetSales(ctx, persist.NewAddress(apes), cfg.Marketplace, 0, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, sales, 1)
	a.Equal(fmt.Sprint((1000+150*12)*1000), sales[0].Timestamp)
	a.Equal(persist.PriceStateConverted, sales[0].PriceState)
	a.Equal(persist.RecordStateVolumeRecorded, sales[0].RecordState)

	volumes, err := r.stats.GetCollectionVolumes(ctx, "apes", 0, dayMs)
	require.NoError(t, err)
	a.Equal(persist.VolumeRecord{Volume: 2, VolumeUSD: 4000}, volumes[0])

	// the next pass has nothing mature left to scan
	queries := client.QueryCount()
	require.NoError(t, adapter.RunOnce(ctx))
	a.Equal(queries, client.QueryCount())
}

// failingCheckpoints fails the first n checkpoint writes
type failingCheckpoints struct {
	persist.AdapterStateRepository
	n int
}

func (f *failingCheckpoints) UpdateSalesLastSyncedBlockNumber(ctx context.Context, marketplace persist.Marketplace, blockNumber persist.BlockNumber, chain persist.Chain, variant persist.ProviderVariant) error {
	if f.n > 0 {
		f.n--
		return errors.New("checkpoint write timed out")
	}
	return f.AdapterStateRepository.UpdateSalesLastSyncedBlockNumber(ctx, marketplace, blockNumber, chain, variant)
}

func TestAdapter_ReplayedWindowCountsVolumeOnce(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	tx := txHash(12)
	addSale(client, ordersMatched(t, alice, bob, ether(2), 150, 1, tx), erc721Transfer(apes, alice, bob, 7, 150, 0, tx))
	require.NoError(t, r.collections.UpsertCollection(ctx, persist.Collection{Slug: "apes", Chain: persist.ChainETH, ContractAddress: persist.NewAddress(apes)}))

	adapter := newTestAdapterWithStates(t, r, &failingCheckpoints{AdapterStateRepository: r.states, n: 1}, client, nil)
	a.Error(adapter.RunOnce(ctx))
	require.NoError(t, adapter.RunOnce(ctx))

	sales, err := r.sales.GetSales(ctx, persist.NewAddress(apes), "opensea", 0, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, sales, 1)
	a.Equal(persist.RecordStateVolumeRecorded, sales[0].RecordState)
	a.Equal(persist.PriceStateConverted, sales[0].PriceState)

	volumes, err := r.stats.GetCollectionVolumes(ctx, "apes", 0, dayMs)
	require.NoError(t, err)
	a.Equal(persist.VolumeRecord{Volume: 2, VolumeUSD: 4000}, volumes[0])
}

func TestAdapter_FailedPassKeepsCheckpoint(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	client := rpctest.NewClient(testHead)
	client.FailLogs = 100

	adapter := newTestAdapter(t, r, client, nil)
	a.Error(adapter.RunOnce(ctx))

	cfg := wyvernConfig()
	state, err := r.states.GetSalesAdapterState(ctx, cfg.Marketplace, cfg.Chain, false, 0, cfg.Variant)
	require.NoError(t, err)
	a.Equal(persist.BlockNumber(cfg.DeploymentBlock), state.LastSyncedBlockNumber)
}

func TestAdapter_SkipsPassWhileLockIsHeld(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	locks := redis.NewLockClient(redis.NewCache(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), redis.LockCache))
	client := rpctest.NewClient(testHead)

	held, err := locks.Obtain(ctx, wyvernConfig().Key(), time.Minute)
	require.NoError(t, err)

	adapter := newTestAdapter(t, r, client, locks)
	a.NoError(adapter.RunOnce(ctx))
	a.Zero(client.QueryCount())

	require.NoError(t, held.Release(ctx))
	a.NoError(adapter.RunOnce(ctx))
	a.NotZero(client.QueryCount())
}

func TestRouter_Volumes(t *testing.T) {
	a, r := setupTest(t)
	ctx := context.Background()
	require.NoError(t, r.stats.UpdateCollectionStatistics(ctx, "apes", persist.ChainETH, "opensea", persist.DailyVolumeRecord{
		0:         {Volume: 1, VolumeUSD: 2000},
		2 * dayMs: {Volume: 3, VolumeUSD: 6000},
	}, nil))
	router := NewRouter(r.states, r.stats, statistics.GranularityDay)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, err := http.NewRequest(http.MethodGet, path, nil)
		require.NoError(t, err)
		router.ServeHTTP(w, req)
		return w
	}

	w := get(fmt.Sprintf("/collections/apes/volumes?from=0&to=%d", 3*dayMs))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Volumes []VolumePoint `json:"volumes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	a.Equal([]VolumePoint{
		{Timestamp: 0, Volume: 1, VolumeUSD: 2000},
		{Timestamp: dayMs},
		{Timestamp: 2 * dayMs, Volume: 3, VolumeUSD: 6000},
		{Timestamp: 3 * dayMs},
	}, body.Volumes)

	w = get(fmt.Sprintf("/global/volumes?from=0&to=%d", dayMs))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	a.Len(body.Volumes, 2)
	a.Equal(1.0, body.Volumes[0].Volume)

	a.Equal(http.StatusBadRequest, get("/global/volumes?granularity=hour").Code)
	a.Equal(http.StatusBadRequest, get("/global/volumes?from=10&to=1").Code)
	a.Equal(http.StatusOK, get("/status").Code)
	a.Equal(http.StatusOK, get("/alive").Code)
}
