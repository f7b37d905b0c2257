package indexer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/persist/docstore"
	"github.com/SplitFi/go-salesindexer/service/persist/memstore"
	"github.com/SplitFi/go-salesindexer/service/rpc/rpctest"
)

const (
	testHead      = 1000
	testMatureAge = 12
)

var (
	wyvernAddress  = common.HexToAddress("0x7f268357a8c2552623316e2562d90e642bb538e5")
	seaportAddress = common.HexToAddress("0x00000000006c3852cbef3e08e8df289169ede581")
	raribleAddress = common.HexToAddress("0x9757f2d2b135150bbeb65308d4a91804107cd8d6")
	apes           = common.HexToAddress("0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d")
	mutants        = common.HexToAddress("0x60e4d786628fea6478f785a6d7e704777c86a7c6")
	weth           = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	alice          = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob            = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type repos struct {
	store       *memstore.Store
	sales       *docstore.SaleRepository
	states      *docstore.AdapterStateRepository
	collections *docstore.CollectionRepository
	stats       *docstore.StatisticsRepository
}

func setupTest(t *testing.T) (*assert.Assertions, repos) {
	t.Helper()
	store := memstore.New(persist.RecordStateIndex)
	return assert.New(t), repos{
		store:       store,
		sales:       docstore.NewSaleRepository(store),
		states:      docstore.NewAdapterStateRepository(store),
		collections: docstore.NewCollectionRepository(store),
		stats:       docstore.NewStatisticsRepository(store),
	}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneEther)
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func txHash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(1000 + n))
}

func erc721Transfer(contract, from, to common.Address, id int64, block uint64, index uint, tx common.Hash) *types.Log {
	return &types.Log{
		Address:     contract,
		Topics:      []common.Hash{contracts.TransferTopic, addressTopic(from), addressTopic(to), common.BigToHash(big.NewInt(id))},
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func erc20Transfer(token, from, to common.Address, amount *big.Int, block uint64, index uint, tx common.Hash) *types.Log {
	return &types.Log{
		Address:     token,
		Topics:      []common.Hash{contracts.TransferTopic, addressTopic(from), addressTopic(to)},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func ordersMatched(t *testing.T, maker, taker common.Address, price *big.Int, block uint64, index uint, tx common.Hash) types.Log {
	t.Helper()
	data, err := contracts.WyvernABI.Events["OrdersMatched"].Inputs.NonIndexed().Pack([32]byte{1}, [32]byte{2}, price)
	require.NoError(t, err)
	return types.Log{
		Address:     wyvernAddress,
		Topics:      []common.Hash{contracts.OrdersMatchedTopic, addressTopic(maker), addressTopic(taker), {}},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func orderFulfilled(t *testing.T, offerer, recipient common.Address, offer []contracts.SpentItem, consideration []contracts.ReceivedItem, block uint64, index uint, tx common.Hash) types.Log {
	t.Helper()
	data, err := contracts.SeaportABI.Events["OrderFulfilled"].Inputs.NonIndexed().Pack([32]byte{3}, recipient, offer, consideration)
	require.NoError(t, err)
	return types.Log{
		Address:     seaportAddress,
		Topics:      []common.Hash{contracts.OrderFulfilledTopic, addressTopic(offerer), {}},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func raribleMatch(t *testing.T, leftFill, rightFill *big.Int, block uint64, index uint, tx common.Hash) types.Log {
	t.Helper()
	data, err := contracts.RaribleABI.Events["Match"].Inputs.NonIndexed().Pack([32]byte{4}, [32]byte{5}, leftFill, rightFill)
	require.NoError(t, err)
	return types.Log{
		Address:     raribleAddress,
		Topics:      []common.Hash{contracts.RaribleMatchTopic},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      tx,
	}
}

func nft(contract common.Address, id int64) contracts.SpentItem {
	return contracts.SpentItem{ItemType: contracts.ItemERC721, Token: contract, Identifier: big.NewInt(id), Amount: big.NewInt(1)}
}

func nativePayment(amount *big.Int, recipient common.Address) contracts.ReceivedItem {
	return contracts.ReceivedItem{ItemType: contracts.ItemNative, Identifier: new(big.Int), Amount: amount, Recipient: recipient}
}

// signedTx returns a mainnet transaction from key carrying value
func signedTx(t *testing.T, key *ecdsa.PrivateKey, value *big.Int) *types.Transaction {
	t.Helper()
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &raribleAddress,
		Value:    value,
	})
	require.NoError(t, err)
	return tx
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// addSale registers a sale log and its receipt with the fake client
func addSale(client *rpctest.Client, sale types.Log, legs ...*types.Log) {
	client.Logs = append(client.Logs, sale)
	receipt, ok := client.Receipts[sale.TxHash]
	if !ok {
		receipt = &types.Receipt{TxHash: sale.TxHash, BlockNumber: new(big.Int).SetUint64(sale.BlockNumber)}
		client.Receipts[sale.TxHash] = receipt
	}
	receipt.Logs = append(receipt.Logs, legs...)
	l := sale
	receipt.Logs = append(receipt.Logs, &l)
}

func wyvernConfig() MarketplaceConfig {
	return MarketplaceConfig{
		Marketplace:     "opensea",
		Variant:         "wyvern",
		Kind:            KindLegacy,
		Chain:           persist.ChainETH,
		Contracts:       []string{wyvernAddress.Hex()},
		EventSignature:  contracts.WyvernABI.Events["OrdersMatched"].Sig,
		DeploymentBlock: 100,
		BlockRange:      250,
	}
}

func seaportConfig() MarketplaceConfig {
	return MarketplaceConfig{
		Marketplace:     "opensea",
		Variant:         "seaport",
		Kind:            KindOrderFulfillment,
		Chain:           persist.ChainETH,
		Contracts:       []string{seaportAddress.Hex()},
		EventSignature:  contracts.SeaportABI.Events["OrderFulfilled"].Sig,
		DeploymentBlock: 100,
		BlockRange:      250,
	}
}

func raribleConfig() MarketplaceConfig {
	return MarketplaceConfig{
		Marketplace:     "rarible",
		Variant:         "exchange-v2",
		Kind:            KindAggregator,
		Chain:           persist.ChainETH,
		Contracts:       []string{raribleAddress.Hex()},
		EventSignature:  contracts.RaribleABI.Events["Match"].Sig,
		DeploymentBlock: 100,
		BlockRange:      50,
	}
}

func newTestScanner(t *testing.T, cfg MarketplaceConfig, client *rpctest.Client, states persist.AdapterStateRepository) MarketplaceScanner {
	t.Helper()
	s, err := NewScanner(cfg, ScannerDeps{
		Client:           client,
		States:           states,
		MatureBlockAge:   testMatureAge,
		BlockParallelism: 2,
		RunName:          "test",
	})
	require.NoError(t, err)
	fastRetries(s)
	t.Cleanup(s.Close)
	return s
}

func fastRetries(s MarketplaceScanner) {
	switch v := s.(type) {
	case *legacyScanner:
		v.retryWait = 0
	case *seaportScanner:
		v.retryWait = 0
	case *aggregatorScanner:
		v.retryWait = 0
	}
}

// drain collects every batch of a pass and its fatal error
func drain(ctx context.Context, s MarketplaceScanner) ([]ChainEvents, error) {
	batches, errs := s.FetchSales(ctx)
	var out []ChainEvents
	for b := range batches {
		out = append(out, b)
	}
	return out, <-errs
}

// salesOf flattens the trades of a batch in log order
func salesOf(batches []ChainEvents) []persist.EventMetadata {
	var metas []persist.EventMetadata
	for _, b := range batches {
		seen := make(map[common.Hash]bool)
		for _, l := range b.Events {
			if seen[l.TxHash] {
				continue
			}
			seen[l.TxHash] = true
			if r, ok := b.Receipts[l.TxHash]; ok {
				metas = append(metas, r.Meta...)
			}
		}
	}
	return metas
}

// priceConverter prices every sale at its wei amount in ether and 2000 USD per ether
type priceConverter struct{}

func (priceConverter) Convert(ctx context.Context, sales []persist.SaleData) []persist.SaleData {
	for i := range sales {
		base, _ := new(big.Float).Quo(new(big.Float).SetInt(sales[i].Price), new(big.Float).SetInt(oneEther)).Float64()
		usd := base * 2000
		sales[i].PriceBase, sales[i].PriceUSD = &base, &usd
		sales[i].PriceState = persist.PriceStateConverted
	}
	return sales
}
