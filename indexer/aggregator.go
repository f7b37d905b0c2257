package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/iter"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
	"github.com/SplitFi/go-salesindexer/service/tracing"
)

var raribleInterface = Interface{Type: "Rarible", ABI: contracts.RaribleABI}

// aggregatorScanner rebuilds trades from whole transactions. The Match event only carries the
// fills of both orders, so buyer, seller and payment come from the token legs of the receipt
// and the value of the transaction.
type aggregatorScanner struct {
	*scanBase
}

func (s *aggregatorScanner) FetchSales(ctx context.Context) (<-chan ChainEvents, <-chan error) {
	return s.scan(ctx, s)
}

func (s *aggregatorScanner) decodeWindow(ctx context.Context, w *window) error {
	receipts, err := s.fetchReceipts(ctx, w)
	if err != nil {
		return err
	}
	txs, err := s.fetchTransactions(ctx, w.txHashes())
	if err != nil {
		return err
	}

	matches := make(map[common.Hash][]Decoded)
	for _, l := range w.logs {
		d, err := Decode(l, CandidateInterfaces(raribleInterface)...)
		if err != nil {
			s.dropped(ctx, l, err)
			continue
		}
		if d.Event != "Match" {
			s.dropped(ctx, l, fmt.Errorf("unexpected %s %s event", d.Type, d.Event))
			continue
		}
		matches[l.TxHash] = append(matches[l.TxHash], d)
	}

	decoded := 0
	native := s.cfg.Chain.NativeTokenAddress()
	for _, hash := range w.txHashes() {
		txMatches := matches[hash]
		if len(txMatches) == 0 {
			continue
		}
		receipt, tx := receipts[hash], txs[hash]
		if receipt == nil || tx == nil {
			for _, m := range txMatches {
				s.dropped(ctx, m.Log, fmt.Errorf("transaction %s not found", hash.Hex()))
			}
			continue
		}

		metas, merged := aggregatorMetadata(txMatches, receipt.Logs, tx, native)
		for _, m := range merged {
			s.dropped(ctx, m.Log, fmt.Errorf("merged into the bundle of transaction %s", hash.Hex()))
		}
		for _, meta := range metas {
			w.add(hash, receipt, meta)
		}
		decoded += len(metas)
	}
	s.decoded(decoded)
	return nil
}

func (s *aggregatorScanner) fetchTransactions(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Transaction, error) {
	span, ctx := tracing.StartSpan(ctx, "indexer.transactions", "fetchTransactions")
	defer tracing.FinishSpan(span)

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	txs := make(map[common.Hash]*types.Transaction, len(hashes))
	it := iter.Iterator[common.Hash]{MaxGoroutines: defaultReceiptParallelism}
	it.ForEach(hashes, func(hash *common.Hash) {
		tx, err := rpc.RetryGetTransaction(ctx, s.client, *hash)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("transaction %s: %w", hash.Hex(), err))
			return
		}
		txs[*hash] = tx
	})
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return txs, nil
}

// nftGroup is the NFTs one recipient received from one contract in a transaction
type nftGroup struct {
	contract persist.Address
	buyer    persist.Address
	seller   persist.Address
	standard string
	ids      []string
	count    *big.Int
	items    int
}

// aggregatorMetadata groups the NFT legs of a transaction by (recipient, contract). Each group
// becomes one trade, attributed to the Match logs in order; when a transaction has more Match logs
// than groups the surplus logs are returned as merged. Surplus groups share the last Match log.
func aggregatorMetadata(matches []Decoded, txLogs []*types.Log, tx *types.Transaction, native persist.Address) ([]persist.EventMetadata, []Decoded) {
	legs := transferLegs(txLogs)
	sender := txSender(tx)

	var groups []*nftGroup
	byKey := make(map[[2]persist.Address]*nftGroup)
	for _, leg := range legs {
		if !leg.isNFT() {
			continue
		}
		key := [2]persist.Address{leg.To, leg.Contract}
		g, ok := byKey[key]
		if !ok {
			g = &nftGroup{contract: leg.Contract, buyer: leg.To, seller: leg.From, standard: leg.Standard, count: new(big.Int)}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.ids = append(g.ids, tokenIDStrings(leg.TokenIDs)...)
		g.count.Add(g.count, leg.total())
		g.items += len(leg.TokenIDs)
	}

	if len(groups) == 0 {
		metas := make([]persist.EventMetadata, 0, len(matches))
		for _, m := range matches {
			metas = append(metas, nonStandardMatch(m, sender, native))
		}
		return metas, nil
	}

	weights := make([]int64, len(groups))
	for i, g := range groups {
		weights[i] = int64(g.items)
		if weights[i] == 0 {
			weights[i] = 1
		}
	}
	paymentToken, shares := aggregatorPayment(groups, legs, sender, tx, native, weights)

	metas := make([]persist.EventMetadata, 0, len(groups))
	for i, g := range groups {
		match := matches[len(matches)-1]
		if i < len(matches) {
			match = matches[i]
		}
		l := match.Log

		var amount *big.Int
		nonStandard := false
		if shares != nil {
			amount = shares[i]
		} else {
			// no payment leg at all, fall back to the larger fill of the match
			amount = largerFill(match)
			nonStandard = true
		}

		meta := persist.EventMetadata{
			ContractAddress: g.contract,
			Buyer:           g.buyer,
			Seller:          g.seller,
			Price:           new(big.Int).Set(amount),
			Payment:         persist.Payment{Address: paymentToken, Amount: new(big.Int).Set(amount)},
			Count:           g.count.Uint64(),
			EventSignatures: []string{l.Topics[0].Hex(), standardTopic(g.standard).Hex()},
			Data:            hexutil.Encode(l.Data),
			LogIndex:        l.Index,
			BlockNumber:     persist.BlockNumber(l.BlockNumber),
			BundleSale:      len(g.ids) > 1,
			NonStandard:     nonStandard,
		}
		if len(g.ids) > 0 {
			meta.TokenID = g.ids[0]
		}
		if len(g.ids) > 1 {
			meta.TokenIDs = g.ids
		}
		metas = append(metas, meta)
	}

	var merged []Decoded
	if len(matches) > len(groups) {
		merged = matches[len(groups):]
	}
	return metas, merged
}

// aggregatorPayment finds what the buyers paid. ERC-20 legs sent by a buyer or the transaction
// sender win over the transaction value. Shares is nil when neither exists.
func aggregatorPayment(groups []*nftGroup, legs []transferLeg, sender persist.Address, tx *types.Transaction, native persist.Address, weights []int64) (persist.Address, []*big.Int) {
	buyers := make(map[persist.Address]bool, len(groups)+1)
	for _, g := range groups {
		buyers[g.buyer] = true
	}
	if sender != "" {
		buyers[sender] = true
	}

	var token persist.Address
	total := new(big.Int)
	for _, leg := range legs {
		if leg.Standard != ERC20Interface.Type || !buyers[leg.From] {
			continue
		}
		if token == "" {
			token = leg.Contract
		}
		if leg.Contract == token {
			total.Add(total, leg.total())
		}
	}
	if token != "" && total.Sign() > 0 {
		return token, splitProportional(total, weights)
	}

	if v := tx.Value(); v != nil && v.Sign() > 0 {
		return native, splitProportional(v, weights)
	}
	return native, nil
}

// splitProportional divides total by weight. The last share takes the rounding remainder so the
// shares always sum to total.
func splitProportional(total *big.Int, weights []int64) []*big.Int {
	var sum int64
	for _, w := range weights {
		sum += w
	}
	shares := make([]*big.Int, len(weights))
	remaining := new(big.Int).Set(total)
	for i, w := range weights {
		if i == len(weights)-1 || sum == 0 {
			shares[i] = new(big.Int).Set(remaining)
			remaining.SetInt64(0)
			continue
		}
		share := new(big.Int).Mul(total, big.NewInt(w))
		share.Quo(share, big.NewInt(sum))
		remaining.Sub(remaining, share)
		shares[i] = share
	}
	return shares
}

func nonStandardMatch(m Decoded, sender, native persist.Address) persist.EventMetadata {
	l := m.Log
	price := largerFill(m)
	return persist.EventMetadata{
		ContractAddress: persist.NewAddress(l.Address),
		Buyer:           sender,
		Seller:          persist.ZeroAddress,
		Price:           price,
		Payment:         persist.Payment{Address: native, Amount: new(big.Int).Set(price)},
		Count:           1,
		EventSignatures: []string{l.Topics[0].Hex()},
		Data:            hexutil.Encode(l.Data),
		LogIndex:        l.Index,
		BlockNumber:     persist.BlockNumber(l.BlockNumber),
		NonStandard:     true,
	}
}

func largerFill(m Decoded) *big.Int {
	left, right := m.bigInt("newLeftFill"), m.bigInt("newRightFill")
	switch {
	case left == nil && right == nil:
		return new(big.Int)
	case left == nil:
		return new(big.Int).Set(right)
	case right == nil || left.Cmp(right) >= 0:
		return new(big.Int).Set(left)
	default:
		return new(big.Int).Set(right)
	}
}

func txSender(tx *types.Transaction) persist.Address {
	if tx == nil || tx.ChainId() == nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	return persist.NewAddress(from)
}
