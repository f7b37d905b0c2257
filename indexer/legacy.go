package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

var wyvernInterface = Interface{Type: "Wyvern", ABI: contracts.WyvernABI}

// legacyScanner decodes Wyvern OrdersMatched events
type legacyScanner struct {
	*scanBase
}

func (s *legacyScanner) FetchSales(ctx context.Context) (<-chan ChainEvents, <-chan error) {
	return s.scan(ctx, s)
}

func (s *legacyScanner) decodeWindow(ctx context.Context, w *window) error {
	receipts, err := s.fetchReceipts(ctx, w)
	if err != nil {
		return err
	}

	// index of the previous match in each transaction, so a bundle's legs aren't counted twice
	previous := make(map[string]uint)
	decoded := 0
	for _, l := range w.logs {
		d, err := Decode(l, CandidateInterfaces(wyvernInterface)...)
		if err != nil {
			s.dropped(ctx, l, err)
			continue
		}
		if d.Event != "OrdersMatched" {
			s.dropped(ctx, l, fmt.Errorf("unexpected %s %s event", d.Type, d.Event))
			continue
		}
		receipt := receipts[l.TxHash]
		if receipt == nil {
			s.dropped(ctx, l, fmt.Errorf("no receipt"))
			continue
		}

		tx := l.TxHash.Hex()
		lower, seen := previous[tx]
		if seen {
			lower++
		}
		previous[tx] = l.Index

		w.add(l.TxHash, receipt, legacyMetadata(d, receipt.Logs, lower, s.cfg.Chain.NativeTokenAddress()))
		decoded++
	}
	s.decoded(decoded)
	return nil
}

// legacyMetadata classifies the trade from the transfer legs in [lower, match) of the transaction.
// Without an NFT leg the match's own maker and taker are used and the trade is flagged non-standard.
func legacyMetadata(match Decoded, txLogs []*types.Log, lower uint, native persist.Address) persist.EventMetadata {
	l := match.Log
	price := match.bigInt("price")
	if price == nil {
		price = new(big.Int)
	}

	preceding := make([]*types.Log, 0, len(txLogs))
	for _, tl := range txLogs {
		if tl.Index >= lower && tl.Index < l.Index {
			preceding = append(preceding, tl)
		}
	}
	legs := transferLegs(preceding)

	meta := persist.EventMetadata{
		Price:           price,
		EventSignatures: []string{l.Topics[0].Hex()},
		Data:            hexutil.Encode(l.Data),
		LogIndex:        l.Index,
		BlockNumber:     persist.BlockNumber(l.BlockNumber),
	}

	standard := ""
	for _, leg := range legs {
		if leg.Standard == ERC721Interface.Type {
			standard = leg.Standard
			break
		}
		if leg.Standard == ERC1155Interface.Type {
			standard = leg.Standard
		}
	}

	if standard == "" {
		meta.NonStandard = true
		meta.ContractAddress = persist.NewAddress(l.Address)
		meta.Seller = match.address("maker")
		meta.Buyer = match.address("taker")
		meta.Count = 1
		meta.Payment = persist.Payment{Address: native, Amount: new(big.Int).Set(price)}
		return meta
	}

	var nftLegs, paymentLegs []transferLeg
	for _, leg := range legs {
		switch {
		case leg.Standard == standard:
			nftLegs = append(nftLegs, leg)
		case leg.Standard == ERC20Interface.Type:
			paymentLegs = append(paymentLegs, leg)
		}
	}

	first := nftLegs[0]
	meta.ContractAddress = first.Contract
	meta.Seller = first.From
	meta.Buyer = first.To

	var ids []string
	count := new(big.Int)
	for _, leg := range nftLegs {
		if leg.Contract != first.Contract {
			continue
		}
		ids = append(ids, tokenIDStrings(leg.TokenIDs)...)
		count.Add(count, leg.total())
	}
	if len(ids) > 0 {
		meta.TokenID = ids[0]
	}
	if len(ids) > 1 {
		meta.TokenIDs = ids
		meta.BundleSale = true
	}
	meta.Count = count.Uint64()
	meta.EventSignatures = append(meta.EventSignatures, standardTopic(standard).Hex())

	meta.Payment = persist.Payment{Address: native, Amount: new(big.Int).Set(price)}
	for _, leg := range paymentLegs {
		if leg.From == meta.Buyer || leg.To == meta.Seller {
			meta.Payment.Address = leg.Contract
			break
		}
	}
	return meta
}

func standardTopic(standard string) common.Hash {
	if standard == ERC1155Interface.Type {
		return contracts.TransferSingleTopic
	}
	return contracts.TransferTopic
}
