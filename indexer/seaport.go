package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SplitFi/go-salesindexer/contracts"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

// orderShape is the kind of trade a Seaport order is, read from its first offer and consideration items
type orderShape int

const (
	shapeUnknown orderShape = iota
	// payment token offered for an NFT
	shapeBid
	// NFT offered for the native currency
	shapeNativeSale
	// NFT offered for an ERC-20
	shapeTokenSale
)

var errUnknownOrderShape = errors.New("unknown order shape")

// seaportScanner decodes OrderFulfilled events. Everything it needs is in the event itself, so
// receipts are not fetched.
type seaportScanner struct {
	*scanBase
}

func (s *seaportScanner) FetchSales(ctx context.Context) (<-chan ChainEvents, <-chan error) {
	return s.scan(ctx, s)
}

func (s *seaportScanner) decodeWindow(ctx context.Context, w *window) error {
	decoded := 0
	for _, l := range w.logs {
		event, err := decodeOrderFulfilled(l)
		if err != nil {
			s.dropped(ctx, l, err)
			continue
		}
		metas, err := seaportMetadata(l, event, s.cfg.Chain.NativeTokenAddress())
		if err != nil {
			s.dropped(ctx, l, err)
			continue
		}
		for _, meta := range metas {
			w.add(l.TxHash, nil, meta)
		}
		decoded++
	}
	s.decoded(decoded)
	return nil
}

func decodeOrderFulfilled(l types.Log) (*contracts.OrderFulfilled, error) {
	if len(l.Topics) < 3 || l.Topics[0] != contracts.OrderFulfilledTopic {
		return nil, fmt.Errorf("not an OrderFulfilled log")
	}
	var event contracts.OrderFulfilled
	if err := contracts.SeaportABI.UnpackIntoInterface(&event, "OrderFulfilled", l.Data); err != nil {
		return nil, fmt.Errorf("unpack seaport event: %w", err)
	}
	event.Offerer = common.BytesToAddress(l.Topics[1].Bytes())
	event.Zone = common.BytesToAddress(l.Topics[2].Bytes())
	return &event, nil
}

func classifyOrder(event *contracts.OrderFulfilled) orderShape {
	if len(event.Offer) == 0 || len(event.Consideration) == 0 {
		return shapeUnknown
	}
	offer, consideration := event.Offer[0].ItemType, event.Consideration[0].ItemType
	switch {
	case offer == contracts.ItemERC20 && contracts.IsNFT(consideration):
		return shapeBid
	case contracts.IsNFT(offer) && consideration == contracts.ItemNative:
		return shapeNativeSale
	case contracts.IsNFT(offer) && consideration == contracts.ItemERC20:
		return shapeTokenSale
	default:
		return shapeUnknown
	}
}

type nftItem struct {
	token  common.Address
	id     *big.Int
	amount *big.Int
}

// seaportMetadata builds one trade per NFT contract in the order. The payment is split across
// contracts by their share of NFT items; the last contract takes the rounding remainder.
func seaportMetadata(l types.Log, event *contracts.OrderFulfilled, native persist.Address) ([]persist.EventMetadata, error) {
	var (
		nfts         []nftItem
		payment      = new(big.Int)
		paymentToken persist.Address
		buyer        persist.Address
		seller       persist.Address
	)

	switch classifyOrder(event) {
	case shapeBid:
		buyer, seller = persist.NewAddress(event.Offerer), persist.NewAddress(event.Recipient)
		token := event.Offer[0].Token
		paymentToken = persist.NewAddress(token)
		for _, item := range event.Offer {
			if item.ItemType == contracts.ItemERC20 && item.Token == token {
				payment.Add(payment, item.Amount)
			}
		}
		for _, item := range event.Consideration {
			if contracts.IsNFT(item.ItemType) {
				nfts = append(nfts, nftItem{token: item.Token, id: item.Identifier, amount: item.Amount})
			}
		}
	case shapeNativeSale, shapeTokenSale:
		buyer, seller = persist.NewAddress(event.Recipient), persist.NewAddress(event.Offerer)
		first := event.Consideration[0]
		paymentToken = native
		if first.ItemType == contracts.ItemERC20 {
			paymentToken = persist.NewAddress(first.Token)
		}
		for _, item := range event.Consideration {
			if item.ItemType == first.ItemType && item.Token == first.Token {
				payment.Add(payment, item.Amount)
			}
		}
		for _, item := range event.Offer {
			if contracts.IsNFT(item.ItemType) {
				nfts = append(nfts, nftItem{token: item.Token, id: item.Identifier, amount: item.Amount})
			}
		}
	default:
		return nil, errUnknownOrderShape
	}

	if len(nfts) == 0 {
		return nil, errUnknownOrderShape
	}

	// contracts in order of first appearance
	var order []common.Address
	byContract := make(map[common.Address][]nftItem)
	for _, n := range nfts {
		if _, ok := byContract[n.token]; !ok {
			order = append(order, n.token)
		}
		byContract[n.token] = append(byContract[n.token], n)
	}

	nonStandard := buyer == persist.ZeroAddress
	weights := make([]int64, len(order))
	for i, token := range order {
		weights[i] = int64(len(byContract[token]))
	}
	shares := splitProportional(payment, weights)
	metas := make([]persist.EventMetadata, 0, len(order))
	for i, token := range order {
		items := byContract[token]
		share := shares[i]

		ids := make([]string, 0, len(items))
		count := new(big.Int)
		for _, item := range items {
			ids = append(ids, item.id.String())
			count.Add(count, item.amount)
		}

		meta := persist.EventMetadata{
			ContractAddress: persist.NewAddress(token),
			Buyer:           buyer,
			Seller:          seller,
			TokenID:         ids[0],
			Price:           new(big.Int).Set(share),
			Payment:         persist.Payment{Address: paymentToken, Amount: new(big.Int).Set(share)},
			Count:           count.Uint64(),
			EventSignatures: []string{l.Topics[0].Hex()},
			Data:            hexutil.Encode(l.Data),
			LogIndex:        l.Index,
			BlockNumber:     persist.BlockNumber(l.BlockNumber),
			BundleSale:      len(nfts) > 1,
			NonStandard:     nonStandard,
		}
		if len(ids) > 1 {
			meta.TokenIDs = ids
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
