// Package currency annotates sales with their price in the chain's base currency and in USD.
package currency

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/rpc"
)

const nativeDecimals = 18

// DecimalsResolver finds the decimals of tokens the price service does not describe
type DecimalsResolver interface {
	Decimals(ctx context.Context, chain persist.Chain, token persist.Address) (uint8, error)
}

// ChainDecimals reads decimals() from the token contract and remembers the answer
type ChainDecimals struct {
	clients func(persist.Chain) (rpc.ChainClient, error)

	mu    sync.Mutex
	known map[string]uint8
}

func NewChainDecimals(clients func(persist.Chain) (rpc.ChainClient, error)) *ChainDecimals {
	return &ChainDecimals{clients: clients, known: make(map[string]uint8)}
}

func (d *ChainDecimals) Decimals(ctx context.Context, chain persist.Chain, token persist.Address) (uint8, error) {
	key := chain.String() + ":" + token.String()
	d.mu.Lock()
	dec, ok := d.known[key]
	d.mu.Unlock()
	if ok {
		return dec, nil
	}

	client, err := d.clients(chain)
	if err != nil {
		return 0, err
	}
	dec, err = rpc.GetTokenDecimals(ctx, client, token.Address())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.known[key] = dec
	d.mu.Unlock()
	return dec, nil
}

// Converter fills PriceBase and PriceUSD of sales
type Converter struct {
	prices   *PriceCache
	decimals DecimalsResolver
}

func NewConverter(prices *PriceCache, decimals DecimalsResolver) *Converter {
	return &Converter{prices: prices, decimals: decimals}
}

type tokenDays struct {
	chain persist.Chain
	token persist.Address
	days  []time.Time
}

// Convert returns a copy of sales with prices set. A sale whose price cannot be found is
// marked UNCONVERTED and keeps nil prices; it is never dropped.
func (c *Converter) Convert(ctx context.Context, sales []persist.SaleData) []persist.SaleData {
	c.prefetch(ctx, sales)

	out := make([]persist.SaleData, len(sales))
	iter.ForEachIdx(sales, func(i int, sale *persist.SaleData) {
		converted := *sale
		if err := c.convertSale(ctx, &converted); err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{
				"txnHash":  converted.TxnHash,
				"chain":    converted.Chain,
				"payment":  converted.Payment.Address,
				"logIndex": converted.LogIndex,
			}).Warn("could not convert sale price")
			metrics.SalesUnconverted.WithLabelValues(converted.Chain.String()).Inc()
			converted.PriceBase, converted.PriceUSD = nil, nil
			converted.PriceState = persist.PriceStateUnconverted
		}
		out[i] = converted
	})
	return out
}

func (c *Converter) convertSale(ctx context.Context, sale *persist.SaleData) error {
	ts, err := sale.TimestampMs()
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", sale.Timestamp, err)
	}
	day := time.UnixMilli(ts).UTC()

	amount := sale.Payment.Amount
	if amount == nil {
		amount = sale.Price
	}
	if amount == nil {
		return fmt.Errorf("sale has no amount")
	}

	baseUSD, err := c.prices.BasePrice(ctx, sale.Chain, day)
	if err != nil {
		return fmt.Errorf("base price: %w", err)
	}

	if sale.Payment.Address == "" || sale.Chain.IsNativeToken(sale.Payment.Address) {
		base := TokenAmount(amount, nativeDecimals)
		setPrices(sale, base, base.Mul(decimal.NewFromFloat(baseUSD)))
		return nil
	}

	price, err := c.prices.TokenPrice(ctx, sale.Chain, sale.Payment.Address, day)
	if err != nil {
		return fmt.Errorf("token price: %w", err)
	}
	decimals, err := c.tokenDecimals(ctx, sale.Chain, sale.Payment.Address, price)
	if err != nil {
		return fmt.Errorf("token decimals: %w", err)
	}

	base, usd := ConvertAmount(amount, decimals, price.USD, baseUSD)
	setPrices(sale, base, usd)
	return nil
}

func (c *Converter) tokenDecimals(ctx context.Context, chain persist.Chain, token persist.Address, price DailyPrice) (int32, error) {
	if price.Decimals != nil {
		return int32(*price.Decimals), nil
	}
	if c.decimals == nil {
		return 0, fmt.Errorf("no decimals for %s", token)
	}
	d, err := c.decimals.Decimals(ctx, chain, token)
	return int32(d), err
}

// prefetch batches the price lookups of every token seen on several days
func (c *Converter) prefetch(ctx context.Context, sales []persist.SaleData) {
	byToken := make(map[string]*tokenDays)
	for _, sale := range sales {
		if sale.Payment.Address == "" || sale.Chain.IsNativeToken(sale.Payment.Address) {
			continue
		}
		ts, err := sale.TimestampMs()
		if err != nil {
			continue
		}
		key := sale.Chain.String() + ":" + sale.Payment.Address.String()
		td, ok := byToken[key]
		if !ok {
			td = &tokenDays{chain: sale.Chain, token: sale.Payment.Address}
			byToken[key] = td
		}
		td.days = append(td.days, time.UnixMilli(ts))
	}

	all := make([]*tokenDays, 0, len(byToken))
	for _, td := range byToken {
		all = append(all, td)
	}
	iter.ForEach(all, func(td **tokenDays) {
		if err := c.prices.Prefetch(ctx, (*td).chain, (*td).token, (*td).days); err != nil {
			logger.For(ctx).WithError(err).Debugf("prefetching prices of %s failed", (*td).token)
		}
	})
}

// TokenAmount scales a raw integer amount down by decimals
func TokenAmount(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}

// ConvertAmount prices amount of a token worth tokenUSD in a base currency worth baseUSD.
// It returns the value in base currency and in USD.
func ConvertAmount(amount *big.Int, decimals int32, tokenUSD, baseUSD float64) (base, usd decimal.Decimal) {
	tokens := TokenAmount(amount, decimals)
	usd = tokens.Mul(decimal.NewFromFloat(tokenUSD))
	base = usd.Div(decimal.NewFromFloat(baseUSD))
	return base, usd
}

func setPrices(sale *persist.SaleData, base, usd decimal.Decimal) {
	b, u := base.InexactFloat64(), usd.InexactFloat64()
	sale.PriceBase, sale.PriceUSD = &b, &u
	sale.PriceState = persist.PriceStateConverted
}
