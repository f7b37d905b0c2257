package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/service/redis"
)

const (
	defaultL1Size = 4096
	l2TTL         = 30 * 24 * time.Hour
)

// ErrPriceNotFound is returned when no source knows a price
var ErrPriceNotFound = errors.New("price not found")

// TokenPrices is the answer of a historical price lookup
type TokenPrices struct {
	Decimals *int
	// USD maps the requested unix timestamps to prices
	USD map[int64]float64
}

// TokenPriceSource looks up historical USD prices of a token
type TokenPriceSource interface {
	TokenPrices(ctx context.Context, chain persist.Chain, token persist.Address, timestamps []int64) (TokenPrices, error)
}

// BasePriceSource looks up the daily USD price of a chain's native currency
type BasePriceSource interface {
	BasePrice(ctx context.Context, chain persist.Chain, day time.Time) (float64, error)
}

// DailyPrice is the cached price of a token on one day
type DailyPrice struct {
	USD      float64 `json:"usd"`
	Decimals *int    `json:"decimals,omitempty"`
}

// PriceCache memoizes daily prices in process and, when a redis cache is given, across
// processes. Concurrent lookups of the same key share one request.
type PriceCache struct {
	l1     *lru.Cache[string, DailyPrice]
	l2     *redis.Cache
	group  singleflight.Group
	tokens TokenPriceSource
	bases  []BasePriceSource
}

// NewPriceCache tries base price sources in order. l2 may be nil.
func NewPriceCache(tokens TokenPriceSource, l2 *redis.Cache, bases ...BasePriceSource) *PriceCache {
	l1, err := lru.New[string, DailyPrice](defaultL1Size)
	if err != nil {
		panic(err)
	}
	return &PriceCache{l1: l1, l2: l2, tokens: tokens, bases: bases}
}

// TokenPrice returns the USD price of token on the UTC day containing day
func (p *PriceCache) TokenPrice(ctx context.Context, chain persist.Chain, token persist.Address, day time.Time) (DailyPrice, error) {
	day = truncateDay(day)
	key := fmt.Sprintf("%s:%s:%s", chain, token, day.Format("2006-01-02"))
	return p.get(ctx, key, func(ctx context.Context) (DailyPrice, error) {
		ts := priceTimestamp(day)
		prices, err := p.tokens.TokenPrices(ctx, chain, token, []int64{ts})
		if err != nil {
			return DailyPrice{}, err
		}
		usd, ok := prices.USD[ts]
		if !ok {
			return DailyPrice{}, ErrPriceNotFound
		}
		return DailyPrice{USD: usd, Decimals: prices.Decimals}, nil
	})
}

// Prefetch loads the prices of token on several days with a single request
func (p *PriceCache) Prefetch(ctx context.Context, chain persist.Chain, token persist.Address, days []time.Time) error {
	missing := make(map[int64]string)
	timestamps := make([]int64, 0, len(days))
	for _, day := range days {
		day = truncateDay(day)
		key := fmt.Sprintf("%s:%s:%s", chain, token, day.Format("2006-01-02"))
		if _, ok := p.l1.Get(key); ok {
			continue
		}
		ts := priceTimestamp(day)
		if _, seen := missing[ts]; seen {
			continue
		}
		missing[ts] = key
		timestamps = append(timestamps, ts)
	}
	if len(timestamps) <= 1 {
		// a single day is no cheaper than the regular lookup
		return nil
	}

	prices, err := p.tokens.TokenPrices(ctx, chain, token, timestamps)
	if err != nil {
		return err
	}
	for ts, usd := range prices.USD {
		if key, ok := missing[ts]; ok {
			p.store(ctx, key, DailyPrice{USD: usd, Decimals: prices.Decimals})
		}
	}
	return nil
}

// BasePrice returns the USD price of the chain's native currency on the UTC day containing day
func (p *PriceCache) BasePrice(ctx context.Context, chain persist.Chain, day time.Time) (float64, error) {
	day = truncateDay(day)
	key := fmt.Sprintf("base:%s:%s", baseCurrencyID(chain), day.Format("2006-01-02"))
	price, err := p.get(ctx, key, func(ctx context.Context) (DailyPrice, error) {
		var lastErr error = ErrPriceNotFound
		for _, source := range p.bases {
			usd, err := source.BasePrice(ctx, chain, day)
			if err == nil {
				return DailyPrice{USD: usd}, nil
			}
			logger.For(ctx).WithError(err).Warnf("base price source %T failed for %s", source, key)
			lastErr = err
		}
		return DailyPrice{}, lastErr
	})
	return price.USD, err
}

func (p *PriceCache) get(ctx context.Context, key string, lookup func(context.Context) (DailyPrice, error)) (DailyPrice, error) {
	if price, ok := p.l1.Get(key); ok {
		return price, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if p.l2 != nil {
			if b, err := p.l2.Get(ctx, key); err == nil {
				var price DailyPrice
				if err := json.Unmarshal(b, &price); err == nil {
					p.l1.Add(key, price)
					return price, nil
				}
			} else if !errors.Is(err, redis.ErrKeyNotFound) {
				logger.For(ctx).WithError(err).Warn("price cache read failed")
			}
		}

		price, err := lookup(ctx)
		if err != nil {
			return DailyPrice{}, err
		}
		p.store(ctx, key, price)
		return price, nil
	})
	if err != nil {
		return DailyPrice{}, err
	}
	return v.(DailyPrice), nil
}

func (p *PriceCache) store(ctx context.Context, key string, price DailyPrice) {
	p.l1.Add(key, price)
	if p.l2 == nil {
		return
	}
	b, err := json.Marshal(price)
	if err != nil {
		return
	}
	if err := p.l2.Set(ctx, key, b, l2TTL); err != nil {
		logger.For(ctx).WithError(err).Warn("price cache write failed")
	}
}

func truncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// priceTimestamp is the unix time a day's price is read at: noon, or now for the current day
func priceTimestamp(day time.Time) int64 {
	noon := truncateDay(day).Add(12 * time.Hour)
	if now := time.Now(); noon.After(now) {
		return now.Unix()
	}
	return noon.Unix()
}

// baseCurrencyID is the coingecko id of the chain's native currency
func baseCurrencyID(chain persist.Chain) string {
	if chain == persist.ChainPolygon {
		return "matic-network"
	}
	return "ethereum"
}
