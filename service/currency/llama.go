package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

const defaultLlamaURL = "https://coins.llama.fi"

// LlamaClient reads historical token prices from the DefiLlama coins API
type LlamaClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

type llamaBatchResponse struct {
	Coins map[string]struct {
		Symbol   string `json:"symbol"`
		Decimals *int   `json:"decimals"`
		Prices   []struct {
			Timestamp int64   `json:"timestamp"`
			Price     float64 `json:"price"`
		} `json:"prices"`
	} `json:"coins"`
}

// NewLlamaClient uses LLAMA_API_URL and allows LLAMA_RPS requests per second
func NewLlamaClient() *LlamaClient {
	baseURL := env.GetString("LLAMA_API_URL")
	if baseURL == "" {
		baseURL = defaultLlamaURL
	}
	rps := env.GetFloat64("LLAMA_RPS")
	if rps <= 0 {
		rps = 5
	}
	return newLlamaClient(baseURL, rate.Limit(rps))
}

func newLlamaClient(baseURL string, limit rate.Limit) *LlamaClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &LlamaClient{http: client, limiter: rate.NewLimiter(limit, 1)}
}

// TokenPrices returns the USD price of token at each timestamp (unix seconds). Timestamps the
// service has no price for are missing from the result.
func (l *LlamaClient) TokenPrices(ctx context.Context, chain persist.Chain, token persist.Address, timestamps []int64) (TokenPrices, error) {
	coin := fmt.Sprintf("%s:%s", chain, token)
	return l.batchHistorical(ctx, coin, timestamps)
}

// BasePrice returns the USD price of the chain's native currency on day
func (l *LlamaClient) BasePrice(ctx context.Context, chain persist.Chain, day time.Time) (float64, error) {
	ts := priceTimestamp(day)
	prices, err := l.batchHistorical(ctx, "coingecko:"+baseCurrencyID(chain), []int64{ts})
	if err != nil {
		return 0, err
	}
	p, ok := prices.USD[ts]
	if !ok {
		return 0, ErrPriceNotFound
	}
	return p, nil
}

func (l *LlamaClient) batchHistorical(ctx context.Context, coin string, timestamps []int64) (TokenPrices, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return TokenPrices{}, err
	}

	coins, err := json.Marshal(map[string][]int64{coin: timestamps})
	if err != nil {
		return TokenPrices{}, err
	}

	var body llamaBatchResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParam("coins", string(coins)).
		SetQueryParam("searchWidth", "6h").
		SetResult(&body).
		Get("/batchHistorical")
	if err != nil {
		return TokenPrices{}, fmt.Errorf("llama prices of %s: %w", coin, err)
	}
	if resp.IsError() {
		return TokenPrices{}, fmt.Errorf("llama prices of %s: unexpected status %s", coin, resp.Status())
	}

	out := TokenPrices{USD: make(map[int64]float64)}
	entry, ok := body.Coins[coin]
	if !ok {
		return out, nil
	}
	out.Decimals = entry.Decimals
	// prices come back in request order but carry the timestamp of the matched point
	for i, p := range entry.Prices {
		if i < len(timestamps) && p.Price > 0 {
			out.USD[timestamps[i]] = p.Price
		}
	}
	return out, nil
}
