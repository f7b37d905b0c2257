package currency

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/persist"
)

const defaultCoingeckoURL = "https://api.coingecko.com/api/v3"

// CoingeckoClient reads daily prices of native currencies
type CoingeckoClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

type coingeckoHistoryResponse struct {
	MarketData *struct {
		CurrentPrice map[string]float64 `json:"current_price"`
	} `json:"market_data"`
}

// NewCoingeckoClient uses COINGECKO_API_URL and COINGECKO_API_KEY. The public API allows
// roughly one call every few seconds, so the limiter defaults to that.
func NewCoingeckoClient() *CoingeckoClient {
	baseURL := env.GetString("COINGECKO_API_URL")
	if baseURL == "" {
		baseURL = defaultCoingeckoURL
	}
	c := newCoingeckoClient(baseURL, rate.Every(3*time.Second))
	if key := env.GetString("COINGECKO_API_KEY"); key != "" {
		c.http.SetHeader("x-cg-pro-api-key", key)
		c.limiter.SetLimit(rate.Limit(8))
	}
	return c
}

func newCoingeckoClient(baseURL string, limit rate.Limit) *CoingeckoClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests
		})
	return &CoingeckoClient{http: client, limiter: rate.NewLimiter(limit, 1)}
}

// BasePrice returns the USD price of the chain's native currency on day
func (c *CoingeckoClient) BasePrice(ctx context.Context, chain persist.Chain, day time.Time) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	id := baseCurrencyID(chain)
	var body coingeckoHistoryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("date", day.UTC().Format("02-01-2006")).
		SetQueryParam("localization", "false").
		SetResult(&body).
		Get("/coins/{id}/history")
	if err != nil {
		return 0, fmt.Errorf("coingecko history of %s: %w", id, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("coingecko history of %s: unexpected status %s", id, resp.Status())
	}
	if body.MarketData == nil {
		return 0, ErrPriceNotFound
	}
	usd, ok := body.MarketData.CurrentPrice["usd"]
	if !ok || usd <= 0 {
		return 0, ErrPriceNotFound
	}
	return usd, nil
}
