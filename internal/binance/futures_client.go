// Package binance talks to the Binance USD-M futures venue: a small REST
// client for the public market-data endpoints and a combined-stream
// websocket client for book tickers and 1m klines.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-engine/internal/market"
)

// FuturesBaseURL is the production Binance futures REST endpoint.
const FuturesBaseURL = "https://fapi.binance.com"

// FuturesClient fetches public futures market data. No endpoint used here
// requires signing. Retries are deliberately absent: the source manager
// owns failover and polls again on its own schedule.
type FuturesClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewFuturesClient builds a client against baseURL, or the production
// endpoint when baseURL is empty.
func NewFuturesClient(baseURL string, log zerolog.Logger) *FuturesClient {
	if baseURL == "" {
		baseURL = FuturesBaseURL
	}
	return &FuturesClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// FetchPrice returns the latest traded price for a symbol.
func (c *FuturesClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// FetchKlines returns up to limit 1m candles, oldest first.
func (c *FuturesClient) FetchKlines(ctx context.Context, symbol string, limit int) ([]market.Candle, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": "1m",
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]market.Candle, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 5 {
			return nil, fmt.Errorf("error parsing klines: row %d has %d fields", i, len(raw))
		}
		candles[i] = market.Candle{
			Open:  parseFloat(raw[1]),
			High:  parseFloat(raw[2]),
			Low:   parseFloat(raw[3]),
			Close: parseFloat(raw[4]),
		}
	}
	c.log.Debug().Str("symbol", symbol).Int("klines", len(candles)).Msg("fetched 1m klines")
	return candles, nil
}

// FetchPremiumIndex returns the mark price and live funding slice.
func (c *FuturesClient) FetchPremiumIndex(ctx context.Context, symbol string) (market.PremiumIndex, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return market.PremiumIndex{}, fmt.Errorf("error fetching premium index: %w", err)
	}

	var premium struct {
		MarkPrice       float64 `json:"markPrice,string"`
		LastFundingRate float64 `json:"lastFundingRate,string"`
		NextFundingTime int64   `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(resp, &premium); err != nil {
		return market.PremiumIndex{}, fmt.Errorf("error parsing premium index: %w", err)
	}
	return market.PremiumIndex{
		MarkPrice:         premium.MarkPrice,
		LastFundingRate:   premium.LastFundingRate,
		NextFundingTimeMS: premium.NextFundingTime,
	}, nil
}

// FetchFundingRateHistory returns the most recent settled funding rates,
// oldest first.
func (c *FuturesClient) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]market.FundingRatePoint, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/fundingRate", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching funding rate history: %w", err)
	}

	var rates []struct {
		FundingRate float64 `json:"fundingRate,string"`
		FundingTime int64   `json:"fundingTime"`
	}
	if err := json.Unmarshal(resp, &rates); err != nil {
		return nil, fmt.Errorf("error parsing funding rate history: %w", err)
	}

	points := make([]market.FundingRatePoint, len(rates))
	for i, rate := range rates {
		points[i] = market.FundingRatePoint{
			FundingRate:   rate.FundingRate,
			FundingTimeMS: rate.FundingTime,
		}
	}
	return points, nil
}

// FetchOpenInterest returns the current open interest in contracts.
func (c *FuturesClient) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/openInterest", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching open interest: %w", err)
	}

	var oi struct {
		OpenInterest float64 `json:"openInterest,string"`
	}
	if err := json.Unmarshal(resp, &oi); err != nil {
		return 0, fmt.Errorf("error parsing open interest: %w", err)
	}
	return oi.OpenInterest, nil
}

// FetchServerTimeMS returns the venue server time in milliseconds.
func (c *FuturesClient) FetchServerTimeMS(ctx context.Context) (int64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, fmt.Errorf("error fetching server time: %w", err)
	}

	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp, &serverTime); err != nil {
		return 0, fmt.Errorf("error parsing server time: %w", err)
	}
	return serverTime.ServerTime, nil
}

// publicGet performs an unauthenticated GET request.
func (c *FuturesClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
