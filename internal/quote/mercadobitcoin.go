package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://www.mercadobitcoin.net/api"

// MercadoBitcoinProvider fetches the BTC/BRL ticker from the Mercado
// Bitcoin public API.
type MercadoBitcoinProvider struct {
	baseURL string
	client  *http.Client
}

// NewMercadoBitcoinProvider creates a provider against the public API.
// baseURL overrides the endpoint for tests; pass "" for the default.
func NewMercadoBitcoinProvider(baseURL string) *MercadoBitcoinProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &MercadoBitcoinProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// tickerResponse mirrors the public ticker payload. Prices arrive as
// strings, the timestamp as unix seconds.
type tickerResponse struct {
	Ticker struct {
		Buy  string `json:"buy"`
		Sell string `json:"sell"`
		Date int64  `json:"date"`
	} `json:"ticker"`
}

// FetchCurrent implements Provider.
func (p *MercadoBitcoinProvider) FetchCurrent(ctx context.Context) (Quote, error) {
	url := p.baseURL + "/BTC/ticker/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("mercadobitcoin: fetch ticker: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("mercadobitcoin: http %d", res.StatusCode)
	}

	var body tickerResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("mercadobitcoin: decode ticker: %w", err)
	}

	buy, err := decimal.NewFromString(body.Ticker.Buy)
	if err != nil {
		return Quote{}, fmt.Errorf("mercadobitcoin: bad buy price %q", body.Ticker.Buy)
	}
	sell, err := decimal.NewFromString(body.Ticker.Sell)
	if err != nil {
		return Quote{}, fmt.Errorf("mercadobitcoin: bad sell price %q", body.Ticker.Sell)
	}

	return Quote{
		Buy:    buy,
		Sell:   sell,
		Source: "MercadoBitcoin",
		Ts:     time.Unix(body.Ticker.Date, 0).UTC(),
	}, nil
}

// StubProvider returns a fixed quote. Used in development when the public
// API should not be hit.
type StubProvider struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// NewStubProvider creates a stub around a fixed buy/sell pair.
func NewStubProvider(buy, sell decimal.Decimal) *StubProvider {
	return &StubProvider{Buy: buy, Sell: sell}
}

// FetchCurrent implements Provider.
func (p *StubProvider) FetchCurrent(_ context.Context) (Quote, error) {
	return Quote{Buy: p.Buy, Sell: p.Sell, Source: "stub", Ts: time.Now().UTC()}, nil
}
