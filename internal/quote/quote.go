// Package quote acquires the current BRL/BTC price pair with
// cache-fallback semantics: the cache is authoritative on hit, the provider
// is consulted on miss, and a provider failure falls back to whatever the
// cache holds rather than failing the request. The engine serves slightly
// stale data over no data, but never fabricates a price.
package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/metrics"
)

// Quote is a buy/sell price pair observed at Ts from Source.
type Quote struct {
	Buy    decimal.Decimal `json:"buy"`
	Sell   decimal.Decimal `json:"sell"`
	Source string          `json:"source"`
	Ts     time.Time       `json:"ts"`
}

// DTO is a Quote plus staleness metadata for callers.
type DTO struct {
	Quote
	AgeMS int64 `json:"age_ms"`
}

// Provider fetches a live quote from the upstream market-data source.
type Provider interface {
	FetchCurrent(ctx context.Context) (Quote, error)
}

// Cache holds the single shared current quote with a short TTL.
// Last-writer-wins overwrites are acceptable; quotes are monotonically
// time-ordered in practice.
type Cache interface {
	// Get returns the cached quote, or nil on miss.
	Get(ctx context.Context) (*Quote, error)
	Set(ctx context.Context, q Quote) error
}

// Service resolves the current quote through the cache/provider pair.
type Service struct {
	cache    Cache
	provider Provider
	now      func() time.Time
}

// NewService creates a quote service.
func NewService(cache Cache, provider Provider) *Service {
	return &Service{cache: cache, provider: provider, now: time.Now}
}

// GetCurrent returns the current quote. Cache hits are returned without
// re-fetching. On miss the provider is called and the cache populated; if
// the provider fails, the cache is re-checked before giving up with
// PROVIDER_UNAVAILABLE.
func (s *Service) GetCurrent(ctx context.Context) (DTO, error) {
	if cached, err := s.cache.Get(ctx); err == nil && cached != nil {
		metrics.QuoteCacheHits.Inc()
		return s.toDTO(*cached), nil
	}

	fresh, err := s.provider.FetchCurrent(ctx)
	if err == nil {
		metrics.QuoteFetches.WithLabelValues("ok").Inc()
		// Cache write is best effort; the fresh value is served either way.
		_ = s.cache.Set(ctx, fresh)
		return s.toDTO(fresh), nil
	}
	metrics.QuoteFetches.WithLabelValues("error").Inc()

	// Provider failed: another acceptor may have populated the cache in
	// the meantime.
	if fallback, cerr := s.cache.Get(ctx); cerr == nil && fallback != nil {
		metrics.QuoteCacheHits.Inc()
		return s.toDTO(*fallback), nil
	}
	return DTO{}, apperr.ProviderUnavailable()
}

// BuyPrice returns the current buy-side price (what the market pays when
// the user sells).
func (s *Service) BuyPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	dto, err := s.GetCurrent(ctx)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return dto.Buy, dto.Ts, nil
}

// SellPrice returns the current sell-side price (what the user pays when
// buying).
func (s *Service) SellPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	dto, err := s.GetCurrent(ctx)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return dto.Sell, dto.Ts, nil
}

func (s *Service) toDTO(q Quote) DTO {
	age := s.now().Sub(q.Ts).Milliseconds()
	if age < 0 || q.Ts.IsZero() {
		age = 0
	}
	return DTO{Quote: q, AgeMS: age}
}
