package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
)

type fakeCache struct {
	q        *Quote
	getErr   error
	setCalls int
}

func (c *fakeCache) Get(context.Context) (*Quote, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.q, nil
}

func (c *fakeCache) Set(_ context.Context, q Quote) error {
	c.setCalls++
	c.q = &q
	return nil
}

type fakeProvider struct {
	q     Quote
	err   error
	calls int
}

func (p *fakeProvider) FetchCurrent(context.Context) (Quote, error) {
	p.calls++
	return p.q, p.err
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testQuote(ts time.Time) Quote {
	return Quote{
		Buy:    decimal.RequireFromString("500000"),
		Sell:   decimal.RequireFromString("499000"),
		Source: "test",
		Ts:     ts,
	}
}

func TestGetCurrent_CacheHitSkipsProvider(t *testing.T) {
	q := testQuote(testNow.Add(-2 * time.Second))
	cache := &fakeCache{q: &q}
	provider := &fakeProvider{}
	svc := NewService(cache, provider)
	svc.now = func() time.Time { return testNow }

	dto, err := svc.GetCurrent(context.Background())
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times on cache hit", provider.calls)
	}
	if !dto.Buy.Equal(q.Buy) {
		t.Errorf("buy = %s, want %s", dto.Buy, q.Buy)
	}
	if dto.AgeMS != 2000 {
		t.Errorf("age = %d, want 2000", dto.AgeMS)
	}
}

func TestGetCurrent_MissFetchesAndCaches(t *testing.T) {
	cache := &fakeCache{}
	provider := &fakeProvider{q: testQuote(testNow)}
	svc := NewService(cache, provider)
	svc.now = func() time.Time { return testNow }

	dto, err := svc.GetCurrent(context.Background())
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if cache.setCalls != 1 {
		t.Errorf("cache set calls = %d, want 1", cache.setCalls)
	}
	if dto.AgeMS != 0 {
		t.Errorf("age = %d, want 0 for a fresh fetch", dto.AgeMS)
	}
}

func TestGetCurrent_ProviderFailureFallsBackToCache(t *testing.T) {
	// The first Get misses, the provider fails, and the re-check finds the
	// value another request cached in the meantime.
	stale := testQuote(testNow.Add(-45 * time.Second))
	cache := &raceyCache{late: &stale}
	provider := &fakeProvider{err: errors.New("upstream timeout")}
	svc := NewService(cache, provider)
	svc.now = func() time.Time { return testNow }

	dto, err := svc.GetCurrent(context.Background())
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if !dto.Buy.Equal(stale.Buy) {
		t.Errorf("buy = %s, want cached %s", dto.Buy, stale.Buy)
	}
	if dto.AgeMS != 45000 {
		t.Errorf("age = %d, want 45000", dto.AgeMS)
	}
}

// raceyCache misses on the first Get and hits afterwards.
type raceyCache struct {
	late *Quote
	gets int
}

func (c *raceyCache) Get(context.Context) (*Quote, error) {
	c.gets++
	if c.gets == 1 {
		return nil, nil
	}
	return c.late, nil
}

func (c *raceyCache) Set(context.Context, Quote) error { return nil }

func TestGetCurrent_AllSourcesDown(t *testing.T) {
	cache := &fakeCache{}
	provider := &fakeProvider{err: errors.New("upstream down")}
	svc := NewService(cache, provider)

	_, err := svc.GetCurrent(context.Background())
	if !errors.Is(err, apperr.ProviderUnavailable()) {
		t.Fatalf("err = %v, want PROVIDER_UNAVAILABLE", err)
	}
}

func TestGetCurrent_CacheErrorTreatedAsMiss(t *testing.T) {
	cache := &fakeCache{getErr: errors.New("redis down")}
	provider := &fakeProvider{q: testQuote(testNow)}
	svc := NewService(cache, provider)
	svc.now = func() time.Time { return testNow }

	dto, err := svc.GetCurrent(context.Background())
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if !dto.Buy.Equal(decimal.RequireFromString("500000")) {
		t.Errorf("buy = %s, want provider value", dto.Buy)
	}
}

func TestAgeNeverNegative(t *testing.T) {
	q := testQuote(testNow.Add(3 * time.Second)) // clock skew upstream
	cache := &fakeCache{q: &q}
	svc := NewService(cache, &fakeProvider{})
	svc.now = func() time.Time { return testNow }

	dto, err := svc.GetCurrent(context.Background())
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if dto.AgeMS != 0 {
		t.Errorf("age = %d, want 0 for a future-stamped quote", dto.AgeMS)
	}
}

func TestSidePrices(t *testing.T) {
	q := testQuote(testNow)
	cache := &fakeCache{q: &q}
	svc := NewService(cache, &fakeProvider{})

	buy, _, err := svc.BuyPrice(context.Background())
	if err != nil {
		t.Fatalf("BuyPrice: %v", err)
	}
	if !buy.Equal(q.Buy) {
		t.Errorf("BuyPrice = %s, want %s", buy, q.Buy)
	}

	sell, _, err := svc.SellPrice(context.Background())
	if err != nil {
		t.Fatalf("SellPrice: %v", err)
	}
	if !sell.Equal(q.Sell) {
		t.Errorf("SellPrice = %s, want %s", sell, q.Sell)
	}
}
