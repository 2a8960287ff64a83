package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/quote"
	"github.com/brlx/trading-engine/internal/store"
)

// QuoteGetter resolves the current quote. Satisfied by quote.Service.
type QuoteGetter interface {
	GetCurrent(ctx context.Context) (quote.DTO, error)
}

// Collector records the current quote into its 10-minute slot once per
// minute and prunes snapshots past the retention window. Collection
// failures are swallowed — gaps in the history grid are acceptable and
// reported as nulls, never interpolated.
type Collector struct {
	store     store.Store
	quotes    QuoteGetter
	loc       *time.Location
	interval  time.Duration
	retention time.Duration

	// OnQuote, when set, receives every successfully collected quote.
	// Used to fan ticks out to the WebSocket hub.
	OnQuote func(quote.DTO)
}

// NewCollector creates a snapshot collector in the given IANA timezone;
// pass "" for the reporting default.
func NewCollector(st store.Store, quotes QuoteGetter, tz string) (*Collector, error) {
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Collector{
		store:     st,
		quotes:    quotes,
		loc:       loc,
		interval:  time.Minute,
		retention: 90 * 24 * time.Hour,
	}, nil
}

// Run collects until ctx is cancelled. Call in a goroutine.
func (c *Collector) Run(ctx context.Context) {
	collect := time.NewTicker(c.interval)
	defer collect.Stop()
	clean := time.NewTicker(24 * time.Hour)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-collect.C:
			c.collectOnce(ctx)
		case <-clean.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context) {
	dto, err := c.quotes.GetCurrent(ctx)
	if err != nil {
		slog.Debug("snapshot collection skipped", "err", err)
		return
	}
	if c.OnQuote != nil {
		c.OnQuote(dto)
	}
	slot := c.slotFor(time.Now())
	snap := model.QuoteSnapshot{Ts: slot, Buy: dto.Buy, Sell: dto.Sell, Source: dto.Source}
	if err := c.store.UpsertSnapshot(ctx, snap); err != nil {
		slog.Warn("snapshot upsert failed", "slot", slot, "err", err)
	}
}

func (c *Collector) cleanOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention)
	n, err := c.store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		slog.Warn("snapshot retention failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("snapshots pruned", "deleted", n, "cutoff", cutoff)
	}
}

// slotFor floors t to its 10-minute wall-clock boundary in the reporting
// zone, matching the grid the history query reads.
func (c *Collector) slotFor(t time.Time) time.Time {
	lt := t.In(c.loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, lt.Hour(), lt.Minute()/10*10, 0, 0, c.loc)
}
