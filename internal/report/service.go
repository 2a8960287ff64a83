// Package report computes read-only aggregations over the transaction and
// quote-snapshot records: daily traded volume, the 24-hour quote history
// grid, statement pages, balances and open positions. Everything is
// timezone-bucketed in a fixed reporting zone so "today" means the local
// business day regardless of server locale. Reports never mutate state.
package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/numeric"
	"github.com/brlx/trading-engine/internal/store"
)

const (
	// DefaultTimezone is the reporting zone.
	DefaultTimezone = "America/Sao_Paulo"

	// maxStatementRange caps explicit statement windows.
	maxStatementRange = 90 * 24 * time.Hour

	// historySlots is the fixed size of the 24h grid: one slot per
	// 10 minutes.
	historySlots = 144
)

// PriceSource provides the live buy price for mark-to-market views.
type PriceSource interface {
	BuyPrice(ctx context.Context) (decimal.Decimal, time.Time, error)
}

// Service computes reporting views.
type Service struct {
	store  store.Store
	quotes PriceSource
	loc    *time.Location
	now    func() time.Time
}

// NewService creates a report service in the given IANA timezone; pass ""
// for the default.
func NewService(st store.Store, quotes PriceSource, tz string) (*Service, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Service{store: st, quotes: quotes, loc: loc, now: time.Now}, nil
}

// --- Daily volume ---

// DailyVolume is the platform-wide traded volume for one local day.
type DailyVolume struct {
	Date      string          `json:"date"` // YYYY-MM-DD in the reporting zone
	Timezone  string          `json:"timezone"`
	BoughtBTC decimal.Decimal `json:"bought_btc"`
	SoldBTC   decimal.Decimal `json:"sold_btc"`
}

// GetDailyVolume sums BUY and SELL quantities for the current local day.
// DEPOSIT and REBOOK records carry no traded volume and are excluded by
// the type filter.
func (s *Service) GetDailyVolume(ctx context.Context) (DailyVolume, error) {
	now := s.now()
	from, to := startOfDay(now, s.loc), endOfDay(now, s.loc)

	bought, err := s.store.SumQtyBTC(ctx, model.TxBuy, from, to)
	if err != nil {
		return DailyVolume{}, err
	}
	sold, err := s.store.SumQtyBTC(ctx, model.TxSell, from, to)
	if err != nil {
		return DailyVolume{}, err
	}
	return DailyVolume{
		Date:      now.In(s.loc).Format("2006-01-02"),
		Timezone:  s.loc.String(),
		BoughtBTC: numeric.Truncate8(bought),
		SoldBTC:   numeric.Truncate8(sold.Abs()),
	}, nil
}

// --- 24h history ---

// HistorySlot is one 10-minute grid point. Buy/Sell are nil when no
// snapshot was recorded at that instant — gaps are preserved, never
// interpolated.
type HistorySlot struct {
	Ts     time.Time        `json:"ts"`
	Buy    *decimal.Decimal `json:"buy"`
	Sell   *decimal.Decimal `json:"sell"`
	Source *string          `json:"source"`
}

// History is the fixed 144-slot quote grid ending at the most recent
// 10-minute boundary.
type History struct {
	Timezone string        `json:"timezone"`
	Slots    int           `json:"slots"`
	StartTs  time.Time     `json:"start_ts"`
	EndTs    time.Time     `json:"end_ts"`
	Items    []HistorySlot `json:"items"`
}

// GetHistory24h returns exactly 144 slots regardless of data sparsity.
func (s *Service) GetHistory24h(ctx context.Context) (History, error) {
	end := floor10Min(s.now(), s.loc)
	start := end.Add(-time.Duration(historySlots-1) * 10 * time.Minute)

	snaps, err := s.store.FindSnapshots(ctx, start, end)
	if err != nil {
		return History{}, err
	}
	byInstant := make(map[int64]model.QuoteSnapshot, len(snaps))
	for _, snap := range snaps {
		byInstant[snap.Ts.Unix()] = snap
	}

	items := make([]HistorySlot, 0, historySlots)
	for i := 0; i < historySlots; i++ {
		ts := start.Add(time.Duration(i) * 10 * time.Minute)
		slot := HistorySlot{Ts: ts}
		if snap, ok := byInstant[ts.Unix()]; ok {
			buy, sell, source := snap.Buy, snap.Sell, snap.Source
			slot.Buy, slot.Sell, slot.Source = &buy, &sell, &source
		}
		items = append(items, slot)
	}
	return History{
		Timezone: s.loc.String(),
		Slots:    historySlots,
		StartTs:  items[0].Ts,
		EndTs:    items[len(items)-1].Ts,
		Items:    items,
	}, nil
}

// --- Statement ---

// StatementQuery selects a statement window. Zero From/To default to the
// trailing 90 days ending now.
type StatementQuery struct {
	From   time.Time
	To     time.Time
	Types  []model.TransactionType
	Cursor string
	Limit  int
}

// StatementItem is one statement row with type-specific sign conventions
// applied: deposits positive, buys negative fiat / positive quantity,
// sells positive fiat / negative quantity, rebooks quantity and unit price
// only.
type StatementItem struct {
	ID            string                `json:"id"`
	Type          model.TransactionType `json:"type"`
	CreatedAt     time.Time             `json:"created_at"`
	AmountBRL     *decimal.Decimal      `json:"amount_brl"`
	QtyBTC        *decimal.Decimal      `json:"qty_btc"`
	QuoteSide     *string               `json:"quote_side"`
	QuotePriceBRL *decimal.Decimal      `json:"quote_price_brl"`
	UnitPriceBRL  *decimal.Decimal      `json:"unit_price_brl"`
}

// StatementPage is one reverse-chronological page plus the cursor for the
// next one ("" when exhausted).
type StatementPage struct {
	Items      []StatementItem `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// GetStatement returns one statement page for the user. Range validation
// runs on the raw bounds before any store access; the bounds are then
// normalized to local day boundaries.
func (s *Service) GetStatement(ctx context.Context, userID string, q StatementQuery) (StatementPage, error) {
	now := s.now()
	limit := q.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	toRaw := q.To
	if toRaw.IsZero() {
		toRaw = now
	}
	fromRaw := q.From
	if fromRaw.IsZero() {
		fromRaw = toRaw.Add(-maxStatementRange)
	}
	if fromRaw.After(toRaw) {
		return StatementPage{}, apperr.InvalidRange("`from` must be <= `to`")
	}
	if toRaw.Sub(fromRaw) > maxStatementRange {
		return StatementPage{}, apperr.InvalidRange("range cannot exceed 90 days")
	}

	page, err := s.store.FindForStatement(ctx, store.StatementFilter{
		UserID: userID,
		From:   startOfDay(fromRaw, s.loc),
		To:     endOfDay(toRaw, s.loc),
		Types:  q.Types,
		Cursor: decodeCursor(q.Cursor),
		Limit:  limit,
	})
	if err != nil {
		return StatementPage{}, err
	}

	items := make([]StatementItem, 0, len(page.Rows))
	for _, row := range page.Rows {
		items = append(items, mapStatementRow(row))
	}
	return StatementPage{Items: items, NextCursor: encodeCursor(page.NextCursor)}, nil
}

func mapStatementRow(t model.Transaction) StatementItem {
	item := StatementItem{ID: t.ID, Type: t.Type, CreatedAt: t.CreatedAt}
	switch t.Type {
	case model.TxDeposit:
		amount := decimal.Zero
		if t.AmountBRL != nil {
			amount = *t.AmountBRL
		}
		item.AmountBRL = &amount
	case model.TxBuy:
		if t.AmountBRL != nil {
			neg := t.AmountBRL.Abs().Neg()
			item.AmountBRL = &neg
		}
		item.QtyBTC = t.QtyBTC
		item.QuoteSide = strPtr("sell")
		item.QuotePriceBRL = t.QuotePriceBRL
	case model.TxSell:
		item.AmountBRL = t.AmountBRL
		if t.QtyBTC != nil {
			neg := t.QtyBTC.Abs().Neg()
			item.QtyBTC = &neg
		}
		item.QuoteSide = strPtr("buy")
		item.QuotePriceBRL = t.QuotePriceBRL
	case model.TxRebook:
		item.QtyBTC = t.QtyBTC
		item.UnitPriceBRL = t.QuotePriceBRL
	}
	return item
}

// Cursors are opaque to clients: base64 of the (createdAt, id) keyset
// position. An undecodable cursor is ignored, restarting from the top.
func decodeCursor(raw string) *store.Cursor {
	if raw == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var c store.Cursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" || c.CreatedAt.IsZero() {
		return nil
	}
	return &c
}

func encodeCursor(c *store.Cursor) string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// --- Balance / positions ---

// Balance is the user's fiat balance view.
type Balance struct {
	BalanceBRL decimal.Decimal `json:"balance_brl"`
	Currency   string          `json:"currency"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// GetBalance returns the bankers-rounded balance; unknown accounts read
// as zero.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	b := Balance{BalanceBRL: decimal.Zero, Currency: "BRL"}
	if acc != nil {
		b.BalanceBRL = numeric.BankersRound2(acc.BalanceBRL)
		b.UpdatedAt = acc.UpdatedAt
	}
	return b, nil
}

// PositionView is one open lot marked to the current buy price.
type PositionView struct {
	PositionID      string          `json:"position_id"`
	OpenedAt        time.Time       `json:"opened_at"`
	QtyBTC          decimal.Decimal `json:"qty_btc"`
	UnitPriceBRL    decimal.Decimal `json:"unit_price_brl"`
	InvestedBRL     decimal.Decimal `json:"invested_brl"`
	CurrentPriceBRL decimal.Decimal `json:"current_price_brl"`
	ChangePct       decimal.Decimal `json:"change_pct"` // fraction at 4dp
	CurrentGrossBRL decimal.Decimal `json:"current_gross_brl"`
	PriceTs         time.Time       `json:"price_ts"`
}

// GetPositions returns the user's open lots oldest-first, marked to the
// live buy price.
func (s *Service) GetPositions(ctx context.Context, userID string) ([]PositionView, error) {
	buyPrice, priceTs, err := s.quotes.BuyPrice(ctx)
	if err != nil {
		return nil, err
	}
	lots, err := s.store.FindOpenLots(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(lots))
	for _, lot := range lots {
		change := decimal.Zero
		if lot.UnitPriceBRL.Sign() > 0 {
			change = buyPrice.Sub(lot.UnitPriceBRL).Div(lot.UnitPriceBRL).Round(4)
		}
		views = append(views, PositionView{
			PositionID:      lot.ID,
			OpenedAt:        lot.OpenedAt,
			QtyBTC:          lot.QtyBTC,
			UnitPriceBRL:    lot.UnitPriceBRL,
			InvestedBRL:     numeric.BankersRound2(lot.QtyBTC.Mul(lot.UnitPriceBRL)),
			CurrentPriceBRL: buyPrice,
			ChangePct:       change,
			CurrentGrossBRL: numeric.BankersRound2(lot.QtyBTC.Mul(buyPrice)),
			PriceTs:         priceTs,
		})
	}
	return views, nil
}

func strPtr(s string) *string { return &s }
