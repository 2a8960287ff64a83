// Package fifo implements oldest-first lot consumption for sells.
//
// Given a user's open lots and a target quantity, Consume produces a plan:
// which lots close entirely, whether the last touched lot is split, and the
// quantity actually realized. The plan is pure data — both store
// implementations apply it inside their own atomic transaction, so lots are
// never consumed twice and never go negative.
//
// A split preserves cost basis and age: the residual is rebooked as a new
// lot at the original unit price with the original openedAt, keeping its
// place in future FIFO ordering. The split is recorded as an audit-only
// REBOOK transaction by the store; it moves no fiat and no net quantity.
package fifo

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/numeric"
)

// Rebook describes the residual of a partially consumed lot.
type Rebook struct {
	SourceLotID  string
	QtyBTC       decimal.Decimal
	UnitPriceBRL decimal.Decimal
	OpenedAt     time.Time
}

// Plan is the outcome of walking the open lots for one sell.
type Plan struct {
	// ClosedLotIDs are the lots whose quantity is set to zero, in
	// consumption order. A split lot is closed here and its residual
	// appears in Rebook.
	ClosedLotIDs []string

	// Rebook is non-nil when the last consumed lot was split.
	Rebook *Rebook

	// QtySold is the quantity realized. Less than the requested quantity
	// means the lots could not cover the sell; the caller must treat that
	// as execution-time insufficiency.
	QtySold decimal.Decimal
}

// Covers reports whether the plan realized at least qtyNeeded, within the
// engine-wide epsilon.
func (p Plan) Covers(qtyNeeded decimal.Decimal) bool {
	return numeric.GTE(p.QtySold, qtyNeeded)
}

// Consume walks lots oldest-first and consumes until qtyNeeded is covered
// or the lots run out. Zero-quantity lots are skipped. The input slice is
// not modified.
func Consume(lots []model.Position, qtyNeeded decimal.Decimal) Plan {
	ordered := make([]model.Position, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OpenedAt.Equal(ordered[j].OpenedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].OpenedAt.Before(ordered[j].OpenedAt)
	})

	plan := Plan{QtySold: decimal.Zero}
	remaining := qtyNeeded

	for _, lot := range ordered {
		if remaining.Sign() <= 0 {
			break
		}
		if lot.QtyBTC.Sign() <= 0 {
			continue
		}

		if numeric.LTE(lot.QtyBTC, remaining) {
			// Fully consume.
			plan.ClosedLotIDs = append(plan.ClosedLotIDs, lot.ID)
			plan.QtySold = plan.QtySold.Add(lot.QtyBTC)
			remaining = remaining.Sub(lot.QtyBTC)
			if remaining.Sign() < 0 {
				remaining = decimal.Zero
			}
			continue
		}

		// Partial: close the lot and rebook the residual at the original
		// price and openedAt.
		residual := lot.QtyBTC.Sub(remaining)
		plan.ClosedLotIDs = append(plan.ClosedLotIDs, lot.ID)
		plan.Rebook = &Rebook{
			SourceLotID:  lot.ID,
			QtyBTC:       residual,
			UnitPriceBRL: lot.UnitPriceBRL,
			OpenedAt:     lot.OpenedAt,
		}
		plan.QtySold = plan.QtySold.Add(remaining)
		remaining = decimal.Zero
	}

	return plan
}
