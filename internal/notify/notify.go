// Package notify defines the best-effort confirmation boundary. Delivery
// runs after the financial mutation has committed; a failure here is logged
// and dropped, never propagated — it must not undo or fail the mutation.
package notify

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Confirmation is the payload sent after a committed deposit, buy or sell.
type Confirmation struct {
	Kind         string          // "deposit", "purchase", "sale"
	AmountBRL    decimal.Decimal
	QtyBTC       decimal.Decimal // zero for deposits
	UnitPriceBRL decimal.Decimal // zero for deposits
	NewBalance   decimal.Decimal // set for deposits
}

// Recipient identifies who receives the confirmation.
type Recipient struct {
	Email string
	Name  string
}

// Notifier sends confirmations. Implementations must be safe for
// concurrent use.
type Notifier interface {
	SendConfirmation(ctx context.Context, to Recipient, c Confirmation) error
}

// LogNotifier writes confirmations to the structured log instead of
// delivering them. The default in development; a real mail adapter plugs in
// behind the same interface.
type LogNotifier struct{}

// SendConfirmation implements Notifier.
func (LogNotifier) SendConfirmation(_ context.Context, to Recipient, c Confirmation) error {
	slog.Info("confirmation",
		"kind", c.Kind,
		"email", to.Email,
		"amount_brl", c.AmountBRL.String(),
		"qty_btc", c.QtyBTC.String(),
		"unit_price_brl", c.UnitPriceBRL.String(),
	)
	return nil
}
