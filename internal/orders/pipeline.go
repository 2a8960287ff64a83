// Package orders implements the idempotent two-phase order pipeline:
// accept validates and enqueues an intent, process executes it later
// against a live quote. The two phases are deliberately decoupled — the
// price is locked at execution, not acceptance.
package orders

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/metrics"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/notify"
	"github.com/brlx/trading-engine/internal/numeric"
	"github.com/brlx/trading-engine/internal/store"
)

// QuoteSource provides the side-specific live prices the pipeline needs.
// Satisfied by quote.Service.
type QuoteSource interface {
	// BuyPrice is what the market pays when the user sells.
	BuyPrice(ctx context.Context) (decimal.Decimal, time.Time, error)
	// SellPrice is what the user pays when buying.
	SellPrice(ctx context.Context) (decimal.Decimal, time.Time, error)
}

// AcceptResult reports the outcome of an accept call.
type AcceptResult struct {
	OrderID string            `json:"order_id"`
	Status  model.OrderStatus `json:"status"`
	Created bool              `json:"created"`
}

// Pipeline handles deposits and the accept/process order lifecycle.
type Pipeline struct {
	store    store.Store
	orders   store.OrderStore
	quotes   QuoteSource
	notifier notify.Notifier
}

// NewPipeline creates an order pipeline.
func NewPipeline(st store.Store, orders store.OrderStore, quotes QuoteSource, notifier notify.Notifier) *Pipeline {
	return &Pipeline{store: st, orders: orders, quotes: quotes, notifier: notifier}
}

// Deposit applies a fiat deposit, idempotent by clientRequestId. The
// amount is bankers-rounded to 2 decimals before validation and storage.
func (p *Pipeline) Deposit(ctx context.Context, userID string, amountBRL decimal.Decimal, clientRequestID string) (store.DepositResult, error) {
	amount := numeric.BankersRound2(amountBRL)
	if amount.Sign() <= 0 {
		return store.DepositResult{}, apperr.Invalid("amountBRL must be > 0")
	}
	if strings.TrimSpace(clientRequestID) == "" {
		return store.DepositResult{}, apperr.Invalid("clientRequestId is required")
	}

	res, err := p.store.CreateDeposit(ctx, userID, amount, clientRequestID)
	if err != nil {
		return store.DepositResult{}, err
	}
	if res.Idempotent {
		return res, nil
	}
	metrics.DepositsTotal.Inc()

	p.sendConfirmation(ctx, userID, notify.Confirmation{
		Kind:       "deposit",
		AmountBRL:  amount,
		NewBalance: res.NewBalance,
	})
	return res, nil
}

// Accept validates a buy/sell intent and enqueues it. Re-accepting an
// existing (user, clientRequestId, side) returns the existing order with
// Created=false and performs no solvency or holdings re-check — idempotency
// takes precedence over current-state validation.
func (p *Pipeline) Accept(ctx context.Context, side model.OrderSide, userID string, amountBRL decimal.Decimal, clientRequestID string) (AcceptResult, error) {
	if strings.TrimSpace(clientRequestID) == "" {
		return AcceptResult{}, apperr.Invalid("clientRequestId is required")
	}
	if amountBRL.Sign() <= 0 {
		return AcceptResult{}, apperr.Invalid("amountBRL must be positive")
	}

	existing, err := p.orders.GetByClientRequest(ctx, userID, side, clientRequestID)
	if err != nil {
		return AcceptResult{}, err
	}
	if existing != nil {
		metrics.OrdersAccepted.WithLabelValues(string(side), "false").Inc()
		return AcceptResult{OrderID: existing.ID, Status: existing.Status, Created: false}, nil
	}

	switch side {
	case model.SideBuy:
		ok, err := p.store.HasSufficientBalance(ctx, userID, amountBRL)
		if err != nil {
			return AcceptResult{}, err
		}
		if !ok {
			return AcceptResult{}, apperr.InsufficientFunds()
		}
	case model.SideSell:
		price, _, err := p.quotes.BuyPrice(ctx)
		if err != nil {
			return AcceptResult{}, apperr.QuoteUnavailable()
		}
		if price.Sign() <= 0 {
			return AcceptResult{}, apperr.QuoteUnavailable()
		}
		qtyNeeded := numeric.Ceil8(amountBRL.Div(price))
		ok, err := p.store.HasSufficientHoldings(ctx, userID, qtyNeeded)
		if err != nil {
			return AcceptResult{}, err
		}
		if !ok {
			return AcceptResult{}, apperr.InsufficientHoldings()
		}
	default:
		return AcceptResult{}, apperr.Invalid("side must be BUY or SELL")
	}

	order, created, err := p.orders.CreateOrGet(ctx, userID, side, clientRequestID, amountBRL)
	if err != nil {
		return AcceptResult{}, err
	}
	metrics.OrdersAccepted.WithLabelValues(string(side), boolLabel(created)).Inc()
	slog.Info("order accepted",
		"side", side, "user", userID, "order", order.ID,
		"amount_brl", amountBRL.String(), "created", created)
	return AcceptResult{OrderID: order.ID, Status: order.Status, Created: created}, nil
}

// Process executes an accepted order against a freshly fetched quote.
// A missing order and an already-processed order are both silent no-ops,
// so scheduler redeliveries never apply a mutation twice. Failures are
// terminal for the order; retry policy belongs to the external scheduler.
func (p *Pipeline) Process(ctx context.Context, side model.OrderSide, userID string, clientRequestID string) error {
	start := time.Now()

	order, err := p.orders.GetByClientRequest(ctx, userID, side, clientRequestID)
	if err != nil {
		return err
	}
	if order == nil || order.Status == model.StatusProcessed {
		return nil
	}

	var outcome string
	defer func() {
		metrics.OrdersProcessed.WithLabelValues(string(side), outcome).Inc()
		metrics.ProcessLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	}()

	switch side {
	case model.SideBuy:
		err = p.processBuy(ctx, order)
	case model.SideSell:
		err = p.processSell(ctx, order)
	default:
		err = apperr.Invalid("side must be BUY or SELL")
	}
	if err != nil {
		outcome = "error"
		slog.Error("order processing failed",
			"side", side, "user", userID, "order", order.ID, "err", err)
		return err
	}
	outcome = "ok"
	return nil
}

func (p *Pipeline) processBuy(ctx context.Context, order *model.Order) error {
	price, _, err := p.quotes.SellPrice(ctx)
	if err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return apperr.QuoteUnavailable()
	}

	qty := numeric.Truncate8(order.AmountBRL.Div(price))
	_, err = p.store.ExecuteBuy(ctx, store.BuyExecution{
		UserID:          order.UserID,
		AmountBRL:       order.AmountBRL,
		QtyBTC:          qty,
		QuotePriceBRL:   price,
		ClientRequestID: order.ClientRequestID,
	})
	if err != nil {
		return err
	}
	if err := p.orders.MarkProcessed(ctx, order.ID); err != nil {
		return err
	}

	p.sendConfirmation(ctx, order.UserID, notify.Confirmation{
		Kind:         "purchase",
		AmountBRL:    order.AmountBRL,
		QtyBTC:       qty,
		UnitPriceBRL: price,
	})
	return nil
}

func (p *Pipeline) processSell(ctx context.Context, order *model.Order) error {
	price, _, err := p.quotes.BuyPrice(ctx)
	if err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return apperr.QuoteUnavailable()
	}

	qtyNeeded := numeric.Ceil8(order.AmountBRL.Div(price))
	res, err := p.store.ExecuteSell(ctx, store.SellExecution{
		UserID:          order.UserID,
		AmountBRL:       order.AmountBRL,
		QtyNeeded:       qtyNeeded,
		QuotePriceBRL:   price,
		ClientRequestID: order.ClientRequestID,
	})
	if err != nil {
		return err
	}
	if err := p.orders.MarkProcessed(ctx, order.ID); err != nil {
		return err
	}

	p.sendConfirmation(ctx, order.UserID, notify.Confirmation{
		Kind:         "sale",
		AmountBRL:    res.CreditedBRL,
		QtyBTC:       res.QtySold,
		UnitPriceBRL: price,
	})
	return nil
}

// sendConfirmation runs the post-commit notification. Errors (including an
// unknown user) are absorbed here: the financial mutation has already
// committed and must not be affected.
func (p *Pipeline) sendConfirmation(ctx context.Context, userID string, c notify.Confirmation) {
	u, err := p.store.FindUser(ctx, userID)
	if err != nil || u == nil {
		if err != nil {
			slog.Warn("confirmation lookup failed", "user", userID, "err", err)
		}
		return
	}
	to := notify.Recipient{Email: u.Email, Name: u.Name}
	if err := p.notifier.SendConfirmation(ctx, to, c); err != nil {
		slog.Warn("confirmation delivery failed", "user", userID, "kind", c.Kind, "err", err)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
