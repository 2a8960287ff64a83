package orders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/notify"
	"github.com/brlx/trading-engine/internal/orders"
	"github.com/brlx/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeQuotes serves fixed side prices and counts lookups.
type fakeQuotes struct {
	buy, sell           decimal.Decimal
	err                 error
	buyCalls, sellCalls int
}

func (q *fakeQuotes) BuyPrice(context.Context) (decimal.Decimal, time.Time, error) {
	q.buyCalls++
	return q.buy, time.Now(), q.err
}

func (q *fakeQuotes) SellPrice(context.Context) (decimal.Decimal, time.Time, error) {
	q.sellCalls++
	return q.sell, time.Now(), q.err
}

type recordingNotifier struct {
	sent []notify.Confirmation
	err  error
}

func (n *recordingNotifier) SendConfirmation(_ context.Context, _ notify.Recipient, c notify.Confirmation) error {
	n.sent = append(n.sent, c)
	return n.err
}

func newTestEnv(t *testing.T) (*orders.Pipeline, *store.MemoryStore, *fakeQuotes, *recordingNotifier) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedUser(model.User{ID: "u1", Name: "Ana", Email: "ana@example.com"})
	quotes := &fakeQuotes{buy: d("100000"), sell: d("100000")}
	notifier := &recordingNotifier{}
	return orders.NewPipeline(ms, ms, quotes, notifier), ms, quotes, notifier
}

func deposit(t *testing.T, p *orders.Pipeline, amount, key string) store.DepositResult {
	t.Helper()
	res, err := p.Deposit(context.Background(), "u1", d(amount), key)
	if err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
	return res
}

func acceptAndProcess(t *testing.T, p *orders.Pipeline, side model.OrderSide, amount, key string) {
	t.Helper()
	ctx := context.Background()
	if _, err := p.Accept(ctx, side, "u1", d(amount), key); err != nil {
		t.Fatalf("accept %s %s: %v", side, amount, err)
	}
	if err := p.Process(ctx, side, "u1", key); err != nil {
		t.Fatalf("process %s %s: %v", side, amount, err)
	}
}

// --- Deposit ---

func TestDeposit(t *testing.T) {
	p, ms, _, notifier := newTestEnv(t)

	res := deposit(t, p, "300", "dep-1")
	if res.Idempotent {
		t.Error("first deposit reported idempotent")
	}
	if !res.NewBalance.Equal(d("300")) {
		t.Errorf("balance = %s, want 300", res.NewBalance)
	}

	// Same key again: no second credit.
	again := deposit(t, p, "300", "dep-1")
	if !again.Idempotent {
		t.Error("replayed deposit not reported idempotent")
	}
	if again.TransactionID != res.TransactionID {
		t.Error("replay returned a different transaction")
	}
	acc, _ := ms.GetAccount(context.Background(), "u1")
	if !acc.BalanceBRL.Equal(d("300")) {
		t.Errorf("balance after replay = %s, want 300", acc.BalanceBRL)
	}

	// The replay is not a new financial event, so no second confirmation.
	if len(notifier.sent) != 1 {
		t.Errorf("confirmations = %d, want 1", len(notifier.sent))
	}
}

func TestDeposit_RoundsBeforeValidation(t *testing.T) {
	p, _, _, _ := newTestEnv(t)

	// 0.004 rounds to 0.00, which fails the positivity check.
	_, err := p.Deposit(context.Background(), "u1", d("0.004"), "dep-dust")
	if !errors.Is(err, apperr.Invalid("")) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}

	res := deposit(t, p, "10.005", "dep-2")
	if !res.AmountBRL.Equal(d("10.00")) {
		t.Errorf("stored amount = %s, want bankers-rounded 10.00", res.AmountBRL)
	}
}

func TestDeposit_RequiresKey(t *testing.T) {
	p, _, _, _ := newTestEnv(t)
	_, err := p.Deposit(context.Background(), "u1", d("10"), "  ")
	if !errors.Is(err, apperr.Invalid("")) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

// --- Accept ---

func TestAccept_ValidatesInput(t *testing.T) {
	p, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := p.Accept(ctx, model.SideBuy, "u1", d("100"), ""); !errors.Is(err, apperr.Invalid("")) {
		t.Errorf("empty key: err = %v, want INVALID_INPUT", err)
	}
	if _, err := p.Accept(ctx, model.SideBuy, "u1", d("0"), "k1"); !errors.Is(err, apperr.Invalid("")) {
		t.Errorf("zero amount: err = %v, want INVALID_INPUT", err)
	}
	if _, err := p.Accept(ctx, model.SideBuy, "u1", d("-5"), "k1"); !errors.Is(err, apperr.Invalid("")) {
		t.Errorf("negative amount: err = %v, want INVALID_INPUT", err)
	}
}

func TestAccept_BuyRequiresBalance(t *testing.T) {
	p, _, _, _ := newTestEnv(t)

	_, err := p.Accept(context.Background(), model.SideBuy, "u1", d("100"), "buy-1")
	if !errors.Is(err, apperr.InsufficientFunds()) {
		t.Fatalf("err = %v, want INSUFFICIENT_FUNDS", err)
	}

	deposit(t, p, "100", "dep-1")
	res, err := p.Accept(context.Background(), model.SideBuy, "u1", d("100"), "buy-1")
	if err != nil {
		t.Fatalf("accept after deposit: %v", err)
	}
	if !res.Created || res.Status != model.StatusEnqueued {
		t.Errorf("result = %+v, want created ENQUEUED order", res)
	}
}

func TestAccept_SellRequiresHoldings(t *testing.T) {
	p, _, _, _ := newTestEnv(t)

	_, err := p.Accept(context.Background(), model.SideSell, "u1", d("50"), "sell-1")
	if !errors.Is(err, apperr.InsufficientHoldings()) {
		t.Fatalf("err = %v, want INSUFFICIENT_HOLDINGS", err)
	}
}

func TestAccept_SellWithoutQuote(t *testing.T) {
	p, _, quotes, _ := newTestEnv(t)

	quotes.err = errors.New("feed down")
	if _, err := p.Accept(context.Background(), model.SideSell, "u1", d("50"), "sell-1"); !errors.Is(err, apperr.QuoteUnavailable()) {
		t.Errorf("provider error: err = %v, want QUOTE_UNAVAILABLE", err)
	}

	quotes.err = nil
	quotes.buy = decimal.Zero
	if _, err := p.Accept(context.Background(), model.SideSell, "u1", d("50"), "sell-2"); !errors.Is(err, apperr.QuoteUnavailable()) {
		t.Errorf("zero price: err = %v, want QUOTE_UNAVAILABLE", err)
	}
}

func TestAccept_IdempotentWithoutRevalidation(t *testing.T) {
	p, ms, quotes, _ := newTestEnv(t)
	ctx := context.Background()

	deposit(t, p, "300", "dep-1")
	acceptAndProcess(t, p, model.SideBuy, "100", "buy-1")

	first, err := p.Accept(ctx, model.SideSell, "u1", d("50"), "sell-1")
	if err != nil {
		t.Fatalf("accept sell: %v", err)
	}
	if !first.Created {
		t.Fatal("first accept should create")
	}
	quoteLookups := quotes.buyCalls

	// Replay: same order back, no quote fetch, no holdings re-check.
	again, err := p.Accept(ctx, model.SideSell, "u1", d("50"), "sell-1")
	if err != nil {
		t.Fatalf("replay accept: %v", err)
	}
	if again.Created {
		t.Error("replay reported Created=true")
	}
	if again.OrderID != first.OrderID {
		t.Error("replay returned a different order")
	}
	if quotes.buyCalls != quoteLookups {
		t.Error("replay re-fetched the quote")
	}

	// Exactly one order exists for the key.
	o, _ := ms.GetByClientRequest(ctx, "u1", model.SideSell, "sell-1")
	if o == nil || o.ID != first.OrderID {
		t.Fatal("stored order does not match accept result")
	}
}

// --- Process ---

func TestProcess_FullLifecycle(t *testing.T) {
	p, ms, _, _ := newTestEnv(t)
	ctx := context.Background()

	deposit(t, p, "300", "dep-1")
	acceptAndProcess(t, p, model.SideBuy, "100", "buy-1") // 0.001 BTC
	acceptAndProcess(t, p, model.SideBuy, "200", "buy-2") // 0.002 BTC
	acceptAndProcess(t, p, model.SideSell, "150", "sell-1")

	acc, _ := ms.GetAccount(ctx, "u1")
	if !acc.BalanceBRL.Equal(d("150")) {
		t.Errorf("balance = %s, want 150", acc.BalanceBRL)
	}

	// First lot fully consumed, second split: a single residual of 0.0015.
	lots, _ := ms.FindOpenLots(ctx, "u1")
	if len(lots) != 1 {
		t.Fatalf("open lots = %d, want 1", len(lots))
	}
	if !lots[0].QtyBTC.Equal(d("0.0015")) {
		t.Errorf("residual qty = %s, want 0.0015", lots[0].QtyBTC)
	}
	if !lots[0].UnitPriceBRL.Equal(d("100000")) {
		t.Errorf("residual price = %s, want original 100000", lots[0].UnitPriceBRL)
	}
}

func TestProcess_TwiceIsNoOp(t *testing.T) {
	p, ms, _, _ := newTestEnv(t)
	ctx := context.Background()

	deposit(t, p, "300", "dep-1")
	acceptAndProcess(t, p, model.SideBuy, "100", "buy-1")

	balanceAfter, _ := ms.GetAccount(ctx, "u1")
	if err := p.Process(ctx, model.SideBuy, "u1", "buy-1"); err != nil {
		t.Fatalf("second process: %v", err)
	}
	balanceAgain, _ := ms.GetAccount(ctx, "u1")
	if !balanceAgain.BalanceBRL.Equal(balanceAfter.BalanceBRL) {
		t.Error("second process moved money")
	}
	lots, _ := ms.FindOpenLots(ctx, "u1")
	if len(lots) != 1 {
		t.Errorf("open lots = %d, a redelivery must not create another", len(lots))
	}
}

func TestProcess_UnknownOrderIsNoOp(t *testing.T) {
	p, _, _, _ := newTestEnv(t)
	if err := p.Process(context.Background(), model.SideBuy, "u1", "never-accepted"); err != nil {
		t.Fatalf("process of unknown order: %v", err)
	}
}

func TestProcess_SellInsufficientAtExecution(t *testing.T) {
	p, ms, _, _ := newTestEnv(t)
	ctx := context.Background()

	// Enqueue a sell directly, bypassing the accept-time holdings check, to
	// model holdings draining between accept and process.
	if _, _, err := ms.CreateOrGet(ctx, "u1", model.SideSell, "sell-1", d("150")); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	err := p.Process(ctx, model.SideSell, "u1", "sell-1")
	if !errors.Is(err, apperr.InsufficientAtExecution()) {
		t.Fatalf("err = %v, want INSUFFICIENT_HOLDINGS_AT_EXECUTION", err)
	}

	// The failure is terminal but non-destructive: the order stays ENQUEUED
	// and no money moved.
	o, _ := ms.GetByClientRequest(ctx, "u1", model.SideSell, "sell-1")
	if o.Status != model.StatusEnqueued {
		t.Errorf("status = %s, want ENQUEUED", o.Status)
	}
	acc, _ := ms.GetAccount(ctx, "u1")
	if !acc.BalanceBRL.IsZero() {
		t.Errorf("balance = %s, want 0", acc.BalanceBRL)
	}
}

func TestProcess_QuoteFailureLeavesOrderRetryable(t *testing.T) {
	p, ms, quotes, _ := newTestEnv(t)
	ctx := context.Background()

	deposit(t, p, "100", "dep-1")
	if _, err := p.Accept(ctx, model.SideBuy, "u1", d("100"), "buy-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	quotes.err = errors.New("feed down")
	if err := p.Process(ctx, model.SideBuy, "u1", "buy-1"); err == nil {
		t.Fatal("expected process to fail without a quote")
	}

	// Order untouched; a later redelivery succeeds.
	quotes.err = nil
	if err := p.Process(ctx, model.SideBuy, "u1", "buy-1"); err != nil {
		t.Fatalf("retry after quote recovery: %v", err)
	}
	o, _ := ms.GetByClientRequest(ctx, "u1", model.SideBuy, "buy-1")
	if o.Status != model.StatusProcessed {
		t.Errorf("status = %s, want PROCESSED", o.Status)
	}
}

func TestNotifierFailureDoesNotFailMutation(t *testing.T) {
	p, ms, _, notifier := newTestEnv(t)
	notifier.err = errors.New("smtp down")

	res := deposit(t, p, "100", "dep-1")
	if res.Idempotent {
		t.Error("deposit reported idempotent")
	}
	acc, _ := ms.GetAccount(context.Background(), "u1")
	if !acc.BalanceBRL.Equal(d("100")) {
		t.Errorf("balance = %s, want 100 despite notifier failure", acc.BalanceBRL)
	}
}

func TestConfirmationsCarryExecutionValues(t *testing.T) {
	p, _, _, notifier := newTestEnv(t)

	deposit(t, p, "300", "dep-1")
	acceptAndProcess(t, p, model.SideBuy, "100", "buy-1")
	acceptAndProcess(t, p, model.SideSell, "50", "sell-1")

	if len(notifier.sent) != 3 {
		t.Fatalf("confirmations = %d, want 3", len(notifier.sent))
	}
	buy := notifier.sent[1]
	if buy.Kind != "purchase" || !buy.QtyBTC.Equal(d("0.001")) {
		t.Errorf("buy confirmation = %+v", buy)
	}
	sale := notifier.sent[2]
	if sale.Kind != "sale" || !sale.AmountBRL.Equal(d("50")) {
		t.Errorf("sale confirmation = %+v", sale)
	}
}
