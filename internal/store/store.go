// Package store defines the persistence contract for the trading engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// development and testing).
//
// Every mutating operation that moves value (deposit, buy, sell) executes
// as a single atomic unit: balance update, lot create/close, transaction
// record and ledger entries commit together or not at all. Order creation
// uses insert-or-fetch semantics so a concurrent accept for the same
// (user, clientRequestId, side) never yields two orders.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/model"
)

// BuyExecution is the input to ExecuteBuy.
type BuyExecution struct {
	UserID          string
	AmountBRL       decimal.Decimal
	QtyBTC          decimal.Decimal
	QuotePriceBRL   decimal.Decimal
	ClientRequestID string
}

// BuyResult reports the committed buy.
type BuyResult struct {
	TransactionID string
	PositionID    string
}

// SellExecution is the input to ExecuteSell.
type SellExecution struct {
	UserID          string
	AmountBRL       decimal.Decimal
	QtyNeeded       decimal.Decimal
	QuotePriceBRL   decimal.Decimal
	ClientRequestID string
}

// SellResult reports the committed sell.
type SellResult struct {
	TransactionID string
	QtySold       decimal.Decimal
	CreditedBRL   decimal.Decimal
}

// DepositResult reports an applied (or idempotently replayed) deposit.
type DepositResult struct {
	TransactionID string
	AmountBRL     decimal.Decimal
	NewBalance    decimal.Decimal
	CreatedAt     time.Time
	Idempotent    bool
}

// Cursor is the keyset position for statement pagination: the
// (createdAt, id) of the last-seen row, with id as the tie-breaker.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// StatementFilter selects transactions for one statement page, reverse
// chronological.
type StatementFilter struct {
	UserID string
	From   time.Time
	To     time.Time
	Types  []model.TransactionType
	Cursor *Cursor
	Limit  int
}

// StatementPage is one page of statement rows.
type StatementPage struct {
	Rows       []model.Transaction
	NextCursor *Cursor
}

// Store is the ledger & position persistence contract.
type Store interface {
	// --- Accounts / users ---

	// GetAccount returns the user's account, or nil when none exists.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// HasSufficientBalance reports whether the BRL balance covers amount.
	HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)

	// FindUser returns the user profile, or nil when unknown.
	FindUser(ctx context.Context, userID string) (*model.User, error)

	// --- Atomic financial mutations ---

	// CreateDeposit applies a deposit atomically, idempotent by
	// (userId, clientRequestId): a replay returns the original
	// transaction and the current balance without crediting again.
	CreateDeposit(ctx context.Context, userID string, amountBRL decimal.Decimal, clientRequestID string) (DepositResult, error)

	// ExecuteBuy atomically debits BRL, opens a new lot, and writes the
	// BUY transaction with its DEBIT BRL / CREDIT BTC ledger pair.
	ExecuteBuy(ctx context.Context, in BuyExecution) (BuyResult, error)

	// HasSufficientHoldings reports whether the aggregate open-lot
	// quantity covers qtyNeeded (epsilon-tolerant).
	HasSufficientHoldings(ctx context.Context, userID string, qtyNeeded decimal.Decimal) (bool, error)

	// ExecuteSell consumes open lots FIFO (rebooking a split residual),
	// credits the proceeds, and writes the SELL transaction with its
	// DEBIT BTC / CREDIT BRL ledger pair — all atomically. Returns
	// INSUFFICIENT_HOLDINGS_AT_EXECUTION when the lots cannot cover
	// the requested quantity.
	ExecuteSell(ctx context.Context, in SellExecution) (SellResult, error)

	// --- Read models ---

	// FindOpenLots returns lots with quantity > 0, oldest first.
	FindOpenLots(ctx context.Context, userID string) ([]model.Position, error)

	// FindForStatement returns one reverse-chronological statement page.
	FindForStatement(ctx context.Context, f StatementFilter) (StatementPage, error)

	// SumQtyBTC sums transaction quantities of one type inside [from, to].
	SumQtyBTC(ctx context.Context, txType model.TransactionType, from, to time.Time) (decimal.Decimal, error)

	// --- Quote snapshots ---

	// UpsertSnapshot records the quote observed at a slot boundary,
	// overwriting any snapshot already at that instant.
	UpsertSnapshot(ctx context.Context, snap model.QuoteSnapshot) error

	// FindSnapshots returns snapshots with ts in [from, to].
	FindSnapshots(ctx context.Context, from, to time.Time) ([]model.QuoteSnapshot, error)

	// DeleteSnapshotsBefore removes snapshots older than cutoff and
	// returns how many were deleted.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrderStore persists accepted orders keyed by (userId, clientRequestId,
// side).
type OrderStore interface {
	// CreateOrGet inserts a new ENQUEUED order, or returns the existing
	// one for the same key. The boolean reports whether a new order was
	// created.
	CreateOrGet(ctx context.Context, userID string, side model.OrderSide, clientRequestID string, amountBRL decimal.Decimal) (model.Order, bool, error)

	// GetByClientRequest returns the order for the key, or nil.
	GetByClientRequest(ctx context.Context, userID string, side model.OrderSide, clientRequestID string) (*model.Order, error)

	// MarkProcessed transitions the order to PROCESSED.
	MarkProcessed(ctx context.Context, orderID string) error
}
