// Package model defines the core domain types shared across the trading
// engine. All monetary values use shopspring/decimal — never float64 for
// money. BRL amounts carry 2 decimal places, BTC quantities 8.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide distinguishes buy and sell intents.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the order lifecycle: ENQUEUED → PROCESSED, no reverse
// transitions.
type OrderStatus string

const (
	StatusEnqueued  OrderStatus = "ENQUEUED"
	StatusProcessed OrderStatus = "PROCESSED"
)

// TransactionType classifies immutable audit records.
type TransactionType string

const (
	TxDeposit TransactionType = "DEPOSIT"
	TxBuy     TransactionType = "BUY"
	TxSell    TransactionType = "SELL"
	TxRebook  TransactionType = "REBOOK"
)

// EntryDirection is the double-entry leg direction.
type EntryDirection string

const (
	Debit  EntryDirection = "DEBIT"
	Credit EntryDirection = "CREDIT"
)

// Currency identifies which side of the book a ledger entry moves.
type Currency string

const (
	BRL Currency = "BRL"
	BTC Currency = "BTC"
)

// Account holds a user's fiat balance. One per user; never deleted.
// The balance is mutated only inside atomic store transactions (deposit,
// buy debit, sell credit) and never goes negative.
type Account struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	BalanceBRL decimal.Decimal `json:"balance_brl"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// User is the minimal profile the engine reads for notifications.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order is an accepted buy/sell intent, created at most once per
// (userId, clientRequestId, side). Re-accepting the same key returns the
// existing order without re-validating solvency or holdings.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Side            OrderSide       `json:"side"`
	AmountBRL       decimal.Decimal `json:"amount_brl"`
	ClientRequestID string          `json:"client_request_id"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Position is an open lot: a BTC quantity acquired at one unit price and
// time, consumed oldest-first by sells. A lot with zero quantity is
// logically closed but kept for the audit trail.
type Position struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	QtyBTC       decimal.Decimal `json:"qty_btc"`
	UnitPriceBRL decimal.Decimal `json:"unit_price_brl"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// Transaction is an immutable record of a completed financial event.
// Amount, quantity and price are nullable depending on the type:
// DEPOSIT carries amount only; BUY/SELL carry all three; REBOOK carries
// quantity and the rebooked lot's unit price, no fiat amount.
type Transaction struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Type            TransactionType  `json:"type"`
	ClientRequestID string           `json:"client_request_id"`
	AmountBRL       *decimal.Decimal `json:"amount_brl,omitempty"`
	QtyBTC          *decimal.Decimal `json:"qty_btc,omitempty"`
	QuotePriceBRL   *decimal.Decimal `json:"quote_price_brl,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// LedgerEntry is one double-entry leg tied to a Transaction. BUY and SELL
// produce a balanced DEBIT/CREDIT pair; DEPOSIT produces a single BRL
// credit (external money entering has no internal counter-leg).
type LedgerEntry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	TransactionID string          `json:"transaction_id"`
	Direction     EntryDirection  `json:"direction"`
	Currency      Currency        `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// QuoteSnapshot is an observed buy/sell price pair recorded at a 10-minute
// slot boundary for historical reporting. Independent of the live quote
// cache.
type QuoteSnapshot struct {
	Ts     time.Time       `json:"ts"`
	Buy    decimal.Decimal `json:"buy"`
	Sell   decimal.Decimal `json:"sell"`
	Source string          `json:"source"`
}
