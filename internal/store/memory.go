package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/fifo"
	"github.com/brlx/trading-engine/internal/metrics"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/numeric"
)

// MemoryStore implements Store and OrderStore with in-memory maps guarded
// by a single mutex, which also gives every mutation the atomicity the
// contract requires. Used for testing and development; not suitable for
// production (no persistence).
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]model.User
	accounts  map[string]*model.Account // keyed by userID
	orders    map[string]*model.Order   // keyed by order ID
	orderKeys map[string]string         // (user|side|clientRequestID) → order ID
	positions []*model.Position
	txs       []model.Transaction
	ledger    []model.LedgerEntry
	snapshots map[int64]model.QuoteSnapshot // keyed by unix nanos of the slot

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]model.User),
		accounts:  make(map[string]*model.Account),
		orders:    make(map[string]*model.Order),
		orderKeys: make(map[string]string),
		snapshots: make(map[int64]model.QuoteSnapshot),
		now:       time.Now,
	}
}

// SeedUser registers a user with a zero-balance account. Development and
// test helper; production user provisioning is outside the engine.
func (s *MemoryStore) SeedUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if _, ok := s.accounts[u.ID]; !ok {
		s.accounts[u.ID] = &model.Account{
			ID:         uuid.New().String(),
			UserID:     u.ID,
			BalanceBRL: decimal.Zero,
			UpdatedAt:  s.now().UTC(),
		}
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) HasSufficientBalance(_ context.Context, userID string, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return false, nil
	}
	return acc.BalanceBRL.Cmp(amount) >= 0, nil
}

func (s *MemoryStore) FindUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := u
	return &cp, nil
}

func (s *MemoryStore) CreateDeposit(_ context.Context, userID string, amountBRL decimal.Decimal, clientRequestID string) (DepositResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return DepositResult{}, fmt.Errorf("account for user %s not found", userID)
	}

	// Idempotency: a transaction with the same key means the deposit was
	// already applied.
	for i := range s.txs {
		t := &s.txs[i]
		if t.UserID == userID && t.ClientRequestID == clientRequestID {
			return DepositResult{
				TransactionID: t.ID,
				AmountBRL:     derefOrZero(t.AmountBRL),
				NewBalance:    acc.BalanceBRL,
				CreatedAt:     t.CreatedAt,
				Idempotent:    true,
			}, nil
		}
	}

	now := s.now().UTC()
	amount := amountBRL
	tx := model.Transaction{
		ID:              uuid.New().String(),
		UserID:          userID,
		Type:            model.TxDeposit,
		ClientRequestID: clientRequestID,
		AmountBRL:       &amount,
		CreatedAt:       now,
	}
	s.txs = append(s.txs, tx)
	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:            uuid.New().String(),
		AccountID:     acc.ID,
		TransactionID: tx.ID,
		Direction:     model.Credit,
		Currency:      model.BRL,
		Amount:        amountBRL,
		CreatedAt:     now,
	})
	acc.BalanceBRL = acc.BalanceBRL.Add(amountBRL)
	acc.UpdatedAt = now

	return DepositResult{
		TransactionID: tx.ID,
		AmountBRL:     amountBRL,
		NewBalance:    acc.BalanceBRL,
		CreatedAt:     now,
		Idempotent:    false,
	}, nil
}

func (s *MemoryStore) ExecuteBuy(_ context.Context, in BuyExecution) (BuyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[in.UserID]
	if !ok {
		return BuyResult{}, fmt.Errorf("account for user %s not found", in.UserID)
	}
	if acc.BalanceBRL.Cmp(in.AmountBRL) < 0 {
		return BuyResult{}, apperr.InsufficientFunds()
	}

	now := s.now().UTC()
	amount, qty, price := in.AmountBRL, in.QtyBTC, in.QuotePriceBRL
	tx := model.Transaction{
		ID:              uuid.New().String(),
		UserID:          in.UserID,
		Type:            model.TxBuy,
		ClientRequestID: in.ClientRequestID,
		AmountBRL:       &amount,
		QtyBTC:          &qty,
		QuotePriceBRL:   &price,
		CreatedAt:       now,
	}
	s.txs = append(s.txs, tx)
	s.ledger = append(s.ledger,
		model.LedgerEntry{
			ID: uuid.New().String(), AccountID: acc.ID, TransactionID: tx.ID,
			Direction: model.Debit, Currency: model.BRL, Amount: in.AmountBRL, CreatedAt: now,
		},
		model.LedgerEntry{
			ID: uuid.New().String(), AccountID: acc.ID, TransactionID: tx.ID,
			Direction: model.Credit, Currency: model.BTC, Amount: in.QtyBTC, CreatedAt: now,
		},
	)
	pos := &model.Position{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		QtyBTC:       in.QtyBTC,
		UnitPriceBRL: in.QuotePriceBRL,
		OpenedAt:     now,
	}
	s.positions = append(s.positions, pos)
	acc.BalanceBRL = acc.BalanceBRL.Sub(in.AmountBRL)
	acc.UpdatedAt = now

	return BuyResult{TransactionID: tx.ID, PositionID: pos.ID}, nil
}

func (s *MemoryStore) HasSufficientHoldings(_ context.Context, userID string, qtyNeeded decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, p := range s.positions {
		if p.UserID == userID {
			total = total.Add(p.QtyBTC)
		}
	}
	return numeric.GTE(total, qtyNeeded), nil
}

func (s *MemoryStore) ExecuteSell(_ context.Context, in SellExecution) (SellResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[in.UserID]
	if !ok {
		return SellResult{}, fmt.Errorf("account for user %s not found", in.UserID)
	}

	open := s.openLotsLocked(in.UserID)
	plan := fifo.Consume(open, in.QtyNeeded)
	if !plan.Covers(in.QtyNeeded) {
		return SellResult{}, apperr.InsufficientAtExecution()
	}

	now := s.now().UTC()
	byID := make(map[string]*model.Position, len(s.positions))
	for _, p := range s.positions {
		byID[p.ID] = p
	}
	for _, id := range plan.ClosedLotIDs {
		byID[id].QtyBTC = decimal.Zero
	}
	if rb := plan.Rebook; rb != nil {
		s.positions = append(s.positions, &model.Position{
			ID:           uuid.New().String(),
			UserID:       in.UserID,
			QtyBTC:       rb.QtyBTC,
			UnitPriceBRL: rb.UnitPriceBRL,
			OpenedAt:     rb.OpenedAt,
		})
		residual, unitPrice := rb.QtyBTC, rb.UnitPriceBRL
		s.txs = append(s.txs, model.Transaction{
			ID:              uuid.New().String(),
			UserID:          in.UserID,
			Type:            model.TxRebook,
			ClientRequestID: fmt.Sprintf("%s:REBOOK:%s", in.ClientRequestID, rb.SourceLotID),
			QtyBTC:          &residual,
			QuotePriceBRL:   &unitPrice,
			CreatedAt:       now,
		})
		metrics.RebooksTotal.Inc()
	}

	credited := numeric.BankersRound2(plan.QtySold.Mul(in.QuotePriceBRL))
	qtySold, price := plan.QtySold, in.QuotePriceBRL
	tx := model.Transaction{
		ID:              uuid.New().String(),
		UserID:          in.UserID,
		Type:            model.TxSell,
		ClientRequestID: in.ClientRequestID,
		AmountBRL:       &credited,
		QtyBTC:          &qtySold,
		QuotePriceBRL:   &price,
		CreatedAt:       now,
	}
	s.txs = append(s.txs, tx)
	s.ledger = append(s.ledger,
		model.LedgerEntry{
			ID: uuid.New().String(), AccountID: acc.ID, TransactionID: tx.ID,
			Direction: model.Debit, Currency: model.BTC, Amount: plan.QtySold, CreatedAt: now,
		},
		model.LedgerEntry{
			ID: uuid.New().String(), AccountID: acc.ID, TransactionID: tx.ID,
			Direction: model.Credit, Currency: model.BRL, Amount: credited, CreatedAt: now,
		},
	)
	acc.BalanceBRL = acc.BalanceBRL.Add(credited)
	acc.UpdatedAt = now

	return SellResult{TransactionID: tx.ID, QtySold: plan.QtySold, CreditedBRL: credited}, nil
}

func (s *MemoryStore) FindOpenLots(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLotsLocked(userID), nil
}

func (s *MemoryStore) openLotsLocked(userID string) []model.Position {
	var open []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.QtyBTC.Sign() > 0 {
			open = append(open, *p)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].OpenedAt.Equal(open[j].OpenedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].OpenedAt.Before(open[j].OpenedAt)
	})
	return open
}

func (s *MemoryStore) FindForStatement(_ context.Context, f StatementFilter) (StatementPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeOK := func(t model.TransactionType) bool {
		if len(f.Types) == 0 {
			return true
		}
		for _, want := range f.Types {
			if t == want {
				return true
			}
		}
		return false
	}

	var rows []model.Transaction
	for _, t := range s.txs {
		if t.UserID != f.UserID || !typeOK(t.Type) {
			continue
		}
		if t.CreatedAt.Before(f.From) || t.CreatedAt.After(f.To) {
			continue
		}
		rows = append(rows, t)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	if c := f.Cursor; c != nil {
		var after []model.Transaction
		for _, t := range rows {
			if t.CreatedAt.Before(c.CreatedAt) ||
				(t.CreatedAt.Equal(c.CreatedAt) && t.ID < c.ID) {
				after = append(after, t)
			}
		}
		rows = after
	}

	page := StatementPage{}
	if len(rows) > f.Limit {
		rows = rows[:f.Limit]
		last := rows[len(rows)-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	page.Rows = rows
	return page, nil
}

func (s *MemoryStore) SumQtyBTC(_ context.Context, txType model.TransactionType, from, to time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, t := range s.txs {
		if t.Type != txType || t.QtyBTC == nil {
			continue
		}
		if t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		total = total.Add(*t.QtyBTC)
	}
	return total, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap model.QuoteSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Ts.UnixNano()] = snap
	return nil
}

func (s *MemoryStore) FindSnapshots(_ context.Context, from, to time.Time) ([]model.QuoteSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QuoteSnapshot
	for _, snap := range s.snapshots {
		if snap.Ts.Before(from) || snap.Ts.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out, nil
}

func (s *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, snap := range s.snapshots {
		if snap.Ts.Before(cutoff) {
			delete(s.snapshots, k)
			n++
		}
	}
	return n, nil
}

// --- OrderStore ---

func orderKey(userID string, side model.OrderSide, clientRequestID string) string {
	return userID + "|" + string(side) + "|" + clientRequestID
}

func (s *MemoryStore) CreateOrGet(_ context.Context, userID string, side model.OrderSide, clientRequestID string, amountBRL decimal.Decimal) (model.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey(userID, side, clientRequestID)
	if id, ok := s.orderKeys[key]; ok {
		return *s.orders[id], false, nil
	}

	o := &model.Order{
		ID:              uuid.New().String(),
		UserID:          userID,
		Side:            side,
		AmountBRL:       amountBRL,
		ClientRequestID: clientRequestID,
		Status:          model.StatusEnqueued,
		CreatedAt:       s.now().UTC(),
	}
	s.orders[o.ID] = o
	s.orderKeys[key] = o.ID
	return *o, true, nil
}

func (s *MemoryStore) GetByClientRequest(_ context.Context, userID string, side model.OrderSide, clientRequestID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.orderKeys[orderKey(userID, side, clientRequestID)]
	if !ok {
		return nil, nil
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.Status = model.StatusProcessed
	return nil
}

func derefOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
