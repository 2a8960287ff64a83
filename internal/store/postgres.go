package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/fifo"
	"github.com/brlx/trading-engine/internal/metrics"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/numeric"
)

// PostgresStore implements Store and OrderStore using PostgreSQL as the
// source of truth. All monetary values are stored as NUMERIC for exact
// decimal precision. Financial mutations run in serializable transactions;
// the user's account row is locked FOR UPDATE so per-user writes serialize
// even if the external dispatcher misbehaves.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, balance_brl::TEXT, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.ID, &a.UserID, &bal, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account for %s: %w", userID, err)
	}
	a.BalanceBRL, _ = decimal.NewFromString(bal)
	return &a, nil
}

func (s *PostgresStore) HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	if acc == nil {
		return false, nil
	}
	return acc.BalanceBRL.Cmp(amount) >= 0, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateDeposit(ctx context.Context, userID string, amountBRL decimal.Decimal, clientRequestID string) (DepositResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return DepositResult{}, err
	}
	defer tx.Rollback(ctx)

	var accID, balS string
	err = tx.QueryRow(ctx,
		`SELECT id, balance_brl::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&accID, &balS)
	if err != nil {
		return DepositResult{}, fmt.Errorf("lock account for %s: %w", userID, err)
	}
	balance, _ := decimal.NewFromString(balS)

	// Idempotency: same key means the deposit was already applied.
	var existingID string
	var existingAmt *string
	var existingAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, amount_brl::TEXT, created_at FROM transactions
		 WHERE user_id = $1 AND client_request_id = $2`, userID, clientRequestID).
		Scan(&existingID, &existingAmt, &existingAt)
	if err == nil {
		amt := decimal.Zero
		if existingAmt != nil {
			amt, _ = decimal.NewFromString(*existingAmt)
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return DepositResult{}, cerr
		}
		return DepositResult{
			TransactionID: existingID,
			AmountBRL:     amt,
			NewBalance:    balance,
			CreatedAt:     existingAt,
			Idempotent:    true,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DepositResult{}, err
	}

	now := time.Now().UTC()
	txID := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, client_request_id, amount_brl, created_at)
		 VALUES ($1, $2, 'DEPOSIT', $3, $4::NUMERIC, $5)`,
		txID, userID, clientRequestID, amountBRL.String(), now); err != nil {
		return DepositResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, transaction_id, direction, currency, amount, created_at)
		 VALUES ($1, $2, $3, 'CREDIT', 'BRL', $4::NUMERIC, $5)`,
		uuid.New().String(), accID, txID, amountBRL.String(), now); err != nil {
		return DepositResult{}, err
	}
	var newBalS string
	if err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance_brl = balance_brl + $2::NUMERIC, updated_at = $3
		 WHERE id = $1 RETURNING balance_brl::TEXT`,
		accID, amountBRL.String(), now).Scan(&newBalS); err != nil {
		return DepositResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return DepositResult{}, err
	}

	newBalance, _ := decimal.NewFromString(newBalS)
	return DepositResult{
		TransactionID: txID,
		AmountBRL:     amountBRL,
		NewBalance:    newBalance,
		CreatedAt:     now,
		Idempotent:    false,
	}, nil
}

func (s *PostgresStore) ExecuteBuy(ctx context.Context, in BuyExecution) (BuyResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return BuyResult{}, err
	}
	defer tx.Rollback(ctx)

	var accID, balS string
	err = tx.QueryRow(ctx,
		`SELECT id, balance_brl::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`, in.UserID).
		Scan(&accID, &balS)
	if err != nil {
		return BuyResult{}, fmt.Errorf("lock account for %s: %w", in.UserID, err)
	}
	balance, _ := decimal.NewFromString(balS)
	if balance.Cmp(in.AmountBRL) < 0 {
		return BuyResult{}, apperr.InsufficientFunds()
	}

	now := time.Now().UTC()
	txID := uuid.New().String()
	posID := uuid.New().String()

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, client_request_id, amount_brl, qty_btc, quote_price_brl, created_at)
		 VALUES ($1, $2, 'BUY', $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		txID, in.UserID, in.ClientRequestID,
		in.AmountBRL.String(), in.QtyBTC.String(), in.QuotePriceBRL.String(), now); err != nil {
		return BuyResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, transaction_id, direction, currency, amount, created_at)
		 VALUES ($1, $2, $3, 'DEBIT', 'BRL', $4::NUMERIC, $5),
		        ($6, $2, $3, 'CREDIT', 'BTC', $7::NUMERIC, $5)`,
		uuid.New().String(), accID, txID, in.AmountBRL.String(), now,
		uuid.New().String(), in.QtyBTC.String()); err != nil {
		return BuyResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, qty_btc, unit_price_brl, opened_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		posID, in.UserID, in.QtyBTC.String(), in.QuotePriceBRL.String(), now); err != nil {
		return BuyResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance_brl = balance_brl - $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		accID, in.AmountBRL.String(), now); err != nil {
		return BuyResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return BuyResult{}, err
	}
	return BuyResult{TransactionID: txID, PositionID: posID}, nil
}

func (s *PostgresStore) HasSufficientHoldings(ctx context.Context, userID string, qtyNeeded decimal.Decimal) (bool, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty_btc), 0)::TEXT FROM positions WHERE user_id = $1`, userID).
		Scan(&totalS)
	if err != nil {
		return false, err
	}
	total, _ := decimal.NewFromString(totalS)
	return numeric.GTE(total, qtyNeeded), nil
}

func (s *PostgresStore) ExecuteSell(ctx context.Context, in SellExecution) (SellResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return SellResult{}, err
	}
	defer tx.Rollback(ctx)

	var accID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE user_id = $1 FOR UPDATE`, in.UserID).Scan(&accID)
	if err != nil {
		return SellResult{}, fmt.Errorf("lock account for %s: %w", in.UserID, err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, user_id, qty_btc::TEXT, unit_price_brl::TEXT, opened_at
		 FROM positions
		 WHERE user_id = $1 AND qty_btc > 0
		 ORDER BY opened_at ASC, id ASC
		 FOR UPDATE`, in.UserID)
	if err != nil {
		return SellResult{}, err
	}
	lots, err := scanPositions(rows)
	if err != nil {
		return SellResult{}, err
	}

	plan := fifo.Consume(lots, in.QtyNeeded)
	if !plan.Covers(in.QtyNeeded) {
		return SellResult{}, apperr.InsufficientAtExecution()
	}

	now := time.Now().UTC()
	for _, lotID := range plan.ClosedLotIDs {
		if _, err := tx.Exec(ctx,
			`UPDATE positions SET qty_btc = 0 WHERE id = $1`, lotID); err != nil {
			return SellResult{}, err
		}
	}
	if rb := plan.Rebook; rb != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (id, user_id, qty_btc, unit_price_brl, opened_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
			uuid.New().String(), in.UserID, rb.QtyBTC.String(), rb.UnitPriceBRL.String(), rb.OpenedAt); err != nil {
			return SellResult{}, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, user_id, type, client_request_id, qty_btc, quote_price_brl, created_at)
			 VALUES ($1, $2, 'REBOOK', $3, $4::NUMERIC, $5::NUMERIC, $6)`,
			uuid.New().String(), in.UserID,
			fmt.Sprintf("%s:REBOOK:%s", in.ClientRequestID, rb.SourceLotID),
			rb.QtyBTC.String(), rb.UnitPriceBRL.String(), now); err != nil {
			return SellResult{}, err
		}
	}

	credited := numeric.BankersRound2(plan.QtySold.Mul(in.QuotePriceBRL))
	txID := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, client_request_id, amount_brl, qty_btc, quote_price_brl, created_at)
		 VALUES ($1, $2, 'SELL', $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		txID, in.UserID, in.ClientRequestID,
		credited.String(), plan.QtySold.String(), in.QuotePriceBRL.String(), now); err != nil {
		return SellResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, transaction_id, direction, currency, amount, created_at)
		 VALUES ($1, $2, $3, 'DEBIT', 'BTC', $4::NUMERIC, $5),
		        ($6, $2, $3, 'CREDIT', 'BRL', $7::NUMERIC, $5)`,
		uuid.New().String(), accID, txID, plan.QtySold.String(), now,
		uuid.New().String(), credited.String()); err != nil {
		return SellResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance_brl = balance_brl + $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		accID, credited.String(), now); err != nil {
		return SellResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SellResult{}, err
	}
	if plan.Rebook != nil {
		metrics.RebooksTotal.Inc()
	}
	return SellResult{TransactionID: txID, QtySold: plan.QtySold, CreditedBRL: credited}, nil
}

func (s *PostgresStore) FindOpenLots(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, qty_btc::TEXT, unit_price_brl::TEXT, opened_at
		 FROM positions
		 WHERE user_id = $1 AND qty_btc > 0
		 ORDER BY opened_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (s *PostgresStore) FindForStatement(ctx context.Context, f StatementFilter) (StatementPage, error) {
	var types []string
	for _, t := range f.Types {
		types = append(types, string(t))
	}

	query := `SELECT id, user_id, type, client_request_id,
	                 amount_brl::TEXT, qty_btc::TEXT, quote_price_brl::TEXT, created_at
	          FROM transactions
	          WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
	            AND ($4::text[] IS NULL OR type = ANY($4))`
	args := []any{f.UserID, f.From, f.To, types}
	if f.Cursor != nil {
		query += ` AND (created_at, id) < ($5, $6)`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, f.Limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return StatementPage{}, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amtS, qtyS, priceS *string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.ClientRequestID,
			&amtS, &qtyS, &priceS, &t.CreatedAt); err != nil {
			return StatementPage{}, err
		}
		t.AmountBRL = parseNullDecimal(amtS)
		t.QtyBTC = parseNullDecimal(qtyS)
		t.QuotePriceBRL = parseNullDecimal(priceS)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return StatementPage{}, err
	}

	page := StatementPage{}
	if len(txs) > f.Limit {
		txs = txs[:f.Limit]
		last := txs[len(txs)-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	page.Rows = txs
	return page, nil
}

func (s *PostgresStore) SumQtyBTC(ctx context.Context, txType model.TransactionType, from, to time.Time) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty_btc), 0)::TEXT FROM transactions
		 WHERE type = $1 AND created_at >= $2 AND created_at <= $3`,
		string(txType), from, to).Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap model.QuoteSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quote_snapshots (ts, buy, sell, source)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (ts) DO UPDATE SET buy = EXCLUDED.buy, sell = EXCLUDED.sell, source = EXCLUDED.source`,
		snap.Ts, snap.Buy.String(), snap.Sell.String(), snap.Source)
	return err
}

func (s *PostgresStore) FindSnapshots(ctx context.Context, from, to time.Time) ([]model.QuoteSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, buy::TEXT, sell::TEXT, source FROM quote_snapshots
		 WHERE ts >= $1 AND ts <= $2 ORDER BY ts ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.QuoteSnapshot
	for rows.Next() {
		var snap model.QuoteSnapshot
		var buyS, sellS string
		if err := rows.Scan(&snap.Ts, &buyS, &sellS, &snap.Source); err != nil {
			return nil, err
		}
		snap.Buy, _ = decimal.NewFromString(buyS)
		snap.Sell, _ = decimal.NewFromString(sellS)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM quote_snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- OrderStore ---

func (s *PostgresStore) CreateOrGet(ctx context.Context, userID string, side model.OrderSide, clientRequestID string, amountBRL decimal.Decimal) (model.Order, bool, error) {
	// Insert-or-fetch: the unique constraint on (user_id, client_request_id,
	// side) makes concurrent accepts for the same key converge on one row.
	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, side, amount_brl, client_request_id, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, 'ENQUEUED', $6)
		 ON CONFLICT (user_id, client_request_id, side) DO NOTHING`,
		id, userID, string(side), amountBRL.String(), clientRequestID, now)
	if err != nil {
		return model.Order{}, false, err
	}
	created := tag.RowsAffected() == 1

	o, err := s.GetByClientRequest(ctx, userID, side, clientRequestID)
	if err != nil {
		return model.Order{}, false, err
	}
	if o == nil {
		return model.Order{}, false, fmt.Errorf("order for %s/%s vanished after insert", userID, clientRequestID)
	}
	return *o, created, nil
}

func (s *PostgresStore) GetByClientRequest(ctx context.Context, userID string, side model.OrderSide, clientRequestID string) (*model.Order, error) {
	var o model.Order
	var amtS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, side, amount_brl::TEXT, client_request_id, status, created_at
		 FROM orders WHERE user_id = $1 AND client_request_id = $2 AND side = $3`,
		userID, clientRequestID, string(side)).
		Scan(&o.ID, &o.UserID, &o.Side, &amtS, &o.ClientRequestID, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.AmountBRL, _ = decimal.NewFromString(amtS)
	return &o, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, orderID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'PROCESSED' WHERE id = $1`, orderID)
	return err
}

// --- scan helpers ---

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var lots []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, priceS string
		if err := rows.Scan(&p.ID, &p.UserID, &qtyS, &priceS, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.QtyBTC, _ = decimal.NewFromString(qtyS)
		p.UnitPriceBRL, _ = decimal.NewFromString(priceS)
		lots = append(lots, p)
	}
	return lots, rows.Err()
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
