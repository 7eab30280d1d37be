package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance signals the sender's balance policy forbids the
	// transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrAccountNotFound is returned when no account row exists for the member.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx. Settlement always
// runs on the caller's transaction so the balance mutation and the exchange
// state change commit or roll back together.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger moves time credits between member accounts.
type Ledger struct {
	policy Policy
}

func New(policy Policy) *Ledger {
	return &Ledger{policy: policy}
}

// SettleParams describe one settlement: exactly one transfer per exchange.
type SettleParams struct {
	ExchangeID string
	SenderID   string
	ReceiverID string
	Amount     decimal.Decimal
}

// Settle debits the sender, credits the receiver and records the transfer as
// one unit. If a transfer already exists for the exchange the call is a no-op
// returning the existing row, so retries after a crash never double-credit.
func (l *Ledger) Settle(ctx context.Context, q Querier, p SettleParams) (Transfer, error) {
	if !p.Amount.IsPositive() {
		return Transfer{}, fmt.Errorf("ledger: transfer amount must be positive, got %s", p.Amount)
	}
	if p.SenderID == p.ReceiverID {
		return Transfer{}, fmt.Errorf("ledger: sender and receiver must differ")
	}
	if p.ExchangeID == "" {
		return Transfer{}, fmt.Errorf("ledger: missing exchange id")
	}

	const insertSQL = `
		INSERT INTO transfers (exchange_id, sender_id, receiver_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exchange_id) DO NOTHING
		RETURNING id, exchange_id, sender_id, receiver_id, amount, created_at
	`

	var t Transfer
	err := q.QueryRow(ctx, insertSQL, p.ExchangeID, p.SenderID, p.ReceiverID, p.Amount).
		Scan(&t.ID, &t.ExchangeID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Replay: the exchange was already settled.
		return l.TransferForExchange(ctx, q, p.ExchangeID)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("ledger: insert transfer: %w", err)
	}

	if err := l.ensureAccounts(ctx, q, p.SenderID, p.ReceiverID); err != nil {
		return Transfer{}, err
	}

	const debitSQL = `
		UPDATE accounts
		SET balance = balance - $2, updated_at = now()
		WHERE member_id = $1 AND balance - $2 >= $3
		RETURNING balance
	`
	var remaining decimal.Decimal
	err = q.QueryRow(ctx, debitSQL, p.SenderID, p.Amount, l.policy.floor()).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrInsufficientBalance
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("ledger: debit %s: %w", p.SenderID, err)
	}

	const creditSQL = `
		UPDATE accounts
		SET balance = balance + $2, updated_at = now()
		WHERE member_id = $1
	`
	if _, err := q.Exec(ctx, creditSQL, p.ReceiverID, p.Amount); err != nil {
		return Transfer{}, fmt.Errorf("ledger: credit %s: %w", p.ReceiverID, err)
	}

	return t, nil
}

func (l *Ledger) ensureAccounts(ctx context.Context, q Querier, memberIDs ...string) error {
	for _, id := range memberIDs {
		if _, err := q.Exec(ctx, `INSERT INTO accounts (member_id) VALUES ($1) ON CONFLICT (member_id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("ledger: ensure account %s: %w", id, err)
		}
	}
	return nil
}

// TransferForExchange fetches the settlement transfer tied to an exchange.
func (l *Ledger) TransferForExchange(ctx context.Context, q Querier, exchangeID string) (Transfer, error) {
	const query = `
		SELECT id, exchange_id, sender_id, receiver_id, amount, created_at
		FROM transfers
		WHERE exchange_id = $1
	`
	var t Transfer
	err := q.QueryRow(ctx, query, exchangeID).Scan(&t.ID, &t.ExchangeID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, fmt.Errorf("ledger: no transfer for exchange %s", exchangeID)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("ledger: transfer for exchange: %w", err)
	}
	return t, nil
}

// Balance fetches a member's account.
func (l *Ledger) Balance(ctx context.Context, q Querier, memberID string) (Account, error) {
	const query = `SELECT member_id, balance, updated_at FROM accounts WHERE member_id = $1`

	var a Account
	err := q.QueryRow(ctx, query, memberID).Scan(&a.MemberID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return a, nil
}

// TransfersForMember lists a member's ledger movements, newest first.
func (l *Ledger) TransfersForMember(ctx context.Context, q Querier, memberID string, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, exchange_id, sender_id, receiver_id, amount, created_at
		FROM transfers
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := q.Query(ctx, query, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0, limit)
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.ExchangeID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transfers: %w", err)
	}
	return transfers, nil
}

// TotalBalance sums every account. Transfers conserve value, so for a closed
// system this stays constant; the admin dashboard surfaces drift.
func (l *Ledger) TotalBalance(ctx context.Context, q Querier) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := q.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return decimal.Decimal{}, fmt.Errorf("ledger: total balance: %w", err)
	}
	return total, nil
}
