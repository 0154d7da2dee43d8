package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

const (
	entryAward    = "award"
	entryPurchase = "purchase"
	entryOpen     = "open"
)

type LedgerEntry struct {
	ID      string
	UserID  string
	Amount  int64
	Kind    string
	Reason  string
	Balance int64
}

// WalletStore is the currency ledger: one balance row per user plus an
// append-only entry per change, both written in the same transaction.
type WalletStore struct {
	db *pgxpool.Pool
}

func NewWalletStore(db *pgxpool.Pool) *WalletStore {
	return &WalletStore{db: db}
}

// Open creates the wallet with a starting balance. Existing wallets are left alone.
func (s *WalletStore) Open(ctx context.Context, userID string, initial int64) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, balance)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, initial)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 || initial == 0 {
			return nil
		}
		return insertEntry(ctx, tx, userID, initial, entryOpen, "starting balance", nil, initial)
	})
}

func (s *WalletStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id=$1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// AwardWin credits amount to the user's wallet, creating it if needed, and
// returns the new balance.
func (s *WalletStore) AwardWin(ctx context.Context, userID string, amount int64, gameType string, meta map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO wallets (user_id, balance)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
			RETURNING balance
		`, userID, amount).Scan(&balance)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, amount, entryAward, gameType, meta, balance)
	})
	if err != nil {
		return 0, fmt.Errorf("award win: %w", err)
	}
	return balance, nil
}

// ChargeForPurchase debits amount and returns the new balance. It fails with
// ErrInsufficientBalance, leaving the wallet untouched, when funds are short.
func (s *WalletStore) ChargeForPurchase(ctx context.Context, userID string, amount int64, purchaseType string, meta map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientBalance
		}

		err = tx.QueryRow(ctx, `
			UPDATE wallets SET balance = balance - $2, updated_at = now()
			WHERE user_id=$1
			RETURNING balance
		`, userID, amount).Scan(&balance)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, -amount, entryPurchase, purchaseType, meta, balance)
	})
	if err != nil {
		return 0, fmt.Errorf("charge %s: %w", purchaseType, err)
	}
	return balance, nil
}

// Entries returns the user's most recent ledger entries, newest first.
func (s *WalletStore) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, amount, kind, reason, balance
		FROM ledger_entries
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LedgerEntry, error) {
		var e LedgerEntry
		err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.Reason, &e.Balance)
		return e, err
	})
}

func insertEntry(ctx context.Context, tx pgx.Tx, userID string, amount int64, kind, reason string, meta map[string]any, balance int64) error {
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, kind, reason, meta, balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), userID, amount, kind, reason, meta, balance)
	return err
}
