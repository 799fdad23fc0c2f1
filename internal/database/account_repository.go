package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound is returned when no row exists for the hashed key
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when creating a row that already exists
	ErrAccountExists = errors.New("account already exists")
	// ErrInsufficientBalance is returned when a reserve exceeds the balance
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// AccountRepository handles all database operations for API-key accounts
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{
		db: db.pool,
	}
}

const accountColumns = `hashed_key, balance, refund_address, key_expiry_time, total_spent, total_requests, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var account Account
	err := row.Scan(
		&account.HashedKey,
		&account.BalanceMsat,
		&account.RefundAddress,
		&account.KeyExpiryTime,
		&account.TotalSpentMsat,
		&account.TotalRequests,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account row: %w", err)
	}
	return &account, nil
}

// Create inserts a new account row.
// Returns ErrAccountExists if the hashed key is already present.
func (r *AccountRepository) Create(ctx context.Context, account *Account) error {
	query := `INSERT INTO api_keys (
		hashed_key,
		balance,
		refund_address,
		key_expiry_time,
		total_spent,
		total_requests,
		created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(
		ctx,
		query,
		account.HashedKey,
		account.BalanceMsat,
		account.RefundAddress,
		account.KeyExpiryTime,
		account.TotalSpentMsat,
		account.TotalRequests,
		account.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetByHashedKey retrieves an account by its key hash.
// Returns ErrAccountNotFound if no row exists.
func (r *AccountRepository) GetByHashedKey(ctx context.Context, hashedKey string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM api_keys WHERE hashed_key = $1`

	account, err := scanAccount(r.db.QueryRow(ctx, query, hashedKey))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Reserve atomically debits amountMsat from the balance and counts the
// request. The conditional update guarantees the balance never goes
// negative under concurrent reserves on the same row.
// Returns ErrInsufficientBalance or ErrAccountNotFound.
func (r *AccountRepository) Reserve(ctx context.Context, hashedKey string, amountMsat int64) error {
	query := `UPDATE api_keys
		SET balance = balance - $2,
			total_requests = total_requests + 1,
			updated_at = NOW()
		WHERE hashed_key = $1 AND balance >= $2`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, amountMsat)
	if err != nil {
		return fmt.Errorf("failed to reserve balance: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		// Distinguish a missing row from an underfunded one.
		if _, err := r.GetByHashedKey(ctx, hashedKey); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}

	return nil
}

// Settle credits refundMsat back to the balance and adds spentMsat to
// the lifetime spend counter. Both may be zero.
// Returns ErrAccountNotFound if no row exists.
func (r *AccountRepository) Settle(ctx context.Context, hashedKey string, refundMsat, spentMsat int64) error {
	query := `UPDATE api_keys
		SET balance = balance + $2,
			total_spent = total_spent + $3,
			updated_at = NOW()
		WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, refundMsat, spentMsat)
	if err != nil {
		return fmt.Errorf("failed to settle account: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// Credit adds amountMsat to the account, creating the row on first
// deposit. Returns the resulting account.
func (r *AccountRepository) Credit(ctx context.Context, hashedKey string, amountMsat int64) (*Account, error) {
	query := `INSERT INTO api_keys (hashed_key, balance, total_spent, total_requests, created_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (hashed_key) DO UPDATE
			SET balance = api_keys.balance + EXCLUDED.balance,
				updated_at = NOW()
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRow(ctx, query, hashedKey, amountMsat, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}
	return account, nil
}

// Drain zeroes the balance and moves it into total_spent, returning the
// amount removed. The pre-update balance is locked so concurrent drains
// cannot double-pay. A zero balance drains zero without error.
func (r *AccountRepository) Drain(ctx context.Context, hashedKey string) (int64, error) {
	query := `UPDATE api_keys AS k
		SET balance = 0,
			total_spent = k.total_spent + k.balance,
			updated_at = NOW()
		FROM (SELECT hashed_key, balance FROM api_keys WHERE hashed_key = $1 FOR UPDATE) AS prev
		WHERE k.hashed_key = prev.hashed_key
		RETURNING prev.balance`

	var drained int64
	err := r.db.QueryRow(ctx, query, hashedKey).Scan(&drained)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to drain account: %w", err)
	}

	return drained, nil
}

// UpdateRefundAddress stores the LNURL or Lightning Address payouts go to.
func (r *AccountRepository) UpdateRefundAddress(ctx context.Context, hashedKey, address string) error {
	query := `UPDATE api_keys SET refund_address = $2, updated_at = NOW() WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, address)
	if err != nil {
		return fmt.Errorf("failed to update refund address: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateKeyExpiry stores the unix time after which the key is rejected.
func (r *AccountRepository) UpdateKeyExpiry(ctx context.Context, hashedKey string, expiry int64) error {
	query := `UPDATE api_keys SET key_expiry_time = $2, updated_at = NOW() WHERE hashed_key = $1`

	commandTag, err := r.db.Exec(ctx, query, hashedKey, expiry)
	if err != nil {
		return fmt.Errorf("failed to update key expiry: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListExpiredFunded returns accounts whose key expired before now, that
// still hold a balance and have somewhere to send it. Used by the
// payout sweeper.
func (r *AccountRepository) ListExpiredFunded(ctx context.Context, now time.Time) ([]*Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM api_keys
		WHERE key_expiry_time IS NOT NULL
			AND key_expiry_time <= $1
			AND balance > 0
			AND refund_address IS NOT NULL
		ORDER BY key_expiry_time ASC`

	rows, err := r.db.Query(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return accounts, nil
}
