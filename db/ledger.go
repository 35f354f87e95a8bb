package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"archrender/credits"
)

// Ledger errors.
var (
	ErrAlreadyRefunded = errors.New("db: ledger record already refunded")
	ErrUnknownRecord   = errors.New("db: unknown ledger record")
	ErrRefundMismatch  = errors.New("db: refund does not match its deduct record")
)

// Entry kinds.
const (
	EntryGrant  = "grant"
	EntryDeduct = "deduct"
	EntryRefund = "refund"
)

// LedgerEntry is a row of credit_entries.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Amount      int       `json:"amount"`
	Description string    `json:"description,omitempty"`
	Reverses    string    `json:"reverses,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SQLLedger is a reference credits ledger. Each deduct can be refunded at
// most once, for exactly the deducted amount.
type SQLLedger struct {
	db *Database
}

// NewSQLLedger creates a ledger on database.
func NewSQLLedger(database *Database) *SQLLedger {
	return &SQLLedger{db: database}
}

// Balance returns the user's balance. Unknown users have zero.
func (l *SQLLedger) Balance(ctx context.Context, userID string) (int, error) {
	conn, err := l.db.conn()
	if err != nil {
		return 0, err
	}
	var balance int
	err = conn.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db: read balance: %w", err)
	}
	return balance, nil
}

// Grant adds credits, creating the account if needed.
func (l *SQLLedger) Grant(ctx context.Context, userID string, amount int, description string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("db: grant amount must be positive, got %d", amount)
	}
	var id string
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_accounts (user_id, balance) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance,
				updated_at = CURRENT_TIMESTAMP`, userID, amount); err != nil {
			return fmt.Errorf("db: credit account: %w", err)
		}
		var err error
		id, err = insertEntry(ctx, tx, userID, EntryGrant, amount, description, "")
		return err
	})
	return id, err
}

// Deduct charges amount and returns the new record id. It satisfies
// credits.Ledger.
func (l *SQLLedger) Deduct(ctx context.Context, userID string, amount int, description string) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("db: deduct amount must not be negative, got %d", amount)
	}
	var id string
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var balance int
		err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = 0
		} else if err != nil {
			return fmt.Errorf("db: read balance: %w", err)
		}
		if balance < amount {
			return fmt.Errorf("%w: need %d, have %d", credits.ErrInsufficientCredits, amount, balance)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID,
		); err != nil {
			return fmt.Errorf("db: open account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ?`, amount, userID); err != nil {
			return fmt.Errorf("db: debit account: %w", err)
		}
		id, err = insertEntry(ctx, tx, userID, EntryDeduct, amount, description, "")
		return err
	})
	return id, err
}

// Refund reverses the deduct identified by recordID. It satisfies
// credits.Ledger.
func (l *SQLLedger) Refund(ctx context.Context, userID string, amount int, description, recordID string) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		var (
			owner string
			kind  string
			paid  int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, kind, amount FROM credit_entries WHERE id = ?`, recordID,
		).Scan(&owner, &kind, &paid)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && kind != EntryDeduct) {
			return fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
		}
		if err != nil {
			return fmt.Errorf("db: read ledger record: %w", err)
		}
		if owner != userID || paid != amount {
			return fmt.Errorf("%w: record %s is %d for %q", ErrRefundMismatch, recordID, paid, owner)
		}

		var refunds int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_entries WHERE reverses = ?`, recordID,
		).Scan(&refunds); err != nil {
			return fmt.Errorf("db: check refunds: %w", err)
		}
		if refunds > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyRefunded, recordID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ?`, amount, userID); err != nil {
			return fmt.Errorf("db: credit account: %w", err)
		}
		_, err = insertEntry(ctx, tx, userID, EntryRefund, amount, description, recordID)
		return err
	})
}

// Entries returns the newest ledger entries for a user.
func (l *SQLLedger) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	conn, err := l.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, COALESCE(description, ''), COALESCE(reverses, ''), created_at
		FROM credit_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: query ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Description, &e.Reverses, &createdAt); err != nil {
			return nil, fmt.Errorf("db: scan ledger row: %w", err)
		}
		e.CreatedAt = parseSQLiteTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate ledger rows: %w", err)
	}
	return entries, nil
}

func (l *SQLLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := l.db.conn()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID, kind string, amount int, description, reverses string) (string, error) {
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, user_id, kind, amount, description, reverses)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, kind, amount, nullString(description), nullString(reverses),
	); err != nil {
		return "", fmt.Errorf("db: insert %s entry: %w", kind, err)
	}
	return id, nil
}
