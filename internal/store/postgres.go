package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/models"
)

// PostgresStore implements Store on a pgx connection pool. Numeric columns
// travel as text and are parsed into decimals on the way in.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// CreateAccount opens an account with the given balance.
func (s *PostgresStore) CreateAccount(ctx context.Context, initialBalance decimal.Decimal) (*models.Account, error) {
	if initialBalance.IsNegative() {
		return nil, errors.New("initial balance cannot be negative")
	}
	acc := &models.Account{ID: uuid.NewString(), Balance: initialBalance}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, $2::numeric) RETURNING created_at, updated_at`,
		acc.ID, initialBalance.String(),
	).Scan(&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var (
		acc     models.Account
		balance string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::text, created_at, updated_at FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &acc, nil
}

func (s *PostgresStore) GetTransferByID(ctx context.Context, id string) (*models.Transfer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_account, destination_account, amount::text, state, created_at, updated_at
		 FROM transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

// ListAuditEntries returns the audit trail for one account, newest first.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, accountID string) ([]models.AuditEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, transfer_id, operation_type, amount::text, previous_balance::text, new_balance::text, description, created_at
		 FROM audit_log WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e                  models.AuditEntry
			amount, prev, next *string
			transferID         *string
			description        *string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &transferID, &e.OperationType, &amount, &prev, &next, &description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.TransferID = transferID
		if description != nil {
			e.Description = *description
		}
		if e.Amount, err = parseNullableDecimal(amount); err != nil {
			return nil, err
		}
		if e.PreviousBalance, err = parseNullableDecimal(prev); err != nil {
			return nil, err
		}
		if e.NewBalance, err = parseNullableDecimal(next); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

// LockAccounts takes every row lock in one statement; ORDER BY makes
// postgres acquire them in id order, which is what prevents two transfers
// on the same account pair from deadlocking each other.
func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]decimal.Decimal, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	rows, err := t.tx.Query(ctx,
		`SELECT id, balance::text FROM accounts WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`,
		sorted)
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]decimal.Decimal, len(sorted))
	for rows.Next() {
		var id, balance string
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan locked account: %w", err)
		}
		dec, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		balances[id] = dec
	}
	return balances, rows.Err()
}

func (t *pgTx) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric, updated_at = NOW() WHERE id = $2`,
		delta.String(), id)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("adjust balance: account %s not found", id)
	}
	return nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *models.Transfer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transfers (id, source_account, destination_account, amount, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		tr.ID, tr.SourceAccount, tr.DestinationAccount, tr.Amount.String(), tr.State, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	return nil
}

// GetTransfer locks the transfer row so concurrent approvals serialize.
func (t *pgTx) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, source_account, destination_account, amount::text, state, created_at, updated_at
		 FROM transfers WHERE id = $1 FOR UPDATE`, id)
	return scanTransfer(row)
}

func (t *pgTx) UpdateTransferState(ctx context.Context, id string, state models.TransferState, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transfers SET state = $2, updated_at = $3 WHERE id = $1`,
		id, state, updatedAt)
	if err != nil {
		return fmt.Errorf("update transfer state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (id, account_id, transfer_id, operation_type, amount, previous_balance, new_balance, description, created_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)`,
		e.ID, e.AccountID, e.TransferID, e.OperationType,
		nullableDecimalString(e.Amount), nullableDecimalString(e.PreviousBalance), nullableDecimalString(e.NewBalance),
		e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		tr     models.Transfer
		amount string
	)
	err := row.Scan(&tr.ID, &tr.SourceAccount, &tr.DestinationAccount, &amount, &tr.State, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	if tr.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &tr, nil
}

func nullableDecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullableDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal: %w", err)
	}
	return &d, nil
}
