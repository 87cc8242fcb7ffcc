// Package store provides the transactional storage the transfer engine
// runs on: a postgres implementation for production and an in-memory
// implementation with the same locking semantics for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/models"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// Store opens atomic scopes for the transfer engine.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic scope. All writes become visible together on Commit or
// are discarded on Rollback.
//
// LockAccounts acquires exclusive row locks on every listed account in a
// single call, in lexicographic id order, and holds them until the scope
// ends. The result maps each EXISTING id to its locked balance; absent ids
// are simply omitted, the caller detects the shortfall. Locking accounts
// one-at-a-time across calls is not supported: that is how lock-order
// inversion deadlocks happen.
//
// AdjustBalance is only valid for accounts locked in this scope.
// GetTransfer locks the transfer row so concurrent approvals of the same
// transfer serialize.
type Tx interface {
	LockAccounts(ctx context.Context, ids ...string) (map[string]decimal.Decimal, error)
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) error
	InsertTransfer(ctx context.Context, t *models.Transfer) error
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	UpdateTransferState(ctx context.Context, id string, state models.TransferState, updatedAt time.Time) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
