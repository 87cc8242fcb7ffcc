// Package ledger implements the transfer engine: creation, approval and
// rejection of transfers as single atomic scopes over the account store,
// with deterministic lock ordering and a paired audit entry for every
// balance mutation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/audit"
	"github.com/opspay/ledgerd/internal/models"
	"github.com/opspay/ledgerd/internal/store"
)

// DefaultConfirmationThreshold is the amount boundary at or below which a
// transfer settles immediately without manual approval.
var DefaultConfirmationThreshold = decimal.NewFromInt(50000)

// Config carries the engine's policy knobs. Zero values fall back to
// defaults in NewEngine.
type Config struct {
	// ConfirmationThreshold auto-confirms transfers with amount <= threshold.
	ConfirmationThreshold decimal.Decimal
	// MaxAmount rejects amounts above this sanity ceiling. Zero disables it.
	MaxAmount decimal.Decimal
	// Now supplies createdAt/updatedAt stamps. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to a disabled logger when nil.
	Logger *zerolog.Logger
}

// Engine is the only component permitted to mutate account balances or
// transfer state.
type Engine struct {
	store     store.Store
	threshold decimal.Decimal
	maxAmount decimal.Decimal
	now       func() time.Time
	log       zerolog.Logger
}

func NewEngine(st store.Store, cfg Config) *Engine {
	threshold := cfg.ConfirmationThreshold
	if threshold.IsZero() {
		threshold = DefaultConfirmationThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Engine{
		store:     st,
		threshold: threshold,
		maxAmount: cfg.MaxAmount,
		now:       now,
		log:       log,
	}
}

// CreateTransfer validates the request, locks both accounts in id order,
// inserts the transfer and, when the amount is at or under the confirmation
// threshold, moves the funds immediately. Everything happens in one atomic
// scope; on any failure no record is created and no balance moves.
func (e *Engine) CreateTransfer(ctx context.Context, source, destination string, amount decimal.Decimal) (*models.Transfer, error) {
	if source == destination {
		return nil, ErrInvalidTransfer
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if e.maxAmount.IsPositive() && amount.GreaterThan(e.maxAmount) {
		return nil, ErrInvalidAmount
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scope: %w", err)
	}
	defer tx.Rollback(ctx)

	balances, err := tx.LockAccounts(ctx, source, destination)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	sourceBalance, ok := balances[source]
	if !ok {
		return nil, ErrAccountNotFound
	}
	destBalance, ok := balances[destination]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if sourceBalance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	state := models.StatePending
	if amount.LessThanOrEqual(e.threshold) {
		state = models.StateConfirmed
	}

	now := e.now()
	transfer := &models.Transfer{
		ID:                 uuid.NewString(),
		SourceAccount:      source,
		DestinationAccount: destination,
		Amount:             amount,
		State:              state,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := tx.InsertTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	if err := tx.AppendAudit(ctx, audit.TransferCreated(transfer, now)); err != nil {
		return nil, fmt.Errorf("audit transfer creation: %w", err)
	}

	if state == models.StateConfirmed {
		if err := e.applyMovement(ctx, tx, transfer, sourceBalance, destBalance, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scope: %w", err)
	}

	e.log.Info().
		Str("transfer_id", transfer.ID).
		Str("source", source).
		Str("destination", destination).
		Str("amount", amount.String()).
		Str("state", string(state)).
		Msg("transfer created")
	return transfer, nil
}

// ApproveTransfer settles a pending transfer. Funds are revalidated at lock
// time: the source balance may have moved since creation. The confirmation
// threshold is deliberately not re-checked here, an approver has already
// decided.
func (e *Engine) ApproveTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scope: %w", err)
	}
	defer tx.Rollback(ctx)

	transfer, err := tx.GetTransfer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	if transfer.State != models.StatePending {
		return nil, ErrInvalidState
	}

	balances, err := tx.LockAccounts(ctx, transfer.SourceAccount, transfer.DestinationAccount)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	sourceBalance, ok := balances[transfer.SourceAccount]
	if !ok {
		return nil, ErrAccountNotFound
	}
	destBalance, ok := balances[transfer.DestinationAccount]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if sourceBalance.LessThan(transfer.Amount) {
		return nil, ErrInsufficientFunds
	}

	now := e.now()
	transfer.State = models.StateConfirmed
	transfer.UpdatedAt = now

	if err := e.applyMovement(ctx, tx, transfer, sourceBalance, destBalance, now); err != nil {
		return nil, err
	}
	if err := tx.UpdateTransferState(ctx, transfer.ID, models.StateConfirmed, now); err != nil {
		return nil, fmt.Errorf("update transfer state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scope: %w", err)
	}

	e.log.Info().
		Str("transfer_id", transfer.ID).
		Str("amount", transfer.Amount.String()).
		Msg("transfer approved")
	return transfer, nil
}

// RejectTransfer marks a pending transfer rejected. No account lock is
// taken: no balance is touched, only the transfer row and one audit entry.
func (e *Engine) RejectTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scope: %w", err)
	}
	defer tx.Rollback(ctx)

	transfer, err := tx.GetTransfer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	if transfer.State != models.StatePending {
		return nil, ErrInvalidState
	}

	now := e.now()
	transfer.State = models.StateRejected
	transfer.UpdatedAt = now

	if err := tx.UpdateTransferState(ctx, transfer.ID, models.StateRejected, now); err != nil {
		return nil, fmt.Errorf("update transfer state: %w", err)
	}
	if err := tx.AppendAudit(ctx, audit.TransferRejected(transfer, now)); err != nil {
		return nil, fmt.Errorf("audit transfer rejection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scope: %w", err)
	}

	e.log.Info().
		Str("transfer_id", transfer.ID).
		Msg("transfer rejected")
	return transfer, nil
}

// applyMovement executes the two-sided balance mutation with its paired
// debit/credit audit entries. Caller must hold locks on both accounts.
func (e *Engine) applyMovement(ctx context.Context, tx store.Tx, t *models.Transfer, sourceBalance, destBalance decimal.Decimal, now time.Time) error {
	if err := tx.AdjustBalance(ctx, t.SourceAccount, t.Amount.Neg()); err != nil {
		return fmt.Errorf("debit source: %w", err)
	}
	if err := tx.AdjustBalance(ctx, t.DestinationAccount, t.Amount); err != nil {
		return fmt.Errorf("credit destination: %w", err)
	}
	if err := tx.AppendAudit(ctx, audit.Debit(t, sourceBalance, now)); err != nil {
		return fmt.Errorf("audit debit: %w", err)
	}
	if err := tx.AppendAudit(ctx, audit.Credit(t, destBalance, now)); err != nil {
		return fmt.Errorf("audit credit: %w", err)
	}
	return nil
}
