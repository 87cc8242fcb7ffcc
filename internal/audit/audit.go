// Package audit builds the immutable entries that explain every
// balance-affecting event. Each operation type has its own constructor so
// entries can only carry the fields meaningful to that operation:
// transfer_created and transfer_rejected never carry balances, debit and
// credit always carry the previous and new balance of the affected account.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/models"
)

// TransferCreated records that a transfer was inserted, regardless of
// whether it auto-confirmed. No balances: creation alone moves no funds.
func TransferCreated(t *models.Transfer, at time.Time) *models.AuditEntry {
	transferID := t.ID
	amount := t.Amount
	return &models.AuditEntry{
		ID:            uuid.NewString(),
		AccountID:     t.SourceAccount,
		TransferID:    &transferID,
		OperationType: models.OpTransferCreated,
		Amount:        &amount,
		Description:   fmt.Sprintf("transfer created - %s - to account %s", t.State, t.DestinationAccount),
		CreatedAt:     at,
	}
}

// TransferRejected records a rejection. No balances were touched.
func TransferRejected(t *models.Transfer, at time.Time) *models.AuditEntry {
	transferID := t.ID
	amount := t.Amount
	return &models.AuditEntry{
		ID:            uuid.NewString(),
		AccountID:     t.SourceAccount,
		TransferID:    &transferID,
		OperationType: models.OpTransferRejected,
		Amount:        &amount,
		Description:   fmt.Sprintf("transfer rejected - transfer %s", t.ID),
		CreatedAt:     at,
	}
}

// Debit records the source side of a settled transfer.
func Debit(t *models.Transfer, previous decimal.Decimal, at time.Time) *models.AuditEntry {
	return movement(t, t.SourceAccount, models.OpDebit, previous, previous.Sub(t.Amount), at)
}

// Credit records the destination side of a settled transfer.
func Credit(t *models.Transfer, previous decimal.Decimal, at time.Time) *models.AuditEntry {
	return movement(t, t.DestinationAccount, models.OpCredit, previous, previous.Add(t.Amount), at)
}

func movement(t *models.Transfer, accountID string, op models.OperationType, previous, next decimal.Decimal, at time.Time) *models.AuditEntry {
	transferID := t.ID
	amount := t.Amount
	return &models.AuditEntry{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		TransferID:      &transferID,
		OperationType:   op,
		Amount:          &amount,
		PreviousBalance: &previous,
		NewBalance:      &next,
		Description:     fmt.Sprintf("transfer %s - %s for transfer %s", t.State, op, t.ID),
		CreatedAt:       at,
	}
}
