package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferState is the lifecycle state of a transfer. Confirmed and
// rejected are terminal.
type TransferState string

const (
	StatePending   TransferState = "pending"
	StateConfirmed TransferState = "confirmed"
	StateRejected  TransferState = "rejected"
)

// OperationType classifies an audit entry.
type OperationType string

const (
	OpDebit            OperationType = "debit"
	OpCredit           OperationType = "credit"
	OpTransferCreated  OperationType = "transfer_created"
	OpTransferRejected OperationType = "transfer_rejected"
)

// Account holds a balance in the ledger. Balances are only mutated by the
// transfer engine while holding the account's row lock.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transfer is the record of intent to move funds between two accounts.
type Transfer struct {
	ID                 string          `json:"id"`
	SourceAccount      string          `json:"source_account"`
	DestinationAccount string          `json:"destination_account"`
	Amount             decimal.Decimal `json:"amount"`
	State              TransferState   `json:"state"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// AuditEntry is one immutable row of the audit trail. Balance fields are
// present only on debit/credit entries; use the constructors in the audit
// package rather than building entries by hand.
type AuditEntry struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"account_id"`
	TransferID      *string          `json:"transfer_id,omitempty"`
	OperationType   OperationType    `json:"operation_type"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	PreviousBalance *decimal.Decimal `json:"previous_balance,omitempty"`
	NewBalance      *decimal.Decimal `json:"new_balance,omitempty"`
	Description     string           `json:"description"`
	CreatedAt       time.Time        `json:"created_at"`
}

// CreateAccountRequest is the payload for opening an account.
type CreateAccountRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// CreateTransferRequest is the payload from the client.
type CreateTransferRequest struct {
	SourceAccount      string          `json:"source_account"`
	DestinationAccount string          `json:"destination_account"`
	Amount             decimal.Decimal `json:"amount"`
}
