package ledger

import "errors"

// Business-rule violations. Each one aborts the atomic scope it occurred in
// and is surfaced verbatim; none of them is retryable, they describe the
// request, not the infrastructure.
var (
	ErrInvalidTransfer   = errors.New("source and destination must differ")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrInvalidState      = errors.New("transfer is not pending")
)

// IsBusinessError reports whether err belongs to the engine's error
// taxonomy. Anything else that comes out of an operation is an
// infrastructure failure: the scope was still aborted, no partial effects
// exist, and the caller may retry the whole operation.
func IsBusinessError(err error) bool {
	for _, e := range []error{
		ErrInvalidTransfer,
		ErrInvalidAmount,
		ErrAccountNotFound,
		ErrInsufficientFunds,
		ErrTransferNotFound,
		ErrInvalidState,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
