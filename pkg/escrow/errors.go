package escrow

import (
	"errors"
	"fmt"
)

// Custody errors. The call fails and the escrow keeps its previous state.
var (
	ErrUnauthorized       = errors.New("caller is not permitted to perform this operation")
	ErrReentrancyDetected = errors.New("reentrant call rejected")
	ErrAlreadyReleased    = errors.New("funds already released")
	ErrInsufficientFunds  = errors.New("insufficient funds")
)

// Validation errors.
var (
	ErrNotFound            = errors.New("escrow not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidParty        = errors.New("buyer and seller must be distinct non-empty identities")
	ErrInvalidTimeLock     = errors.New("custom time lock must not be negative")
	ErrAlreadyFunded       = errors.New("escrow already funded")
	ErrNotFunded           = errors.New("escrow not funded")
	ErrInvalidState        = errors.New("operation not allowed in current escrow state")
	ErrInvalidPanicHash    = errors.New("panic code hash must be a hex sha256 digest")
	ErrInvalidPanicCode    = errors.New("invalid panic code")
	ErrDisputeExists       = errors.New("dispute already raised for escrow")
	ErrNoDispute           = errors.New("escrow has no dispute")
	ErrInvalidDistribution = errors.New("distribution must pay buyer and seller exactly the escrowed amount")
	ErrNotAdmin            = errors.New("caller is not the administrator")
	ErrModuleUnavailable   = errors.New("module unavailable")
)

// ErrNotYet marks refusals that may succeed when retried later.
var (
	ErrNotYet         = errors.New("not yet")
	ErrTimeLockActive = fmt.Errorf("%w: time lock still active", ErrNotYet)
)
