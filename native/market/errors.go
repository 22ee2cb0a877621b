package market

import "errors"

// Authorization errors: the caller's identity does not match the role the
// key's current state requires. Never retried automatically.
var (
	ErrNotOwner   = errors.New("market: caller is not the asset custodian")
	ErrNotSeller  = errors.New("market: caller is not the listing seller")
	ErrNotBuyer   = errors.New("market: caller is not the escrow buyer")
	ErrNotArbiter = errors.New("market: caller does not hold arbiter privilege")
)

// State errors: a precondition on the key's current state was violated. Safe
// to retry once the precondition changes.
var (
	ErrInvalidState      = errors.New("market: operation not valid in current escrow status")
	ErrAlreadyListed     = errors.New("market: asset already has an active listing")
	ErrNotListed         = errors.New("market: no active listing for asset")
	ErrEscrowExists      = errors.New("market: non-terminal escrow already exists for asset")
	ErrEscrowInProgress  = errors.New("market: escrow in progress for asset")
	ErrTimeoutNotElapsed = errors.New("market: auto-release timeout has not elapsed")
)

// Value errors: caller-supplied data is invalid as-is.
var (
	ErrInvalidPrice      = errors.New("market: listing price must be positive")
	ErrWrongAmount       = errors.New("market: payment must equal the listing price exactly")
	ErrInsufficientFunds = errors.New("market: insufficient balance")
)

// Dependency errors. When the asset transfer gateway fails the engine
// guarantees no funds were released and the escrow status is unchanged, so
// the operation is safely retryable.
var ErrAssetTransferFailed = errors.New("market: asset transfer failed")
