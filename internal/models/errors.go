package models

import "errors"

// Enumerated domain errors. Every failure path in the engine surfaces one of
// these; all are detected before any state mutation, so a failed operation
// leaves no partial trace.
var (
	// ErrInvalidAmount rejects non-positive or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount: must be > 0 and within safe range")

	// ErrInvalidOpportunityState rejects an operation whose opportunity is not
	// in the required state (e.g. bidding on a non-open opportunity).
	ErrInvalidOpportunityState = errors.New("opportunity is not in the required state for this operation")

	// ErrInvalidBidAmount rejects bids below the USD minimum, above the
	// opportunity budget, or with an oversized message.
	ErrInvalidBidAmount = errors.New("bid amount is invalid: must be >= $2.50 and <= opportunity budget")

	// ErrInvalidBidState rejects a bid-level state conflict: the worker
	// already holds a pending bid on the opportunity, or the bid was already
	// accepted or rejected.
	ErrInvalidBidState = errors.New("bid is not in the required state for this operation")

	// ErrInsufficientStake rejects a bid whose worker cannot cover the
	// required stake from their liquid balance.
	ErrInsufficientStake = errors.New("insufficient stake: worker balance cannot cover required stake")

	// ErrEscrowInvalidState rejects escrow operations from the wrong source
	// state (including duplicate invocation of an already-applied transition).
	ErrEscrowInvalidState = errors.New("escrow is not in the expected state for this operation")

	// ErrInsufficientEscrowBalance guards against accounting drift: the
	// escrow's tracked balance is below the sum of the computed transfers.
	ErrInsufficientEscrowBalance = errors.New("escrow has insufficient balance for distribution")

	// ErrStakeNotLocked rejects release/failure/slash against a stake that is
	// no longer locked.
	ErrStakeNotLocked = errors.New("stake must be locked for this operation")

	// ErrSlashConditionsNotMet rejects a slash before three recorded failures.
	ErrSlashConditionsNotMet = errors.New("slash conditions not met: requires 3+ validation failures")

	// ErrInsufficientFunds rejects a debit that exceeds an account's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
