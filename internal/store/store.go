// Package store persists the escrow ledger. Every mutating method is atomic:
// all of its state mutations and fund transfers commit, or none do. Guard
// states are re-checked inside the transaction, so a concurrent loser gets
// the matching domain error and must retry against refreshed state.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/split"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// Funding boundary.
	Deposit(ctx context.Context, accountID string, amount int64) (models.Account, error)
	GetAccount(ctx context.Context, accountID string) (models.Account, error)

	// Reads.
	GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error)
	GetEscrow(ctx context.Context, jobID uuid.UUID) (models.Escrow, error)
	GetOpportunity(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error)
	GetStake(ctx context.Context, jobID uuid.UUID, worker string) (models.Stake, error)
	GetNodeRegistry(ctx context.Context, workerID string) (models.NodeRegistry, error)
	ListBids(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error)

	// Atomic operations.
	CreateJobEscrow(ctx context.Context, in CreateJobEscrowInput) (models.Escrow, error)
	SubmitBid(ctx context.Context, in SubmitBidInput) (models.Bid, models.Stake, error)
	AcceptBid(ctx context.Context, in AcceptBidInput) (models.Opportunity, error)
	StartWork(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error)
	ReleasePayment(ctx context.Context, in ReleasePaymentInput) (ReleaseResult, error)
	RecordFailure(ctx context.Context, in RecordFailureInput) (models.Stake, models.NodeRegistry, error)
	SlashStake(ctx context.Context, in SlashStakeInput) (SlashResult, error)

	Ping(ctx context.Context) error
}

// CreateJobEscrowInput funds a job: the client is debited Amount and the
// Job/Escrow/Opportunity records are created together.
type CreateJobEscrowInput struct {
	JobID              uuid.UUID
	Client             string
	Arbiter            string
	PlatformWallet     string
	Amount             int64
	BudgetUsdCents     int64
	MinimumPlatformFee int64
}

// SubmitBidInput locks a bid and its paired stake. Registry carries the
// worker's registry as read (or lazily built) by the caller; it is inserted
// in the same transaction when the worker has none yet.
type SubmitBidInput struct {
	JobID         uuid.UUID
	Worker        string
	BidAmount     int64
	UsdEquivalent int64
	PriceAtBid    int64
	Message       string
	StakeAmount   int64
	Multiplier    float64
	Registry      models.NodeRegistry
}

type AcceptBidInput struct {
	JobID uuid.UUID
	BidID uuid.UUID
}

// ReleasePaymentInput disburses a completed job. Payments is computed by the
// caller from the escrow's split at the start of the operation; the store
// verifies it against the escrow's tracked balance before moving funds.
type ReleasePaymentInput struct {
	JobID    uuid.UUID
	Payments split.Payments
}

type RecordFailureInput struct {
	JobID  uuid.UUID
	Worker string
}

// SlashStakeInput seizes a locked stake. ToJob and Burned are computed by the
// caller and must sum to the stake amount.
type SlashStakeInput struct {
	JobID  uuid.UUID
	Worker string
	ToJob  int64
	Burned int64
	Reason string
}

// ReleaseResult reports the applied disbursement.
type ReleaseResult struct {
	Escrow        models.Escrow
	Stake         models.Stake
	Registry      models.NodeRegistry
	Payments      split.Payments
	StakeReturned int64
}

// SlashResult reports the applied seizure.
type SlashResult struct {
	Event            models.SlashEvent
	Escrow           models.Escrow
	Stake            models.Stake
	Registry         models.NodeRegistry
	RefundedToClient int64
}
