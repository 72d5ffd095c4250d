// Package models contains the canonical records held by the escrow ledger.
//
// Every entity is an independently addressable record keyed by its own id (or
// by the owning ids for Bid/Stake), never embedded in another entity. Amounts
// are int64 native base units (1_000_000_000 base units = 1 credit); USD
// amounts are int64 cents.
package models

import (
	"time"

	"github.com/google/uuid"
)

// NativePerCredit is the number of base units in one credit.
const NativePerCredit int64 = 1_000_000_000

// BurnAccountID is the unrecoverable sink that slashed-and-burned stake is
// transferred to. Nothing ever debits this account.
const BurnAccountID = "burn:11111111111111111111111111111112"

// EscrowState tracks the fund-holding record for a single job.
type EscrowState string

const (
	EscrowFunded        EscrowState = "funded"
	EscrowPendingReview EscrowState = "pending_review"
	EscrowCompleted     EscrowState = "completed"
	EscrowRefunded      EscrowState = "refunded"
)

// OpportunityStatus is the job state machine:
// Open -> Assigned -> InProgress -> {Completed | Failed}, plus the direct
// Assigned -> Failed edge taken when a stake is slashed before work starts.
type OpportunityStatus string

const (
	OpportunityOpen       OpportunityStatus = "open"
	OpportunityAssigned   OpportunityStatus = "assigned"
	OpportunityInProgress OpportunityStatus = "in_progress"
	OpportunityCompleted  OpportunityStatus = "completed"
	OpportunityFailed     OpportunityStatus = "failed"
)

// CanTransition reports whether a single opportunity transition is allowed.
// Completion requires passing through InProgress; failure does not, because a
// worker can accumulate three validation failures and be slashed before ever
// starting work. Terminal states have no exits.
func CanTransition(from, to OpportunityStatus) bool {
	switch from {
	case OpportunityOpen:
		return to == OpportunityAssigned
	case OpportunityAssigned:
		return to == OpportunityInProgress || to == OpportunityFailed
	case OpportunityInProgress:
		return to == OpportunityCompleted || to == OpportunityFailed
	default:
		return false
	}
}

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

type StakeStatus string

const (
	StakeLocked   StakeStatus = "locked"
	StakeReleased StakeStatus = "released"
	StakeSlashed  StakeStatus = "slashed"
)

// Job identifies a unit of work. Created once by a client deposit; immutable
// after the paired escrow reaches a terminal state.
type Job struct {
	ID                  uuid.UUID `json:"id"`
	Creator             string    `json:"creator"`
	Arbiter             string    `json:"arbiter"`
	PlatformBeneficiary string    `json:"platformBeneficiary"`
	Budget              int64     `json:"budget"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Escrow is 1:1 with a Job and holds the deposited funds.
// Invariant: DeveloperSplitBps + ArbiterSplitBps + PlatformSplitBps == 10000.
type Escrow struct {
	JobID              uuid.UUID   `json:"jobId"`
	Client             string      `json:"client"`
	Developer          string      `json:"developer"`
	Arbiter            string      `json:"arbiter"`
	PlatformWallet     string      `json:"platformWallet"`
	Amount             int64       `json:"amount"`
	DeveloperSplitBps  int64       `json:"developerSplitBps"`
	ArbiterSplitBps    int64       `json:"arbiterSplitBps"`
	PlatformSplitBps   int64       `json:"platformSplitBps"`
	MinimumPlatformFee int64       `json:"minimumPlatformFee"`
	Balance            int64       `json:"balance"`
	State              EscrowState `json:"state"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Opportunity is the advertised task workers bid on. 1:1 with Job.
type Opportunity struct {
	JobID          uuid.UUID         `json:"jobId"`
	BudgetNative   int64             `json:"budgetNative"`
	BudgetUsdCents int64             `json:"budgetUsdCents"`
	Status         OpportunityStatus `json:"status"`
	AssignedWorker string            `json:"assignedWorker,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// NodeRegistry is the per-worker reputation record, the only long-lived
// mutable entity. Counters only ever grow; every derived field is recomputed
// from the counters after each terminal outcome.
type NodeRegistry struct {
	WorkerID            string    `json:"workerId"`
	Completed           int64     `json:"completed"`
	Attempted           int64     `json:"attempted"`
	Tier                int       `json:"tier"`
	StakeMultiplier     float64   `json:"stakeMultiplier"`
	MinAbsoluteStakeUsd int64     `json:"minAbsoluteStakeUsdCents"`
	MaxJobSizeUsd       int64     `json:"maxJobSizeUsdCents"`
	ReputationScoreBps  int64     `json:"reputationScoreBps"`
	TotalEarningsNative int64     `json:"totalEarningsNative"`
	FailedJobs          int64     `json:"failedJobs"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Bid is one worker's offer on one opportunity. Immutable once accepted or
// rejected. Identity is (opportunity, worker, submission time).
type Bid struct {
	ID            uuid.UUID `json:"id"`
	JobID         uuid.UUID `json:"jobId"`
	Worker        string    `json:"worker"`
	Amount        int64     `json:"amount"`
	UsdEquivalent int64     `json:"usdEquivalentCents"`
	PriceAtBid    int64     `json:"priceAtBidCents"`
	Message       string    `json:"message,omitempty"`
	Status        BidStatus `json:"status"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

/// Stake is the collateral locked alongside a bid; 1:1 with an accepted Bid.
// Transitions to Released or Slashed exactly once.
type Stake struct {
	JobID             uuid.UUID   `json:"jobId"`
	Worker            string      `json:"worker"`
	Amount            int64       `json:"amount"`
	BidAmount         int64       `json:"bidAmount"`
	MultiplierApplied float64     `json:"multiplierApplied"`
	Status            StakeStatus `json:"status"`
	FailureCount      int         `json:"failureCount"`
	LockedAt          time.Time   `json:"lockedAt"`
	ReleasedAt        *time.Time  `json:"releasedAt,omitempty"`
}

// SlashEvent is the audit record created at seizure time.
type SlashEvent struct {
	ID            uuid.UUID `json:"id"`
	JobID         uuid.UUID `json:"jobId"`
	Worker        string    `json:"worker"`
	SlashedAmount int64     `json:"slashedAmount"`
	AmountToJob   int64     `json:"amountToJob"`
	AmountBurned  int64     `json:"amountBurned"`
	Reason        string    `json:"reason"`
	SlashedAt     time.Time `json:"slashedAt"`
}

// Account is a liquid native-unit balance at the funding boundary.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}
