package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted to notification sinks after a transaction commits.
const (
	EventEscrowCreated   = "escrow.created"
	EventBidSubmitted    = "bid.submitted"
	EventBidAccepted     = "bid.accepted"
	EventWorkStarted     = "work.started"
	EventPaymentReleased = "payment.released"
	EventFailureRecorded = "failure.recorded"
	EventStakeSlashed    = "stake.slashed"
)

// Event is the envelope delivered to sinks. Delivery is fire-and-forget: a
// failed sink never rolls back or blocks the transaction that produced it.
type Event struct {
	ID    uuid.UUID   `json:"id"`
	Type  string      `json:"type"`
	JobID uuid.UUID   `json:"jobId"`
	Ts    time.Time   `json:"ts"`
	Data  interface{} `json:"data"`
}

type EscrowCreated struct {
	Client             string `json:"client"`
	Amount             int64  `json:"amount"`
	MinimumPlatformFee int64  `json:"minimumPlatformFee"`
}

type BidSubmitted struct {
	BidID       uuid.UUID `json:"bidId"`
	Worker      string    `json:"worker"`
	BidAmount   int64     `json:"bidAmount"`
	StakeAmount int64     `json:"stakeAmount"`
	WorkerTier  int       `json:"workerTier"`
}

type BidAcceptedEvent struct {
	BidID        uuid.UUID `json:"bidId"`
	Worker       string    `json:"worker"`
	BidAmount    int64     `json:"bidAmount"`
	RejectedBids int       `json:"rejectedBids"`
}

type PaymentReleased struct {
	Worker          string `json:"worker"`
	DeveloperAmount int64  `json:"developerAmount"`
	ArbiterAmount   int64  `json:"arbiterAmount"`
	PlatformAmount  int64  `json:"platformAmount"`
	StakeReturned   int64  `json:"stakeReturned"`
	NewTier         int    `json:"newTier"`
}

type FailureRecorded struct {
	Worker       string `json:"worker"`
	FailureCount int    `json:"failureCount"`
}

type StakeSlashedEvent struct {
	Worker           string `json:"worker"`
	SlashedAmount    int64  `json:"slashedAmount"`
	AmountToJob      int64  `json:"amountToJob"`
	AmountBurned     int64  `json:"amountBurned"`
	RefundedToClient int64  `json:"refundedToClient"`
	NewTier          int    `json:"newTier"`
}
