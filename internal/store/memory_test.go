package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
)

// AcceptBid must refuse a bid that has already been decided, even if the
// opportunity row were somehow still open.
func TestMemoryAcceptBidDecidedWinner(t *testing.T) {
	m := NewMemoryStore()
	jobID := uuid.New()
	bidID := uuid.New()
	now := time.Now().UTC()

	m.opportunities[jobID] = models.Opportunity{
		JobID:     jobID,
		Status:    models.OpportunityOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.escrows[jobID] = models.Escrow{
		JobID:  jobID,
		State:  models.EscrowFunded,
		Amount: 1000,
	}
	m.bids[bidID] = models.Bid{
		ID:          bidID,
		JobID:       jobID,
		Worker:      "w1",
		Amount:      100,
		Status:      models.BidRejected,
		SubmittedAt: now,
	}

	_, err := m.AcceptBid(context.Background(), AcceptBidInput{JobID: jobID, BidID: bidID})
	if !errors.Is(err, models.ErrInvalidBidState) {
		t.Fatalf("accepting a decided bid should conflict, got %v", err)
	}
}

// A slash before any worker was assigned has no stake to seize; the
// opportunity state gate catches it before the stake lookup.
func TestMemorySlashOpenOpportunity(t *testing.T) {
	m := NewMemoryStore()
	jobID := uuid.New()

	m.escrows[jobID] = models.Escrow{
		JobID:  jobID,
		State:  models.EscrowPendingReview,
		Amount: 1000,
	}
	m.opportunities[jobID] = models.Opportunity{
		JobID:  jobID,
		Status: models.OpportunityOpen,
	}

	_, err := m.SlashStake(context.Background(), SlashStakeInput{JobID: jobID, Worker: "w1", ToJob: 1, Burned: 1})
	if !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("slash on an open opportunity should conflict, got %v", err)
	}
}
