package bidding

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/oracle"
	"github.com/slopmachine/escrowd/internal/reputation"
)

var price = oracle.PriceData{Price: 100.0}

func openOpportunity(budget int64) models.Opportunity {
	return models.Opportunity{
		JobID:        uuid.New(),
		BudgetNative: budget,
		Status:       models.OpportunityOpen,
	}
}

func TestValidateBid(t *testing.T) {
	opp := openOpportunity(1_000_000_000)

	if err := ValidateBid(opp, 50_000_000, "quick turnaround", price); err != nil {
		t.Fatalf("valid bid rejected: %v", err)
	}

	closed := opp
	closed.Status = models.OpportunityAssigned
	if err := ValidateBid(closed, 50_000_000, "", price); !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("assigned opportunity should reject bids, got %v", err)
	}

	if err := ValidateBid(opp, 0, "", price); !errors.Is(err, models.ErrInvalidBidAmount) {
		t.Fatalf("zero bid should be rejected, got %v", err)
	}
	if err := ValidateBid(opp, opp.BudgetNative+1, "", price); !errors.Is(err, models.ErrInvalidBidAmount) {
		t.Fatalf("bid above budget should be rejected, got %v", err)
	}
	// 0.02 credits is $2 at $100, below the $2.50 floor.
	if err := ValidateBid(opp, 20_000_000, "", price); !errors.Is(err, models.ErrInvalidBidAmount) {
		t.Fatalf("bid below USD floor should be rejected, got %v", err)
	}
	long := strings.Repeat("x", MaxMessageLen+1)
	if err := ValidateBid(opp, 50_000_000, long, price); !errors.Is(err, models.ErrInvalidBidAmount) {
		t.Fatalf("oversized message should be rejected, got %v", err)
	}
}

func TestRequiredStake(t *testing.T) {
	now := time.Now().UTC()

	// Tier 0: 5x multiplier wins over the $10 floor for a 0.05 credit bid.
	fresh := reputation.NewRegistry("w0", now)
	if got := RequiredStake(50_000_000, fresh, price); got != 250_000_000 {
		t.Fatalf("tier 0 stake = %d, want 250000000", got)
	}

	// Tier 0 with a tiny bid: 5x of 0.01 credits is below the $10 absolute
	// floor, so the floor dominates.
	if got := RequiredStake(10_000_000, fresh, price); got != 100_000_000 {
		t.Fatalf("tier 0 floor stake = %d, want 100000000", got)
	}

	// Tier 20: 1.0x multiplier, $16 floor. A 0.5 credit bid stakes itself.
	veteran := models.NodeRegistry{WorkerID: "w20", Completed: 400, Attempted: 400}
	reputation.Recompute(&veteran)
	if veteran.Tier != 20 {
		t.Fatalf("400/400 should be tier 20, got %d", veteran.Tier)
	}
	if got := RequiredStake(500_000_000, veteran, price); got != 500_000_000 {
		t.Fatalf("tier 20 stake = %d, want 500000000", got)
	}
	// A tiny bid still hits the $16 floor.
	if got := RequiredStake(30_000_000, veteran, price); got != 160_000_000 {
		t.Fatalf("tier 20 floor stake = %d, want 160000000", got)
	}
}

func TestLowestBidSelection(t *testing.T) {
	base := time.Now().UTC()
	jobID := uuid.New()
	bid := func(worker string, amount int64, at time.Time, status models.BidStatus) models.Bid {
		return models.Bid{
			ID:          uuid.New(),
			JobID:       jobID,
			Worker:      worker,
			Amount:      amount,
			Status:      status,
			SubmittedAt: at,
		}
	}

	bids := []models.Bid{
		bid("w1", 300, base, models.BidPending),
		bid("w2", 100, base.Add(2*time.Second), models.BidPending),
		bid("w3", 100, base.Add(1*time.Second), models.BidPending),
		bid("w4", 50, base, models.BidRejected),
	}

	winner, ok := LowestBid{}.Select(bids)
	if !ok {
		t.Fatalf("expected a winner")
	}
	// w3 and w2 tie on amount; w3 submitted first. w4 is cheaper but not
	// pending.
	if winner.Worker != "w3" {
		t.Fatalf("winner = %s, want w3", winner.Worker)
	}

	if _, ok := (LowestBid{}).Select([]models.Bid{bid("w5", 10, base, models.BidRejected)}); ok {
		t.Fatalf("no pending bids should yield no winner")
	}
}
