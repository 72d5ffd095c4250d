// Package bidding validates bids against job constraints and worker tier, and
// selects winning bids through a pluggable acceptance policy.
package bidding

import (
	"sort"

	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/oracle"
)

// MinBidUsdCents is the floor on any bid's USD value.
const MinBidUsdCents = 250

// MaxMessageLen bounds the free-text message attached to a bid.
const MaxMessageLen = 280

// ValidateBid checks a bid against the opportunity and the price read at the
// start of the enclosing operation. It performs no mutation.
func ValidateBid(opp models.Opportunity, bidAmount int64, message string, price oracle.PriceData) error {
	if opp.Status != models.OpportunityOpen {
		return models.ErrInvalidOpportunityState
	}
	if len(message) > MaxMessageLen {
		return models.ErrInvalidBidAmount
	}
	if bidAmount <= 0 || bidAmount > opp.BudgetNative {
		return models.ErrInvalidBidAmount
	}
	if oracle.NativeToUsdCents(bidAmount, price) < MinBidUsdCents {
		return models.ErrInvalidBidAmount
	}
	return nil
}

// RequiredStake computes the collateral a worker must lock for a bid: the
// tier multiple of the bid, but never below the tier's minimum absolute stake
// converted at the same price read.
func RequiredStake(bidAmount int64, reg models.NodeRegistry, price oracle.PriceData) int64 {
	byMultiplier := int64(float64(bidAmount) * reg.StakeMultiplier)
	byFloor := oracle.UsdCentsToNative(reg.MinAbsoluteStakeUsd, price)
	if byFloor > byMultiplier {
		return byFloor
	}
	return byMultiplier
}

// SelectionPolicy picks the winning bid from the pending set. Policies are
// injected so acceptance criteria can vary without touching transition code.
type SelectionPolicy interface {
	Select(bids []models.Bid) (models.Bid, bool)
}

// LowestBid selects the cheapest pending bid, ties broken by earliest
// submission. This is the default auto-selection rule.
type LowestBid struct{}

func (LowestBid) Select(bids []models.Bid) (models.Bid, bool) {
	pending := make([]models.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == models.BidPending {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		return models.Bid{}, false
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Amount != pending[j].Amount {
			return pending[i].Amount < pending[j].Amount
		}
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	return pending[0], true
}
