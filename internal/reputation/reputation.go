// Package reputation derives a worker's tier and economic parameters from
// lifetime (completed, attempted) counters. All formulas are pure functions of
// the counters so they can be unit-tested exhaustively without the ledger.
package reputation

import (
	"math"
	"time"

	"github.com/slopmachine/escrowd/internal/models"
)

// Tier computes the reputation tier from lifetime counters.
//
// tier = floor(sqrt(completed) * completed/attempted), 0 when nothing attempted.
// 25/25 -> 5, 100/143 -> 6, 400/400 -> 20.
func Tier(completed, attempted int64) int {
	if attempted <= 0 {
		return 0
	}
	successRate := float64(completed) / float64(attempted)
	return int(math.Floor(math.Sqrt(float64(completed)) * successRate))
}

// StakeMultiplier returns the tier-based stake multiplier.
//
// max(1.0, 5.0 * exp(-0.15 * tier)): 5.0x at tier 0, ~2.36x at tier 5,
// ~1.12x at tier 10, floored at 1.0x from tier 20 up.
func StakeMultiplier(tier int) float64 {
	return math.Max(1.0, 5.0*math.Exp(-0.15*float64(tier)))
}

// MinAbsoluteStakeCents returns the minimum absolute stake in USD cents.
//
// floor(10 + 5*log10(tier+1)) whole dollars: $10 at tier 0, $13 at tier 5,
// $15 at tier 10, $16 at tier 20 — approaching a ceiling, never below $10.
func MinAbsoluteStakeCents(tier int) int64 {
	dollars := math.Floor(10.0 + 5.0*math.Log10(float64(tier)+1.0))
	return int64(dollars) * 100
}

// MaxJobSizeCents returns the largest job a worker of this tier is sized for,
// in USD cents. floor(5 * 1.4^tier) whole dollars: $5 at tier 0, $144 at
// tier 10, $4183 at tier 20.
func MaxJobSizeCents(tier int) int64 {
	dollars := math.Floor(5.0 * math.Pow(1.4, float64(tier)))
	return int64(dollars) * 100
}

// ApplyOutcome records a terminal job outcome on a registry and recomputes
// every derived field from the updated counters. Success increments both
// counters; a recorded failure or a slash increments attempted only, so the
// tier can only fall or stay from a failure.
func ApplyOutcome(reg *models.NodeRegistry, success bool, now time.Time) {
	if success {
		reg.Completed++
	}
	reg.Attempted++
	Recompute(reg)
	reg.UpdatedAt = now
}

// Recompute refreshes the derived fields from the counters. The tier is never
// stored independently of the counters that produce it.
func Recompute(reg *models.NodeRegistry) {
	tier := Tier(reg.Completed, reg.Attempted)
	reg.Tier = tier
	reg.StakeMultiplier = StakeMultiplier(tier)
	reg.MinAbsoluteStakeUsd = MinAbsoluteStakeCents(tier)
	reg.MaxJobSizeUsd = MaxJobSizeCents(tier)
	if reg.Attempted > 0 {
		reg.ReputationScoreBps = int64(float64(reg.Completed) / float64(reg.Attempted) * 10000.0)
	} else {
		reg.ReputationScoreBps = 0
	}
}

// NewRegistry returns a fresh tier-0 registry for a worker, created lazily on
// first bid.
func NewRegistry(workerID string, now time.Time) models.NodeRegistry {
	reg := models.NodeRegistry{
		WorkerID:  workerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	Recompute(&reg)
	return reg
}
