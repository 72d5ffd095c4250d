// Package split holds the exact-sum payment arithmetic: the three-way escrow
// split on release and the 50/50 slash distribution. Both are pure integer
// functions; remainders are assigned deterministically so the parts always
// sum to the input exactly, with no dust lost or created.
package split

import "github.com/slopmachine/escrowd/internal/models"

// Payments is the three-way disbursement of an escrow.
// Developer + Arbiter + Platform == escrow amount, always.
type Payments struct {
	Developer int64
	Arbiter   int64
	Platform  int64
}

// CalculatePayments splits an escrow amount. The platform takes its bps share
// or the fixed minimum fee, whichever is higher; the arbiter takes its bps
// share; the developer takes the remainder, absorbing all rounding.
func CalculatePayments(e models.Escrow) Payments {
	platformBps := e.Amount * e.PlatformSplitBps / 10000
	platform := platformBps
	if e.MinimumPlatformFee > platform {
		platform = e.MinimumPlatformFee
	}
	arbiter := e.Amount * e.ArbiterSplitBps / 10000
	developer := e.Amount - platform - arbiter
	return Payments{Developer: developer, Arbiter: arbiter, Platform: platform}
}

// Total returns the sum of the three parts.
func (p Payments) Total() int64 {
	return p.Developer + p.Arbiter + p.Platform
}

// SlashThreshold is the number of recorded validation failures at which a
// locked stake becomes seizable.
const SlashThreshold = 3

// ShouldSlash reports whether a stake with this failure count is seizable.
func ShouldSlash(failureCount int) bool {
	return failureCount >= SlashThreshold
}

// SlashDistribution splits a seized stake in half: the floor half is returned
// to the job's refund path, the remainder is burned, so the two parts sum to
// the original stake even for odd amounts.
func SlashDistribution(stakeAmount int64) (toJob, burned int64) {
	toJob = stakeAmount / 2
	burned = stakeAmount - toJob
	return toJob, burned
}
