package split

import (
	"testing"

	"github.com/slopmachine/escrowd/internal/models"
)

func escrow(amount, minFee int64) models.Escrow {
	return models.Escrow{
		Amount:             amount,
		DeveloperSplitBps:  8500,
		ArbiterSplitBps:    500,
		PlatformSplitBps:   1000,
		MinimumPlatformFee: minFee,
	}
}

func TestCalculatePayments(t *testing.T) {
	p := CalculatePayments(escrow(1_000_000_000, 0))
	if p.Platform != 100_000_000 {
		t.Fatalf("platform = %d, want 100000000", p.Platform)
	}
	if p.Arbiter != 50_000_000 {
		t.Fatalf("arbiter = %d, want 50000000", p.Arbiter)
	}
	if p.Developer != 850_000_000 {
		t.Fatalf("developer = %d, want 850000000", p.Developer)
	}
	if p.Total() != 1_000_000_000 {
		t.Fatalf("total = %d, want exact escrow amount", p.Total())
	}
}

func TestCalculatePaymentsMinimumFee(t *testing.T) {
	// The bps share is 10% = 100; the fee floor overrides it and the
	// developer absorbs the difference.
	p := CalculatePayments(escrow(1000, 300))
	if p.Platform != 300 {
		t.Fatalf("platform = %d, want fee floor 300", p.Platform)
	}
	if p.Arbiter != 50 {
		t.Fatalf("arbiter = %d, want 50", p.Arbiter)
	}
	if p.Developer != 650 {
		t.Fatalf("developer = %d, want 650", p.Developer)
	}
	if p.Total() != 1000 {
		t.Fatalf("total = %d, want 1000", p.Total())
	}
}

func TestCalculatePaymentsExactSumOddAmounts(t *testing.T) {
	for _, amount := range []int64{1, 3, 7, 999, 10_001, 123_456_789} {
		p := CalculatePayments(escrow(amount, 0))
		if p.Total() != amount {
			t.Fatalf("amount %d: parts sum to %d", amount, p.Total())
		}
		if p.Developer < 0 {
			t.Fatalf("amount %d: negative developer share %d", amount, p.Developer)
		}
	}
}

func TestShouldSlash(t *testing.T) {
	if ShouldSlash(2) {
		t.Fatalf("2 failures must not be seizable")
	}
	if !ShouldSlash(3) {
		t.Fatalf("3 failures must be seizable")
	}
	if !ShouldSlash(7) {
		t.Fatalf("counts past the threshold stay seizable")
	}
}

func TestSlashDistribution(t *testing.T) {
	cases := []struct {
		stake, toJob, burned int64
	}{
		{100, 50, 50},
		{7, 3, 4},
		{1, 0, 1},
		{1_000_000_001, 500_000_000, 500_000_001},
	}
	for _, c := range cases {
		toJob, burned := SlashDistribution(c.stake)
		if toJob != c.toJob || burned != c.burned {
			t.Errorf("SlashDistribution(%d) = (%d, %d), want (%d, %d)",
				c.stake, toJob, burned, c.toJob, c.burned)
		}
		if toJob+burned != c.stake {
			t.Errorf("SlashDistribution(%d) lost dust", c.stake)
		}
	}
}
