package models

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to OpportunityStatus }{
		{OpportunityOpen, OpportunityAssigned},
		{OpportunityAssigned, OpportunityInProgress},
		{OpportunityInProgress, OpportunityCompleted},
		{OpportunityInProgress, OpportunityFailed},
		// A stake slashed before work starts fails the job directly.
		{OpportunityAssigned, OpportunityFailed},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to OpportunityStatus }{
		{OpportunityOpen, OpportunityInProgress},
		{OpportunityOpen, OpportunityCompleted},
		{OpportunityOpen, OpportunityFailed},
		{OpportunityAssigned, OpportunityCompleted},
		{OpportunityCompleted, OpportunityOpen},
		{OpportunityFailed, OpportunityOpen},
		{OpportunityCompleted, OpportunityFailed},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s must be denied", c.from, c.to)
		}
	}
}
