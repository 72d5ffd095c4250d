package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/reputation"
)

// MemoryStore is the in-process Store used by tests and local development.
// A single mutex stands in for the ledger's transaction sequencer: conflicting
// operations serialize, and the loser observes the refreshed guard state.
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]int64
	jobs          map[uuid.UUID]models.Job
	escrows       map[uuid.UUID]models.Escrow
	opportunities map[uuid.UUID]models.Opportunity
	registries    map[string]models.NodeRegistry
	bids          map[uuid.UUID]models.Bid
	stakes        map[string]models.Stake
	slashEvents   map[uuid.UUID]models.SlashEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      map[string]int64{},
		jobs:          map[uuid.UUID]models.Job{},
		escrows:       map[uuid.UUID]models.Escrow{},
		opportunities: map[uuid.UUID]models.Opportunity{},
		registries:    map[string]models.NodeRegistry{},
		bids:          map[uuid.UUID]models.Bid{},
		stakes:        map[string]models.Stake{},
		slashEvents:   map[uuid.UUID]models.SlashEvent{},
	}
}

func stakeKey(jobID uuid.UUID, worker string) string {
	return jobID.String() + "/" + worker
}

func (m *MemoryStore) Deposit(ctx context.Context, accountID string, amount int64) (models.Account, error) {
	if amount <= 0 {
		return models.Account{}, models.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] += amount
	return models.Account{ID: accountID, Balance: m.accounts[accountID]}, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := m.accounts[accountID]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return models.Account{ID: accountID, Balance: balance}, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, jobID uuid.UUID) (models.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	escrow, ok := m.escrows[jobID]
	if !ok {
		return models.Escrow{}, ErrNotFound
	}
	return escrow, nil
}

func (m *MemoryStore) GetOpportunity(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opp, ok := m.opportunities[jobID]
	if !ok {
		return models.Opportunity{}, ErrNotFound
	}
	return opp, nil
}

func (m *MemoryStore) GetStake(ctx context.Context, jobID uuid.UUID, worker string) (models.Stake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stake, ok := m.stakes[stakeKey(jobID, worker)]
	if !ok {
		return models.Stake{}, ErrNotFound
	}
	return stake, nil
}

func (m *MemoryStore) GetNodeRegistry(ctx context.Context, workerID string) (models.NodeRegistry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registries[workerID]
	if !ok {
		return models.NodeRegistry{}, ErrNotFound
	}
	return reg, nil
}

func (m *MemoryStore) ListBids(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bids []models.Bid
	for _, b := range m.bids {
		if b.JobID == jobID {
			bids = append(bids, b)
		}
	}
	sort.Slice(bids, func(i, j int) bool {
		return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
	})
	return bids, nil
}

func (m *MemoryStore) CreateJobEscrow(ctx context.Context, in CreateJobEscrowInput) (models.Escrow, error) {
	if in.Amount <= 0 {
		return models.Escrow{}, models.ErrInvalidAmount
	}
	if in.JobID == uuid.Nil {
		in.JobID = uuid.New()
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[in.Client] < in.Amount {
		return models.Escrow{}, models.ErrInsufficientFunds
	}
	if _, exists := m.escrows[in.JobID]; exists {
		return models.Escrow{}, models.ErrEscrowInvalidState
	}
	m.accounts[in.Client] -= in.Amount
	m.jobs[in.JobID] = models.Job{
		ID:                  in.JobID,
		Creator:             in.Client,
		Arbiter:             in.Arbiter,
		PlatformBeneficiary: in.PlatformWallet,
		Budget:              in.Amount,
		CreatedAt:           now,
	}
	escrow := models.Escrow{
		JobID:              in.JobID,
		Client:             in.Client,
		Arbiter:            in.Arbiter,
		PlatformWallet:     in.PlatformWallet,
		Amount:             in.Amount,
		DeveloperSplitBps:  8500,
		ArbiterSplitBps:    500,
		PlatformSplitBps:   1000,
		MinimumPlatformFee: in.MinimumPlatformFee,
		Balance:            in.Amount,
		State:              models.EscrowFunded,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.escrows[in.JobID] = escrow
	m.opportunities[in.JobID] = models.Opportunity{
		JobID:          in.JobID,
		BudgetNative:   in.Amount,
		BudgetUsdCents: in.BudgetUsdCents,
		Status:         models.OpportunityOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return escrow, nil
}

func (m *MemoryStore) SubmitBid(ctx context.Context, in SubmitBidInput) (models.Bid, models.Stake, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.opportunities[in.JobID]
	if !ok {
		return models.Bid{}, models.Stake{}, ErrNotFound
	}
	if opp.Status != models.OpportunityOpen {
		return models.Bid{}, models.Stake{}, models.ErrInvalidOpportunityState
	}
	if existing, ok := m.stakes[stakeKey(in.JobID, in.Worker)]; ok && existing.Status == models.StakeLocked {
		return models.Bid{}, models.Stake{}, models.ErrInvalidBidState
	}
	if m.accounts[in.Worker] < in.StakeAmount {
		return models.Bid{}, models.Stake{}, models.ErrInsufficientStake
	}
	if _, ok := m.registries[in.Worker]; !ok {
		m.registries[in.Worker] = in.Registry
	}
	m.accounts[in.Worker] -= in.StakeAmount
	bid := models.Bid{
		ID:            uuid.New(),
		JobID:         in.JobID,
		Worker:        in.Worker,
		Amount:        in.BidAmount,
		UsdEquivalent: in.UsdEquivalent,
		PriceAtBid:    in.PriceAtBid,
		Message:       in.Message,
		Status:        models.BidPending,
		SubmittedAt:   now,
	}
	stake := models.Stake{
		JobID:             in.JobID,
		Worker:            in.Worker,
		Amount:            in.StakeAmount,
		BidAmount:         in.BidAmount,
		MultiplierApplied: in.Multiplier,
		Status:            models.StakeLocked,
		LockedAt:          now,
	}
	m.bids[bid.ID] = bid
	m.stakes[stakeKey(in.JobID, in.Worker)] = stake
	return bid, stake, nil
}

func (m *MemoryStore) AcceptBid(ctx context.Context, in AcceptBidInput) (models.Opportunity, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.opportunities[in.JobID]
	if !ok {
		return models.Opportunity{}, ErrNotFound
	}
	if !models.CanTransition(opp.Status, models.OpportunityAssigned) {
		return models.Opportunity{}, models.ErrInvalidOpportunityState
	}
	winner, ok := m.bids[in.BidID]
	if !ok || winner.JobID != in.JobID {
		return models.Opportunity{}, ErrNotFound
	}
	if winner.Status != models.BidPending {
		return models.Opportunity{}, models.ErrInvalidBidState
	}
	escrow, ok := m.escrows[in.JobID]
	if !ok || escrow.State != models.EscrowFunded {
		return models.Opportunity{}, models.ErrEscrowInvalidState
	}

	winner.Status = models.BidAccepted
	m.bids[winner.ID] = winner

	// Reject the siblings and return their stakes immediately.
	for id, b := range m.bids {
		if b.JobID != in.JobID || id == winner.ID || b.Status != models.BidPending {
			continue
		}
		b.Status = models.BidRejected
		m.bids[id] = b
		key := stakeKey(in.JobID, b.Worker)
		if st, ok := m.stakes[key]; ok && st.Status == models.StakeLocked {
			st.Status = models.StakeReleased
			released := now
			st.ReleasedAt = &released
			m.stakes[key] = st
			m.accounts[b.Worker] += st.Amount
		}
	}

	escrow.Developer = winner.Worker
	escrow.State = models.EscrowPendingReview
	escrow.UpdatedAt = now
	m.escrows[in.JobID] = escrow

	opp.Status = models.OpportunityAssigned
	opp.AssignedWorker = winner.Worker
	opp.UpdatedAt = now
	m.opportunities[in.JobID] = opp
	return opp, nil
}

func (m *MemoryStore) StartWork(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.opportunities[jobID]
	if !ok {
		return models.Opportunity{}, ErrNotFound
	}
	if !models.CanTransition(opp.Status, models.OpportunityInProgress) {
		return models.Opportunity{}, models.ErrInvalidOpportunityState
	}
	escrow := m.escrows[jobID]
	if escrow.State != models.EscrowPendingReview || escrow.Amount != opp.BudgetNative {
		return models.Opportunity{}, models.ErrEscrowInvalidState
	}
	opp.Status = models.OpportunityInProgress
	opp.UpdatedAt = now
	m.opportunities[jobID] = opp
	return opp, nil
}

func (m *MemoryStore) ReleasePayment(ctx context.Context, in ReleasePaymentInput) (ReleaseResult, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	escrow, ok := m.escrows[in.JobID]
	if !ok {
		return ReleaseResult{}, ErrNotFound
	}
	if escrow.State != models.EscrowPendingReview {
		return ReleaseResult{}, models.ErrEscrowInvalidState
	}
	opp := m.opportunities[in.JobID]
	if !models.CanTransition(opp.Status, models.OpportunityCompleted) {
		return ReleaseResult{}, models.ErrInvalidOpportunityState
	}
	key := stakeKey(in.JobID, escrow.Developer)
	stake, ok := m.stakes[key]
	if !ok || stake.Status != models.StakeLocked {
		return ReleaseResult{}, models.ErrStakeNotLocked
	}
	total := in.Payments.Total()
	if total != escrow.Amount || escrow.Balance < total {
		return ReleaseResult{}, models.ErrInsufficientEscrowBalance
	}

	m.accounts[escrow.Developer] += in.Payments.Developer + stake.Amount
	m.accounts[escrow.Arbiter] += in.Payments.Arbiter
	m.accounts[escrow.PlatformWallet] += in.Payments.Platform

	escrow.Balance -= total
	escrow.State = models.EscrowCompleted
	escrow.UpdatedAt = now
	m.escrows[in.JobID] = escrow

	released := now
	stake.Status = models.StakeReleased
	stake.ReleasedAt = &released
	m.stakes[key] = stake

	opp.Status = models.OpportunityCompleted
	opp.UpdatedAt = now
	m.opportunities[in.JobID] = opp

	reg := m.registries[escrow.Developer]
	reg.TotalEarningsNative += in.Payments.Developer
	reputation.ApplyOutcome(&reg, true, now)
	m.registries[escrow.Developer] = reg

	return ReleaseResult{
		Escrow:        escrow,
		Stake:         stake,
		Registry:      reg,
		Payments:      in.Payments,
		StakeReturned: stake.Amount,
	}, nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, in RecordFailureInput) (models.Stake, models.NodeRegistry, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	escrow, ok := m.escrows[in.JobID]
	if !ok {
		return models.Stake{}, models.NodeRegistry{}, ErrNotFound
	}
	if escrow.State != models.EscrowPendingReview {
		return models.Stake{}, models.NodeRegistry{}, models.ErrEscrowInvalidState
	}
	key := stakeKey(in.JobID, in.Worker)
	stake, ok := m.stakes[key]
	if !ok {
		return models.Stake{}, models.NodeRegistry{}, ErrNotFound
	}
	if stake.Status != models.StakeLocked {
		return models.Stake{}, models.NodeRegistry{}, models.ErrStakeNotLocked
	}
	stake.FailureCount++
	m.stakes[key] = stake

	reg := m.registries[in.Worker]
	reg.FailedJobs++
	reputation.ApplyOutcome(&reg, false, now)
	m.registries[in.Worker] = reg
	return stake, reg, nil
}

func (m *MemoryStore) SlashStake(ctx context.Context, in SlashStakeInput) (SlashResult, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	escrow, ok := m.escrows[in.JobID]
	if !ok {
		return SlashResult{}, ErrNotFound
	}
	if escrow.State != models.EscrowPendingReview {
		return SlashResult{}, models.ErrEscrowInvalidState
	}
	if opp := m.opportunities[in.JobID]; !models.CanTransition(opp.Status, models.OpportunityFailed) {
		return SlashResult{}, models.ErrInvalidOpportunityState
	}
	key := stakeKey(in.JobID, in.Worker)
	stake, ok := m.stakes[key]
	if !ok {
		return SlashResult{}, ErrNotFound
	}
	if stake.Status != models.StakeLocked {
		return SlashResult{}, models.ErrStakeNotLocked
	}
	if stake.FailureCount < 3 {
		return SlashResult{}, models.ErrSlashConditionsNotMet
	}
	if in.ToJob+in.Burned != stake.Amount {
		return SlashResult{}, models.ErrInvalidAmount
	}
	if escrow.Balance < escrow.Amount {
		return SlashResult{}, models.ErrInsufficientEscrowBalance
	}

	// Full payment refund plus the recovered half-stake to the client; the
	// other half leaves circulation for good.
	refund := escrow.Amount + in.ToJob
	m.accounts[escrow.Client] += refund
	m.accounts[models.BurnAccountID] += in.Burned

	escrow.Balance -= escrow.Amount
	escrow.State = models.EscrowRefunded
	escrow.UpdatedAt = now
	m.escrows[in.JobID] = escrow

	released := now
	stake.Status = models.StakeSlashed
	stake.ReleasedAt = &released
	m.stakes[key] = stake

	opp := m.opportunities[in.JobID]
	opp.Status = models.OpportunityFailed
	opp.UpdatedAt = now
	m.opportunities[in.JobID] = opp

	reg := m.registries[in.Worker]
	reg.FailedJobs++
	reputation.ApplyOutcome(&reg, false, now)
	m.registries[in.Worker] = reg

	event := models.SlashEvent{
		ID:            uuid.New(),
		JobID:         in.JobID,
		Worker:        in.Worker,
		SlashedAmount: stake.Amount,
		AmountToJob:   in.ToJob,
		AmountBurned:  in.Burned,
		Reason:        in.Reason,
		SlashedAt:     now,
	}
	m.slashEvents[event.ID] = event

	return SlashResult{
		Event:            event,
		Escrow:           escrow,
		Stake:            stake,
		Registry:         reg,
		RefundedToClient: refund,
	}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
