// Package service orchestrates escrow operations. Each operation reads the
// oracle at most once, computes every derived amount from that single price,
// and hands the store one atomic mutation. Events are emitted only after the
// mutation commits.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/bidding"
	"github.com/slopmachine/escrowd/internal/events"
	"github.com/slopmachine/escrowd/internal/metrics"
	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/oracle"
	"github.com/slopmachine/escrowd/internal/reputation"
	"github.com/slopmachine/escrowd/internal/split"
	"github.com/slopmachine/escrowd/internal/store"
)

type Service struct {
	store    store.Store
	oracle   *oracle.Adapter
	notifier events.Notifier
	policy   bidding.SelectionPolicy

	// minimumPlatformFeeUsdCents is converted to native at escrow creation.
	minimumPlatformFeeUsdCents int64
}

type Option func(*Service)

// WithSelectionPolicy overrides the auto-acceptance rule.
func WithSelectionPolicy(p bidding.SelectionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMinimumPlatformFee sets the USD floor on the platform's cut.
func WithMinimumPlatformFee(usdCents int64) Option {
	return func(s *Service) { s.minimumPlatformFeeUsdCents = usdCents }
}

func New(st store.Store, orc *oracle.Adapter, notifier events.Notifier, opts ...Option) *Service {
	s := &Service{
		store:    st,
		oracle:   orc,
		notifier: notifier,
		policy:   bidding.LowestBid{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = events.Nop{}
	}
	return s
}

// emit delivers an event off the request path. The producing transaction has
// already committed, so delivery failures are logged inside the notifier and
// never surface here.
func (s *Service) emit(eventType string, jobID uuid.UUID, data interface{}) {
	ev := events.NewEvent(eventType, jobID, data)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			log.Printf("[service] event delivery failed type=%s job=%s: %v", ev.Type, ev.JobID, err)
		}
	}()
}

func (s *Service) Deposit(ctx context.Context, accountID string, amount int64) (models.Account, error) {
	if accountID == "" {
		return models.Account{}, fmt.Errorf("accountId required")
	}
	acct, err := s.store.Deposit(ctx, accountID, amount)
	metrics.ObserveOperation("deposit", err)
	return acct, err
}

type CreateEscrowRequest struct {
	Client         string `json:"client"`
	Arbiter        string `json:"arbiter"`
	PlatformWallet string `json:"platformWallet"`
	BudgetUsdCents int64  `json:"budgetUsdCents"`
}

// CreateEscrow funds a job. The USD budget is converted once at the current
// price with slippage padding so the native deposit always covers the USD
// obligation, and the client is debited the padded amount.
func (s *Service) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (models.Escrow, error) {
	if req.Client == "" || req.Arbiter == "" || req.PlatformWallet == "" {
		return models.Escrow{}, fmt.Errorf("client, arbiter, and platformWallet required")
	}
	price, err := s.oracle.Price(ctx)
	if err != nil {
		metrics.ObserveOracleRejection()
		metrics.ObserveOperation("create_escrow", err)
		return models.Escrow{}, err
	}
	amount, err := oracle.UsdCentsToNativeWithSlippage(req.BudgetUsdCents, price)
	if err != nil {
		metrics.ObserveOperation("create_escrow", err)
		return models.Escrow{}, err
	}
	var minFee int64
	if s.minimumPlatformFeeUsdCents > 0 {
		if minFee, err = oracle.UsdCentsToNativeWithSlippage(s.minimumPlatformFeeUsdCents, price); err != nil {
			metrics.ObserveOperation("create_escrow", err)
			return models.Escrow{}, err
		}
	}

	escrow, err := s.store.CreateJobEscrow(ctx, store.CreateJobEscrowInput{
		JobID:              uuid.New(),
		Client:             req.Client,
		Arbiter:            req.Arbiter,
		PlatformWallet:     req.PlatformWallet,
		Amount:             amount,
		BudgetUsdCents:     req.BudgetUsdCents,
		MinimumPlatformFee: minFee,
	})
	metrics.ObserveOperation("create_escrow", err)
	if err != nil {
		return models.Escrow{}, err
	}
	log.Printf("[service] escrow created job=%s client=%s amount=%d", escrow.JobID, escrow.Client, escrow.Amount)
	s.emit(models.EventEscrowCreated, escrow.JobID, models.EscrowCreated{
		Client:             escrow.Client,
		Amount:             escrow.Amount,
		MinimumPlatformFee: escrow.MinimumPlatformFee,
	})
	return escrow, nil
}

type SubmitBidRequest struct {
	JobID   uuid.UUID `json:"jobId"`
	Worker  string    `json:"worker"`
	Amount  int64     `json:"amount"`
	Message string    `json:"message"`
}

// SubmitBid validates the bid against the opportunity and the worker's tier,
// then locks the bid and its stake in one transaction. The worker's registry
// is created lazily on their first bid.
func (s *Service) SubmitBid(ctx context.Context, req SubmitBidRequest) (models.Bid, models.Stake, error) {
	if req.JobID == uuid.Nil || req.Worker == "" {
		return models.Bid{}, models.Stake{}, fmt.Errorf("jobId and worker required")
	}
	opp, err := s.store.GetOpportunity(ctx, req.JobID)
	if err != nil {
		metrics.ObserveOperation("submit_bid", err)
		return models.Bid{}, models.Stake{}, err
	}
	price, err := s.oracle.Price(ctx)
	if err != nil {
		metrics.ObserveOracleRejection()
		metrics.ObserveOperation("submit_bid", err)
		return models.Bid{}, models.Stake{}, err
	}
	if err := bidding.ValidateBid(opp, req.Amount, req.Message, price); err != nil {
		metrics.ObserveOperation("submit_bid", err)
		return models.Bid{}, models.Stake{}, err
	}

	reg, err := s.store.GetNodeRegistry(ctx, req.Worker)
	if err != nil {
		if err != store.ErrNotFound {
			metrics.ObserveOperation("submit_bid", err)
			return models.Bid{}, models.Stake{}, err
		}
		reg = reputation.NewRegistry(req.Worker, time.Now().UTC())
	}

	stakeAmount := bidding.RequiredStake(req.Amount, reg, price)
	bid, stake, err := s.store.SubmitBid(ctx, store.SubmitBidInput{
		JobID:         req.JobID,
		Worker:        req.Worker,
		BidAmount:     req.Amount,
		UsdEquivalent: oracle.NativeToUsdCents(req.Amount, price),
		PriceAtBid:    int64(price.Price * 100),
		Message:       req.Message,
		StakeAmount:   stakeAmount,
		Multiplier:    reg.StakeMultiplier,
		Registry:      reg,
	})
	metrics.ObserveOperation("submit_bid", err)
	if err != nil {
		return models.Bid{}, models.Stake{}, err
	}
	log.Printf("[service] bid submitted job=%s worker=%s bid=%d stake=%d tier=%d",
		req.JobID, req.Worker, bid.Amount, stake.Amount, reg.Tier)
	s.emit(models.EventBidSubmitted, req.JobID, models.BidSubmitted{
		BidID:       bid.ID,
		Worker:      bid.Worker,
		BidAmount:   bid.Amount,
		StakeAmount: stake.Amount,
		WorkerTier:  reg.Tier,
	})
	return bid, stake, nil
}

type AcceptBidRequest struct {
	JobID uuid.UUID `json:"jobId"`
	// BidID selects the winner explicitly. When nil, the configured selection
	// policy picks from the pending set.
	BidID uuid.UUID `json:"bidId"`
}

func (s *Service) AcceptBid(ctx context.Context, req AcceptBidRequest) (models.Opportunity, error) {
	if req.JobID == uuid.Nil {
		return models.Opportunity{}, fmt.Errorf("jobId required")
	}
	bidID := req.BidID
	bids, err := s.store.ListBids(ctx, req.JobID)
	if err != nil {
		metrics.ObserveOperation("accept_bid", err)
		return models.Opportunity{}, err
	}
	var winner models.Bid
	if bidID == uuid.Nil {
		var ok bool
		winner, ok = s.policy.Select(bids)
		if !ok {
			err := fmt.Errorf("no pending bids for job %s", req.JobID)
			metrics.ObserveOperation("accept_bid", err)
			return models.Opportunity{}, err
		}
		bidID = winner.ID
	} else {
		for _, b := range bids {
			if b.ID == bidID {
				winner = b
			}
		}
		if winner.ID == uuid.Nil {
			metrics.ObserveOperation("accept_bid", store.ErrNotFound)
			return models.Opportunity{}, store.ErrNotFound
		}
	}

	rejected := 0
	for _, b := range bids {
		if b.Status == models.BidPending && b.ID != bidID {
			rejected++
		}
	}

	opp, err := s.store.AcceptBid(ctx, store.AcceptBidInput{JobID: req.JobID, BidID: bidID})
	metrics.ObserveOperation("accept_bid", err)
	if err != nil {
		return models.Opportunity{}, err
	}
	log.Printf("[service] bid accepted job=%s worker=%s bid=%d rejected=%d",
		req.JobID, opp.AssignedWorker, winner.Amount, rejected)
	s.emit(models.EventBidAccepted, req.JobID, models.BidAcceptedEvent{
		BidID:        bidID,
		Worker:       opp.AssignedWorker,
		BidAmount:    winner.Amount,
		RejectedBids: rejected,
	})
	return opp, nil
}

func (s *Service) StartWork(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	opp, err := s.store.StartWork(ctx, jobID)
	metrics.ObserveOperation("start_work", err)
	if err != nil {
		return models.Opportunity{}, err
	}
	log.Printf("[service] work started job=%s worker=%s", jobID, opp.AssignedWorker)
	s.emit(models.EventWorkStarted, jobID, map[string]string{"worker": opp.AssignedWorker})
	return opp, nil
}

// ReleasePayment disburses a validated job: the three-way split to developer,
// arbiter and platform, the stake back to the developer, and a success
// recorded on the developer's registry.
func (s *Service) ReleasePayment(ctx context.Context, jobID uuid.UUID) (store.ReleaseResult, error) {
	escrow, err := s.store.GetEscrow(ctx, jobID)
	if err != nil {
		metrics.ObserveOperation("release_payment", err)
		return store.ReleaseResult{}, err
	}
	if escrow.State != models.EscrowPendingReview {
		metrics.ObserveOperation("release_payment", models.ErrEscrowInvalidState)
		return store.ReleaseResult{}, models.ErrEscrowInvalidState
	}

	payments := split.CalculatePayments(escrow)
	res, err := s.store.ReleasePayment(ctx, store.ReleasePaymentInput{
		JobID:    jobID,
		Payments: payments,
	})
	metrics.ObserveOperation("release_payment", err)
	if err != nil {
		return store.ReleaseResult{}, err
	}
	log.Printf("[service] payment released job=%s developer=%s dev=%d arb=%d plat=%d stake=%d tier=%d",
		jobID, res.Escrow.Developer, payments.Developer, payments.Arbiter, payments.Platform,
		res.StakeReturned, res.Registry.Tier)
	s.emit(models.EventPaymentReleased, jobID, models.PaymentReleased{
		Worker:          res.Escrow.Developer,
		DeveloperAmount: payments.Developer,
		ArbiterAmount:   payments.Arbiter,
		PlatformAmount:  payments.Platform,
		StakeReturned:   res.StakeReturned,
		NewTier:         res.Registry.Tier,
	})
	return res, nil
}

// RecordFailure counts one validation failure against the assigned worker's
// locked stake and records the failed attempt on their registry. The stake
// stays locked; seizure is a separate operation.
func (s *Service) RecordFailure(ctx context.Context, jobID uuid.UUID, worker string) (models.Stake, models.NodeRegistry, error) {
	if worker == "" {
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("worker required")
	}
	stake, reg, err := s.store.RecordFailure(ctx, store.RecordFailureInput{JobID: jobID, Worker: worker})
	metrics.ObserveOperation("record_failure", err)
	if err != nil {
		return models.Stake{}, models.NodeRegistry{}, err
	}
	log.Printf("[service] failure recorded job=%s worker=%s count=%d", jobID, worker, stake.FailureCount)
	s.emit(models.EventFailureRecorded, jobID, models.FailureRecorded{
		Worker:       worker,
		FailureCount: stake.FailureCount,
	})
	return stake, reg, nil
}

// SlashStake seizes a stake that has reached the failure threshold. Half the
// stake joins the full escrow refund to the client, the other half is burned.
func (s *Service) SlashStake(ctx context.Context, jobID uuid.UUID, worker, reason string) (store.SlashResult, error) {
	if worker == "" {
		return store.SlashResult{}, fmt.Errorf("worker required")
	}
	stake, err := s.store.GetStake(ctx, jobID, worker)
	if err != nil {
		metrics.ObserveOperation("slash_stake", err)
		return store.SlashResult{}, err
	}
	if stake.Status != models.StakeLocked {
		metrics.ObserveOperation("slash_stake", models.ErrStakeNotLocked)
		return store.SlashResult{}, models.ErrStakeNotLocked
	}
	if !split.ShouldSlash(stake.FailureCount) {
		metrics.ObserveOperation("slash_stake", models.ErrSlashConditionsNotMet)
		return store.SlashResult{}, models.ErrSlashConditionsNotMet
	}
	if reason == "" {
		reason = fmt.Sprintf("validation failed %d times", stake.FailureCount)
	}

	toJob, burned := split.SlashDistribution(stake.Amount)
	res, err := s.store.SlashStake(ctx, store.SlashStakeInput{
		JobID:  jobID,
		Worker: worker,
		ToJob:  toJob,
		Burned: burned,
		Reason: reason,
	})
	metrics.ObserveOperation("slash_stake", err)
	if err != nil {
		return store.SlashResult{}, err
	}
	log.Printf("[service] stake slashed job=%s worker=%s slashed=%d toJob=%d burned=%d refunded=%d",
		jobID, worker, res.Event.SlashedAmount, toJob, burned, res.RefundedToClient)
	s.emit(models.EventStakeSlashed, jobID, models.StakeSlashedEvent{
		Worker:           worker,
		SlashedAmount:    res.Event.SlashedAmount,
		AmountToJob:      toJob,
		AmountBurned:     burned,
		RefundedToClient: res.RefundedToClient,
		NewTier:          res.Registry.Tier,
	})
	return res, nil
}

type VerdictRequest struct {
	JobID  uuid.UUID `json:"jobId"`
	Worker string    `json:"worker"`
	Passed bool      `json:"passed"`
	Reason string    `json:"reason"`
}

// VerdictResult reports what a verdict did: a passing verdict carries the
// release, a failing one carries the updated stake and, once the failure
// threshold is reached, the slash.
type VerdictResult struct {
	Passed  bool                 `json:"passed"`
	Release *store.ReleaseResult `json:"release,omitempty"`
	Stake   *models.Stake        `json:"stake,omitempty"`
	Slash   *store.SlashResult   `json:"slash,omitempty"`
}

// SubmitVerdict applies a validation verdict. Pass releases payment. Fail
// records a failure; at the third failure the stake is slashed in the same
// call so a hopeless job never lingers.
func (s *Service) SubmitVerdict(ctx context.Context, req VerdictRequest) (VerdictResult, error) {
	if req.Worker == "" {
		opp, err := s.store.GetOpportunity(ctx, req.JobID)
		if err != nil {
			return VerdictResult{}, err
		}
		req.Worker = opp.AssignedWorker
	}
	if req.Passed {
		res, err := s.ReleasePayment(ctx, req.JobID)
		if err != nil {
			return VerdictResult{}, err
		}
		return VerdictResult{Passed: true, Release: &res}, nil
	}

	stake, _, err := s.RecordFailure(ctx, req.JobID, req.Worker)
	if err != nil {
		return VerdictResult{}, err
	}
	out := VerdictResult{Stake: &stake}
	if split.ShouldSlash(stake.FailureCount) {
		slash, err := s.SlashStake(ctx, req.JobID, req.Worker, req.Reason)
		if err != nil {
			return VerdictResult{}, err
		}
		out.Slash = &slash
		out.Stake = &slash.Stake
	}
	return out, nil
}

// Reads pass straight through to the store.

func (s *Service) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) GetEscrow(ctx context.Context, jobID uuid.UUID) (models.Escrow, error) {
	return s.store.GetEscrow(ctx, jobID)
}

func (s *Service) GetOpportunity(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	return s.store.GetOpportunity(ctx, jobID)
}

func (s *Service) ListBids(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error) {
	return s.store.ListBids(ctx, jobID)
}

func (s *Service) GetStake(ctx context.Context, jobID uuid.UUID, worker string) (models.Stake, error) {
	return s.store.GetStake(ctx, jobID, worker)
}

func (s *Service) GetNodeRegistry(ctx context.Context, workerID string) (models.NodeRegistry, error) {
	return s.store.GetNodeRegistry(ctx, workerID)
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
