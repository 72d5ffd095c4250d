package service

import (
	"context"
	"errors"
	"testing"

	"github.com/slopmachine/escrowd/internal/events"
	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/oracle"
	"github.com/slopmachine/escrowd/internal/store"
)

const (
	client   = "client-1"
	arbiter  = "arbiter-1"
	platform = "platform-1"
	worker   = "worker-1"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	feed := oracle.NewStaticFeed("credit-usd", 100.0)
	adapter := oracle.NewAdapter(feed, "credit-usd")
	svc := New(mem, adapter, events.Nop{}, WithMinimumPlatformFee(250))
	return svc, mem
}

// fundJob deposits for the client, opens a $10 job, and returns the escrow.
func fundJob(t *testing.T, svc *Service) models.Escrow {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, client, 2_000_000_000); err != nil {
		t.Fatalf("client deposit: %v", err)
	}
	escrow, err := svc.CreateEscrow(ctx, CreateEscrowRequest{
		Client:         client,
		Arbiter:        arbiter,
		PlatformWallet: platform,
		BudgetUsdCents: 1000,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return escrow
}

func TestEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	escrow := fundJob(t, svc)
	if escrow.State != models.EscrowFunded {
		t.Fatalf("fresh escrow state = %s", escrow.State)
	}
	if escrow.Balance != escrow.Amount {
		t.Fatalf("balance %d != amount %d", escrow.Balance, escrow.Amount)
	}
	acct, err := svc.GetAccount(ctx, client)
	if err != nil {
		t.Fatalf("get client account: %v", err)
	}
	if acct.Balance != 2_000_000_000-escrow.Amount {
		t.Fatalf("client not debited the escrow amount: %d", acct.Balance)
	}

	// Two workers bid; the cheaper wins and the loser's stake comes back.
	if _, err := svc.Deposit(ctx, worker, 300_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	if _, err := svc.Deposit(ctx, "worker-2", 300_000_000); err != nil {
		t.Fatalf("worker-2 deposit: %v", err)
	}
	bid, stake, err := svc.SubmitBid(ctx, SubmitBidRequest{
		JobID:   escrow.JobID,
		Worker:  worker,
		Amount:  50_000_000,
		Message: "two day turnaround",
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if stake.Amount != 250_000_000 {
		t.Fatalf("tier 0 stake = %d, want 5x bid", stake.Amount)
	}
	if bid.Status != models.BidPending {
		t.Fatalf("bid status = %s", bid.Status)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{
		JobID:  escrow.JobID,
		Worker: "worker-2",
		Amount: 60_000_000,
	}); err != nil {
		t.Fatalf("submit second bid: %v", err)
	}

	opp, err := svc.AcceptBid(ctx, AcceptBidRequest{JobID: escrow.JobID})
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if opp.Status != models.OpportunityAssigned || opp.AssignedWorker != worker {
		t.Fatalf("lowest bid should win: status=%s worker=%s", opp.Status, opp.AssignedWorker)
	}
	loser, err := svc.GetAccount(ctx, "worker-2")
	if err != nil {
		t.Fatalf("get loser account: %v", err)
	}
	if loser.Balance != 300_000_000 {
		t.Fatalf("loser stake not returned: %d", loser.Balance)
	}

	if opp, err = svc.StartWork(ctx, escrow.JobID); err != nil {
		t.Fatalf("start work: %v", err)
	}
	if opp.Status != models.OpportunityInProgress {
		t.Fatalf("opportunity status = %s", opp.Status)
	}

	res, err := svc.ReleasePayment(ctx, escrow.JobID)
	if err != nil {
		t.Fatalf("release payment: %v", err)
	}
	if res.Payments.Total() != escrow.Amount {
		t.Fatalf("payments %d do not sum to escrow amount %d", res.Payments.Total(), escrow.Amount)
	}
	if res.Escrow.State != models.EscrowCompleted || res.Escrow.Balance != 0 {
		t.Fatalf("escrow not drained: state=%s balance=%d", res.Escrow.State, res.Escrow.Balance)
	}
	if res.Stake.Status != models.StakeReleased {
		t.Fatalf("stake status = %s", res.Stake.Status)
	}
	if res.Registry.Completed != 1 || res.Registry.Attempted != 1 || res.Registry.Tier != 1 {
		t.Fatalf("registry after success: %d/%d tier %d", res.Registry.Completed, res.Registry.Attempted, res.Registry.Tier)
	}

	dev, err := svc.GetAccount(ctx, worker)
	if err != nil {
		t.Fatalf("get developer account: %v", err)
	}
	want := 300_000_000 - stake.Amount + res.Payments.Developer + stake.Amount
	if dev.Balance != want {
		t.Fatalf("developer balance = %d, want %d", dev.Balance, want)
	}

	// A second release must change nothing.
	if _, err := svc.ReleasePayment(ctx, escrow.JobID); !errors.Is(err, models.ErrEscrowInvalidState) {
		t.Fatalf("double release should conflict, got %v", err)
	}
	after, _ := svc.GetAccount(ctx, worker)
	if after.Balance != dev.Balance {
		t.Fatalf("double release moved funds: %d -> %d", dev.Balance, after.Balance)
	}
}

func TestVerdictPassReleases(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	escrow := fundJob(t, svc)

	if _, err := svc.Deposit(ctx, worker, 300_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{JobID: escrow.JobID, Worker: worker, Amount: 50_000_000}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := svc.AcceptBid(ctx, AcceptBidRequest{JobID: escrow.JobID}); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := svc.StartWork(ctx, escrow.JobID); err != nil {
		t.Fatalf("start work: %v", err)
	}

	res, err := svc.SubmitVerdict(ctx, VerdictRequest{JobID: escrow.JobID, Passed: true})
	if err != nil {
		t.Fatalf("passing verdict: %v", err)
	}
	if !res.Passed || res.Release == nil {
		t.Fatalf("passing verdict should carry a release")
	}
	if res.Release.Escrow.State != models.EscrowCompleted {
		t.Fatalf("escrow state = %s", res.Release.Escrow.State)
	}
}

func TestThreeFailuresSlash(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	escrow := fundJob(t, svc)

	if _, err := svc.Deposit(ctx, worker, 300_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	_, stake, err := svc.SubmitBid(ctx, SubmitBidRequest{JobID: escrow.JobID, Worker: worker, Amount: 50_000_000})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := svc.AcceptBid(ctx, AcceptBidRequest{JobID: escrow.JobID}); err != nil {
		t.Fatalf("accept bid: %v", err)
	}

	clientBefore, _ := svc.GetAccount(ctx, client)

	for i := 1; i <= 2; i++ {
		res, err := svc.SubmitVerdict(ctx, VerdictRequest{JobID: escrow.JobID, Worker: worker, Passed: false})
		if err != nil {
			t.Fatalf("failing verdict %d: %v", i, err)
		}
		if res.Slash != nil {
			t.Fatalf("slash fired early at failure %d", i)
		}
		if res.Stake.FailureCount != i {
			t.Fatalf("failure count = %d, want %d", res.Stake.FailureCount, i)
		}
	}

	// A premature manual slash is refused.
	if _, err := svc.SlashStake(ctx, escrow.JobID, worker, ""); !errors.Is(err, models.ErrSlashConditionsNotMet) {
		t.Fatalf("slash below threshold should be refused, got %v", err)
	}

	res, err := svc.SubmitVerdict(ctx, VerdictRequest{JobID: escrow.JobID, Worker: worker, Passed: false})
	if err != nil {
		t.Fatalf("third failing verdict: %v", err)
	}
	if res.Slash == nil {
		t.Fatalf("third failure should slash")
	}
	slash := res.Slash
	if slash.Stake.Status != models.StakeSlashed {
		t.Fatalf("stake status = %s", slash.Stake.Status)
	}
	toJob, burned := stake.Amount/2, stake.Amount-stake.Amount/2
	if slash.Event.AmountToJob != toJob || slash.Event.AmountBurned != burned {
		t.Fatalf("slash split = (%d, %d), want (%d, %d)",
			slash.Event.AmountToJob, slash.Event.AmountBurned, toJob, burned)
	}

	clientAfter, _ := svc.GetAccount(ctx, client)
	if clientAfter.Balance != clientBefore.Balance+escrow.Amount+toJob {
		t.Fatalf("client refund = %d, want escrow %d plus half stake %d",
			clientAfter.Balance-clientBefore.Balance, escrow.Amount, toJob)
	}
	burnAcct, err := svc.GetAccount(ctx, models.BurnAccountID)
	if err != nil {
		t.Fatalf("get burn account: %v", err)
	}
	if burnAcct.Balance != burned {
		t.Fatalf("burn account = %d, want %d", burnAcct.Balance, burned)
	}

	opp, _ := svc.GetOpportunity(ctx, escrow.JobID)
	if opp.Status != models.OpportunityFailed {
		t.Fatalf("opportunity status = %s", opp.Status)
	}
	reg, _ := svc.GetNodeRegistry(ctx, worker)
	if reg.Completed != 0 || reg.Attempted != 4 {
		t.Fatalf("registry after slash: %d/%d", reg.Completed, reg.Attempted)
	}

	// The stake is gone; a second seizure has nothing to take.
	if _, err := svc.SlashStake(ctx, escrow.JobID, worker, ""); !errors.Is(err, models.ErrStakeNotLocked) {
		t.Fatalf("second slash should find no locked stake, got %v", err)
	}
}

func TestSlashAfterWorkStarted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	escrow := fundJob(t, svc)

	if _, err := svc.Deposit(ctx, worker, 300_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{JobID: escrow.JobID, Worker: worker, Amount: 50_000_000}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := svc.AcceptBid(ctx, AcceptBidRequest{JobID: escrow.JobID}); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := svc.StartWork(ctx, escrow.JobID); err != nil {
		t.Fatalf("start work: %v", err)
	}

	var slashed bool
	for i := 0; i < 3; i++ {
		res, err := svc.SubmitVerdict(ctx, VerdictRequest{JobID: escrow.JobID, Worker: worker, Passed: false})
		if err != nil {
			t.Fatalf("failing verdict %d: %v", i+1, err)
		}
		slashed = res.Slash != nil
	}
	if !slashed {
		t.Fatalf("third failure after start should slash")
	}
	opp, _ := svc.GetOpportunity(ctx, escrow.JobID)
	if opp.Status != models.OpportunityFailed {
		t.Fatalf("opportunity status = %s, want failed", opp.Status)
	}
}

func TestDuplicatePendingBidRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	escrow := fundJob(t, svc)

	if _, err := svc.Deposit(ctx, worker, 600_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{JobID: escrow.JobID, Worker: worker, Amount: 50_000_000}); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	// The worker still has balance for a second stake; the rejection is a
	// bid-state conflict, not an economic one.
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{
		JobID:  escrow.JobID,
		Worker: worker,
		Amount: 40_000_000,
	}); !errors.Is(err, models.ErrInvalidBidState) {
		t.Fatalf("duplicate pending bid should conflict, got %v", err)
	}
}

func TestGuards(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// No funds, no escrow.
	if _, err := svc.CreateEscrow(ctx, CreateEscrowRequest{
		Client:         "broke-client",
		Arbiter:        arbiter,
		PlatformWallet: platform,
		BudgetUsdCents: 1000,
	}); !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("unfunded escrow should fail, got %v", err)
	}

	escrow := fundJob(t, svc)

	// No stake funds, no bid.
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{
		JobID:  escrow.JobID,
		Worker: "broke-worker",
		Amount: 50_000_000,
	}); !errors.Is(err, models.ErrInsufficientStake) {
		t.Fatalf("unfunded bid should fail, got %v", err)
	}

	// Work cannot start before a bid is accepted.
	if _, err := svc.StartWork(ctx, escrow.JobID); !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("start on open opportunity should conflict, got %v", err)
	}

	// Once assigned, the opportunity is closed to new bids.
	if _, err := svc.Deposit(ctx, worker, 300_000_000); err != nil {
		t.Fatalf("worker deposit: %v", err)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{JobID: escrow.JobID, Worker: worker, Amount: 50_000_000}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := svc.AcceptBid(ctx, AcceptBidRequest{JobID: escrow.JobID}); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := svc.Deposit(ctx, "late-worker", 300_000_000); err != nil {
		t.Fatalf("late worker deposit: %v", err)
	}
	if _, _, err := svc.SubmitBid(ctx, SubmitBidRequest{
		JobID:  escrow.JobID,
		Worker: "late-worker",
		Amount: 40_000_000,
	}); !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("bid on assigned opportunity should conflict, got %v", err)
	}

	// Release requires work in progress.
	if _, err := svc.ReleasePayment(ctx, escrow.JobID); !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("release before start should conflict, got %v", err)
	}
}

func TestOracleOutageBlocksOperations(t *testing.T) {
	mem := store.NewMemoryStore()
	feed := oracle.NewStaticFeed("credit-usd", 100.0)
	// The adapter expects a different feed, so every read is rejected.
	adapter := oracle.NewAdapter(feed, "other-feed")
	svc := New(mem, adapter, events.Nop{})

	ctx := context.Background()
	if _, err := svc.Deposit(ctx, client, 2_000_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.CreateEscrow(ctx, CreateEscrowRequest{
		Client:         client,
		Arbiter:        arbiter,
		PlatformWallet: platform,
		BudgetUsdCents: 1000,
	}); !errors.Is(err, oracle.ErrFeedInvalid) {
		t.Fatalf("escrow creation should fail closed on oracle rejection, got %v", err)
	}
}
