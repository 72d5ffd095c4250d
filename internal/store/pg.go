package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/reputation"
)

// PGStore implements Store on PostgreSQL. Each mutating method runs in a
// single transaction with the guard rows locked FOR UPDATE, so the database
// serializes conflicting operations and the loser sees the refreshed state.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const escrowColumns = `job_id, client, developer, arbiter, platform_wallet, amount,
	developer_split_bps, arbiter_split_bps, platform_split_bps, minimum_platform_fee,
	balance, state, created_at, updated_at`

func scanEscrow(row rowScanner) (models.Escrow, error) {
	var (
		e         models.Escrow
		developer sql.NullString
	)
	if err := row.Scan(
		&e.JobID,
		&e.Client,
		&developer,
		&e.Arbiter,
		&e.PlatformWallet,
		&e.Amount,
		&e.DeveloperSplitBps,
		&e.ArbiterSplitBps,
		&e.PlatformSplitBps,
		&e.MinimumPlatformFee,
		&e.Balance,
		&e.State,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return models.Escrow{}, err
	}
	if developer.Valid {
		e.Developer = developer.String
	}
	return e, nil
}

const opportunityColumns = `job_id, budget_native, budget_usd_cents, status, assigned_worker, created_at, updated_at`

func scanOpportunity(row rowScanner) (models.Opportunity, error) {
	var (
		o        models.Opportunity
		assigned sql.NullString
	)
	if err := row.Scan(
		&o.JobID,
		&o.BudgetNative,
		&o.BudgetUsdCents,
		&o.Status,
		&assigned,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return models.Opportunity{}, err
	}
	if assigned.Valid {
		o.AssignedWorker = assigned.String
	}
	return o, nil
}

const stakeColumns = `job_id, worker, amount, bid_amount, multiplier_applied, status, failure_count, locked_at, released_at`

func scanStake(row rowScanner) (models.Stake, error) {
	var (
		s        models.Stake
		released sql.NullTime
	)
	if err := row.Scan(
		&s.JobID,
		&s.Worker,
		&s.Amount,
		&s.BidAmount,
		&s.MultiplierApplied,
		&s.Status,
		&s.FailureCount,
		&s.LockedAt,
		&released,
	); err != nil {
		return models.Stake{}, err
	}
	if released.Valid {
		t := released.Time
		s.ReleasedAt = &t
	}
	return s, nil
}

const bidColumns = `id, job_id, worker, amount, usd_equivalent, price_at_bid, message, status, submitted_at`

func scanBid(row rowScanner) (models.Bid, error) {
	var b models.Bid
	if err := row.Scan(
		&b.ID,
		&b.JobID,
		&b.Worker,
		&b.Amount,
		&b.UsdEquivalent,
		&b.PriceAtBid,
		&b.Message,
		&b.Status,
		&b.SubmittedAt,
	); err != nil {
		return models.Bid{}, err
	}
	return b, nil
}

const registryColumns = `worker_id, completed, attempted, tier, stake_multiplier,
	min_absolute_stake_usd, max_job_size_usd, reputation_score_bps,
	total_earnings_native, failed_jobs, created_at, updated_at`

func scanRegistry(row rowScanner) (models.NodeRegistry, error) {
	var r models.NodeRegistry
	if err := row.Scan(
		&r.WorkerID,
		&r.Completed,
		&r.Attempted,
		&r.Tier,
		&r.StakeMultiplier,
		&r.MinAbsoluteStakeUsd,
		&r.MaxJobSizeUsd,
		&r.ReputationScoreBps,
		&r.TotalEarningsNative,
		&r.FailedJobs,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return models.NodeRegistry{}, err
	}
	return r, nil
}

func (s *PGStore) Deposit(ctx context.Context, accountID string, amount int64) (models.Account, error) {
	if amount <= 0 {
		return models.Account{}, models.ErrInvalidAmount
	}
	const query = `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
		RETURNING id, balance
	`
	var acct models.Account
	if err := s.db.QueryRowContext(ctx, query, accountID, amount).Scan(&acct.ID, &acct.Balance); err != nil {
		return models.Account{}, fmt.Errorf("deposit: %w", err)
	}
	return acct, nil
}

func (s *PGStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	var acct models.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, balance FROM accounts WHERE id = $1`, accountID).
		Scan(&acct.ID, &acct.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, ErrNotFound
		}
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	const query = `SELECT id, creator, arbiter, platform_beneficiary, budget, created_at FROM jobs WHERE id = $1`
	var j models.Job
	err := s.db.QueryRowContext(ctx, query, jobID).
		Scan(&j.ID, &j.Creator, &j.Arbiter, &j.PlatformBeneficiary, &j.Budget, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PGStore) GetEscrow(ctx context.Context, jobID uuid.UUID) (models.Escrow, error) {
	escrow, err := scanEscrow(s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Escrow{}, ErrNotFound
		}
		return models.Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return escrow, nil
}

func (s *PGStore) GetOpportunity(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	opp, err := scanOpportunity(s.db.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Opportunity{}, ErrNotFound
		}
		return models.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	return opp, nil
}

func (s *PGStore) GetStake(ctx context.Context, jobID uuid.UUID, worker string) (models.Stake, error) {
	stake, err := scanStake(s.db.QueryRowContext(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE job_id = $1 AND worker = $2`, jobID, worker))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Stake{}, ErrNotFound
		}
		return models.Stake{}, fmt.Errorf("get stake: %w", err)
	}
	return stake, nil
}

func (s *PGStore) GetNodeRegistry(ctx context.Context, workerID string) (models.NodeRegistry, error) {
	reg, err := scanRegistry(s.db.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM node_registries WHERE worker_id = $1`, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NodeRegistry{}, ErrNotFound
		}
		return models.NodeRegistry{}, fmt.Errorf("get node registry: %w", err)
	}
	return reg, nil
}

func (s *PGStore) ListBids(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE job_id = $1 ORDER BY submitted_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()
	var bids []models.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bids: %w", err)
	}
	return bids, nil
}

// debitAccount subtracts amount if the balance covers it; reports whether the
// debit was applied.
func debitAccount(ctx context.Context, tx *sql.Tx, accountID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $2 WHERE id = $1 AND balance >= $2`,
		accountID, amount)
	if err != nil {
		return false, fmt.Errorf("debit %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func creditAccount(ctx context.Context, tx *sql.Tx, accountID string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", accountID, err)
	}
	return nil
}

func (s *PGStore) CreateJobEscrow(ctx context.Context, in CreateJobEscrowInput) (models.Escrow, error) {
	if in.Amount <= 0 {
		return models.Escrow{}, models.ErrInvalidAmount
	}
	if in.JobID == uuid.Nil {
		in.JobID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Escrow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ok, err := debitAccount(ctx, tx, in.Client, in.Amount)
	if err != nil {
		return models.Escrow{}, err
	}
	if !ok {
		return models.Escrow{}, models.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, creator, arbiter, platform_beneficiary, budget, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
	`, in.JobID, in.Client, in.Arbiter, in.PlatformWallet, in.Amount); err != nil {
		return models.Escrow{}, fmt.Errorf("insert job: %w", err)
	}

	escrow, err := scanEscrow(tx.QueryRowContext(ctx, `
		INSERT INTO escrows (job_id, client, arbiter, platform_wallet, amount,
			developer_split_bps, arbiter_split_bps, platform_split_bps,
			minimum_platform_fee, balance, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,8500,500,1000,$6,$5,'funded',NOW(),NOW())
		RETURNING `+escrowColumns,
		in.JobID, in.Client, in.Arbiter, in.PlatformWallet, in.Amount, in.MinimumPlatformFee))
	if err != nil {
		return models.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO opportunities (job_id, budget_native, budget_usd_cents, status, created_at, updated_at)
		VALUES ($1,$2,$3,'open',NOW(),NOW())
	`, in.JobID, in.Amount, in.BudgetUsdCents); err != nil {
		return models.Escrow{}, fmt.Errorf("insert opportunity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Escrow{}, fmt.Errorf("commit create escrow: %w", err)
	}
	return escrow, nil
}

func (s *PGStore) SubmitBid(ctx context.Context, in SubmitBidInput) (models.Bid, models.Stake, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	opp, err := scanOpportunity(tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bid{}, models.Stake{}, ErrNotFound
		}
		return models.Bid{}, models.Stake{}, fmt.Errorf("lock opportunity: %w", err)
	}
	if opp.Status != models.OpportunityOpen {
		return models.Bid{}, models.Stake{}, models.ErrInvalidOpportunityState
	}

	var locked int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stakes WHERE job_id = $1 AND worker = $2 AND status = 'locked'`,
		in.JobID, in.Worker).Scan(&locked)
	if err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("check existing stake: %w", err)
	}
	if locked > 0 {
		return models.Bid{}, models.Stake{}, models.ErrInvalidBidState
	}

	// Lazily create the registry on first bid.
	r := in.Registry
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_registries (`+registryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
		ON CONFLICT (worker_id) DO NOTHING
	`, r.WorkerID, r.Completed, r.Attempted, r.Tier, r.StakeMultiplier,
		r.MinAbsoluteStakeUsd, r.MaxJobSizeUsd, r.ReputationScoreBps,
		r.TotalEarningsNative, r.FailedJobs); err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("ensure registry: %w", err)
	}

	ok, err := debitAccount(ctx, tx, in.Worker, in.StakeAmount)
	if err != nil {
		return models.Bid{}, models.Stake{}, err
	}
	if !ok {
		return models.Bid{}, models.Stake{}, models.ErrInsufficientStake
	}

	bid, err := scanBid(tx.QueryRowContext(ctx, `
		INSERT INTO bids (id, job_id, worker, amount, usd_equivalent, price_at_bid, message, status, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',NOW())
		RETURNING `+bidColumns,
		uuid.New(), in.JobID, in.Worker, in.BidAmount, in.UsdEquivalent, in.PriceAtBid, in.Message))
	if err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("insert bid: %w", err)
	}

	stake, err := scanStake(tx.QueryRowContext(ctx, `
		INSERT INTO stakes (job_id, worker, amount, bid_amount, multiplier_applied, status, failure_count, locked_at)
		VALUES ($1,$2,$3,$4,$5,'locked',0,NOW())
		ON CONFLICT (job_id, worker) DO UPDATE SET
			amount = EXCLUDED.amount,
			bid_amount = EXCLUDED.bid_amount,
			multiplier_applied = EXCLUDED.multiplier_applied,
			status = 'locked',
			failure_count = 0,
			locked_at = EXCLUDED.locked_at,
			released_at = NULL
		RETURNING `+stakeColumns,
		in.JobID, in.Worker, in.StakeAmount, in.BidAmount, in.Multiplier))
	if err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("insert stake: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Bid{}, models.Stake{}, fmt.Errorf("commit bid: %w", err)
	}
	return bid, stake, nil
}

func (s *PGStore) AcceptBid(ctx context.Context, in AcceptBidInput) (models.Opportunity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	opp, err := scanOpportunity(tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Opportunity{}, ErrNotFound
		}
		return models.Opportunity{}, fmt.Errorf("lock opportunity: %w", err)
	}
	if !models.CanTransition(opp.Status, models.OpportunityAssigned) {
		return models.Opportunity{}, models.ErrInvalidOpportunityState
	}

	winner, err := scanBid(tx.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1 AND job_id = $2 FOR UPDATE`, in.BidID, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Opportunity{}, ErrNotFound
		}
		return models.Opportunity{}, fmt.Errorf("lock bid: %w", err)
	}
	if winner.Status != models.BidPending {
		return models.Opportunity{}, models.ErrInvalidBidState
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = 'accepted' WHERE id = $1`, winner.ID); err != nil {
		return models.Opportunity{}, fmt.Errorf("accept bid: %w", err)
	}

	// Reject siblings and release their stakes back to liquid balances.
	rows, err := tx.QueryContext(ctx, `
		UPDATE bids SET status = 'rejected'
		WHERE job_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING worker
	`, in.JobID, winner.ID)
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("reject sibling bids: %w", err)
	}
	var losers []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			rows.Close()
			return models.Opportunity{}, fmt.Errorf("scan rejected worker: %w", err)
		}
		losers = append(losers, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Opportunity{}, fmt.Errorf("iterate rejected workers: %w", err)
	}
	for _, w := range losers {
		var amount int64
		err := tx.QueryRowContext(ctx, `
			UPDATE stakes SET status = 'released', released_at = NOW()
			WHERE job_id = $1 AND worker = $2 AND status = 'locked'
			RETURNING amount
		`, in.JobID, w).Scan(&amount)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return models.Opportunity{}, fmt.Errorf("release sibling stake: %w", err)
		}
		if err := creditAccount(ctx, tx, w, amount); err != nil {
			return models.Opportunity{}, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET developer = $2, state = 'pending_review', updated_at = NOW()
		WHERE job_id = $1 AND state = 'funded'
	`, in.JobID, winner.Worker)
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("move escrow to pending review: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return models.Opportunity{}, models.ErrEscrowInvalidState
	}

	opp, err = scanOpportunity(tx.QueryRowContext(ctx, `
		UPDATE opportunities SET status = 'assigned', assigned_worker = $2, updated_at = NOW()
		WHERE job_id = $1
		RETURNING `+opportunityColumns, in.JobID, winner.Worker))
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("assign opportunity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Opportunity{}, fmt.Errorf("commit accept: %w", err)
	}
	return opp, nil
}

func (s *PGStore) StartWork(ctx context.Context, jobID uuid.UUID) (models.Opportunity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	opp, err := scanOpportunity(tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Opportunity{}, ErrNotFound
		}
		return models.Opportunity{}, fmt.Errorf("lock opportunity: %w", err)
	}
	if !models.CanTransition(opp.Status, models.OpportunityInProgress) {
		return models.Opportunity{}, models.ErrInvalidOpportunityState
	}

	escrow, err := scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("lock escrow: %w", err)
	}
	if escrow.State != models.EscrowPendingReview || escrow.Amount != opp.BudgetNative {
		return models.Opportunity{}, models.ErrEscrowInvalidState
	}

	opp, err = scanOpportunity(tx.QueryRowContext(ctx, `
		UPDATE opportunities SET status = 'in_progress', updated_at = NOW()
		WHERE job_id = $1
		RETURNING `+opportunityColumns, jobID))
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("start work: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Opportunity{}, fmt.Errorf("commit start work: %w", err)
	}
	return opp, nil
}

// applyOutcome locks the worker's registry row, applies the terminal outcome
// and recomputes the derived fields inside the caller's transaction.
func applyOutcome(ctx context.Context, tx *sql.Tx, workerID string, success bool, earnings int64) (models.NodeRegistry, error) {
	reg, err := scanRegistry(tx.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM node_registries WHERE worker_id = $1 FOR UPDATE`, workerID))
	if err != nil {
		return models.NodeRegistry{}, fmt.Errorf("lock registry: %w", err)
	}
	reg.TotalEarningsNative += earnings
	if !success {
		reg.FailedJobs++
	}
	reputation.ApplyOutcome(&reg, success, time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE node_registries SET
			completed = $2, attempted = $3, tier = $4, stake_multiplier = $5,
			min_absolute_stake_usd = $6, max_job_size_usd = $7,
			reputation_score_bps = $8, total_earnings_native = $9,
			failed_jobs = $10, updated_at = NOW()
		WHERE worker_id = $1
	`, reg.WorkerID, reg.Completed, reg.Attempted, reg.Tier, reg.StakeMultiplier,
		reg.MinAbsoluteStakeUsd, reg.MaxJobSizeUsd, reg.ReputationScoreBps,
		reg.TotalEarningsNative, reg.FailedJobs); err != nil {
		return models.NodeRegistry{}, fmt.Errorf("update registry: %w", err)
	}
	return reg, nil
}

func (s *PGStore) ReleasePayment(ctx context.Context, in ReleasePaymentInput) (ReleaseResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	escrow, err := scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReleaseResult{}, ErrNotFound
		}
		return ReleaseResult{}, fmt.Errorf("lock escrow: %w", err)
	}
	if escrow.State != models.EscrowPendingReview {
		return ReleaseResult{}, models.ErrEscrowInvalidState
	}

	opp, err := scanOpportunity(tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("lock opportunity: %w", err)
	}
	if !models.CanTransition(opp.Status, models.OpportunityCompleted) {
		return ReleaseResult{}, models.ErrInvalidOpportunityState
	}

	stake, err := scanStake(tx.QueryRowContext(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE job_id = $1 AND worker = $2 FOR UPDATE`,
		in.JobID, escrow.Developer))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReleaseResult{}, models.ErrStakeNotLocked
		}
		return ReleaseResult{}, fmt.Errorf("lock stake: %w", err)
	}
	if stake.Status != models.StakeLocked {
		return ReleaseResult{}, models.ErrStakeNotLocked
	}

	total := in.Payments.Total()
	if total != escrow.Amount || escrow.Balance < total {
		return ReleaseResult{}, models.ErrInsufficientEscrowBalance
	}

	if err := creditAccount(ctx, tx, escrow.Developer, in.Payments.Developer+stake.Amount); err != nil {
		return ReleaseResult{}, err
	}
	if err := creditAccount(ctx, tx, escrow.Arbiter, in.Payments.Arbiter); err != nil {
		return ReleaseResult{}, err
	}
	if err := creditAccount(ctx, tx, escrow.PlatformWallet, in.Payments.Platform); err != nil {
		return ReleaseResult{}, err
	}

	escrow, err = scanEscrow(tx.QueryRowContext(ctx, `
		UPDATE escrows SET balance = balance - $2, state = 'completed', updated_at = NOW()
		WHERE job_id = $1
		RETURNING `+escrowColumns, in.JobID, total))
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("complete escrow: %w", err)
	}

	stake, err = scanStake(tx.QueryRowContext(ctx, `
		UPDATE stakes SET status = 'released', released_at = NOW()
		WHERE job_id = $1 AND worker = $2
		RETURNING `+stakeColumns, in.JobID, escrow.Developer))
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release stake: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE opportunities SET status = 'completed', updated_at = NOW() WHERE job_id = $1
	`, in.JobID); err != nil {
		return ReleaseResult{}, fmt.Errorf("complete opportunity: %w", err)
	}

	reg, err := applyOutcome(ctx, tx, escrow.Developer, true, in.Payments.Developer)
	if err != nil {
		return ReleaseResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, fmt.Errorf("commit release: %w", err)
	}
	return ReleaseResult{
		Escrow:        escrow,
		Stake:         stake,
		Registry:      reg,
		Payments:      in.Payments,
		StakeReturned: stake.Amount,
	}, nil
}

func (s *PGStore) RecordFailure(ctx context.Context, in RecordFailureInput) (models.Stake, models.NodeRegistry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	escrow, err := scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Stake{}, models.NodeRegistry{}, ErrNotFound
		}
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("lock escrow: %w", err)
	}
	if escrow.State != models.EscrowPendingReview {
		return models.Stake{}, models.NodeRegistry{}, models.ErrEscrowInvalidState
	}

	stake, err := scanStake(tx.QueryRowContext(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE job_id = $1 AND worker = $2 FOR UPDATE`,
		in.JobID, in.Worker))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Stake{}, models.NodeRegistry{}, ErrNotFound
		}
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("lock stake: %w", err)
	}
	if stake.Status != models.StakeLocked {
		return models.Stake{}, models.NodeRegistry{}, models.ErrStakeNotLocked
	}

	stake, err = scanStake(tx.QueryRowContext(ctx, `
		UPDATE stakes SET failure_count = failure_count + 1
		WHERE job_id = $1 AND worker = $2
		RETURNING `+stakeColumns, in.JobID, in.Worker))
	if err != nil {
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("record failure: %w", err)
	}

	reg, err := applyOutcome(ctx, tx, in.Worker, false, 0)
	if err != nil {
		return models.Stake{}, models.NodeRegistry{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Stake{}, models.NodeRegistry{}, fmt.Errorf("commit failure: %w", err)
	}
	return stake, reg, nil
}

func (s *PGStore) SlashStake(ctx context.Context, in SlashStakeInput) (SlashResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SlashResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	escrow, err := scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SlashResult{}, ErrNotFound
		}
		return SlashResult{}, fmt.Errorf("lock escrow: %w", err)
	}
	if escrow.State != models.EscrowPendingReview {
		return SlashResult{}, models.ErrEscrowInvalidState
	}

	opp, err := scanOpportunity(tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE job_id = $1 FOR UPDATE`, in.JobID))
	if err != nil {
		return SlashResult{}, fmt.Errorf("lock opportunity: %w", err)
	}
	if !models.CanTransition(opp.Status, models.OpportunityFailed) {
		return SlashResult{}, models.ErrInvalidOpportunityState
	}

	stake, err := scanStake(tx.QueryRowContext(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE job_id = $1 AND worker = $2 FOR UPDATE`,
		in.JobID, in.Worker))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SlashResult{}, ErrNotFound
		}
		return SlashResult{}, fmt.Errorf("lock stake: %w", err)
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

	refund := escrow.Amount + in.ToJob
	if err := creditAccount(ctx, tx, escrow.Client, refund); err != nil {
		return SlashResult{}, err
	}
	if err := creditAccount(ctx, tx, models.BurnAccountID, in.Burned); err != nil {
		return SlashResult{}, err
	}

	escrow, err = scanEscrow(tx.QueryRowContext(ctx, `
		UPDATE escrows SET balance = balance - $2, state = 'refunded', updated_at = NOW()
		WHERE job_id = $1
		RETURNING `+escrowColumns, in.JobID, escrow.Amount))
	if err != nil {
		return SlashResult{}, fmt.Errorf("refund escrow: %w", err)
	}

	stake, err = scanStake(tx.QueryRowContext(ctx, `
		UPDATE stakes SET status = 'slashed', released_at = NOW()
		WHERE job_id = $1 AND worker = $2
		RETURNING `+stakeColumns, in.JobID, in.Worker))
	if err != nil {
		return SlashResult{}, fmt.Errorf("slash stake: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE opportunities SET status = 'failed', updated_at = NOW() WHERE job_id = $1
	`, in.JobID); err != nil {
		return SlashResult{}, fmt.Errorf("fail opportunity: %w", err)
	}

	var event models.SlashEvent
	err = tx.QueryRowContext(ctx, `
		INSERT INTO slash_events (id, job_id, worker, slashed_amount, amount_to_job, amount_burned, reason, slashed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		RETURNING id, job_id, worker, slashed_amount, amount_to_job, amount_burned, reason, slashed_at
	`, uuid.New(), in.JobID, in.Worker, stake.Amount, in.ToJob, in.Burned, in.Reason).Scan(
		&event.ID, &event.JobID, &event.Worker, &event.SlashedAmount,
		&event.AmountToJob, &event.AmountBurned, &event.Reason, &event.SlashedAt)
	if err != nil {
		return SlashResult{}, fmt.Errorf("insert slash event: %w", err)
	}

	reg, err := applyOutcome(ctx, tx, in.Worker, false, 0)
	if err != nil {
		return SlashResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return SlashResult{}, fmt.Errorf("commit slash: %w", err)
	}
	return SlashResult{
		Event:            event,
		Escrow:           escrow,
		Stake:            stake,
		Registry:         reg,
		RefundedToClient: refund,
	}, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
