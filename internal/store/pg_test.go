package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open stub database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGDeposit(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs("acct-1", int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("acct-1", int64(1500)))

	acct, err := st.Deposit(context.Background(), "acct-1", 500)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if acct.Balance != 1500 {
		t.Fatalf("balance = %d, want 1500", acct.Balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGDepositRejectsNonPositive(t *testing.T) {
	st, _ := newMockStore(t)
	if _, err := st.Deposit(context.Background(), "acct-1", 0); !errors.Is(err, models.ErrInvalidAmount) {
		t.Fatalf("zero deposit should be rejected, got %v", err)
	}
}

func TestPGGetAccountNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, balance FROM accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account should map to ErrNotFound, got %v", err)
	}
}

func TestPGStartWorkWrongState(t *testing.T) {
	st, mock := newMockStore(t)
	jobID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM opportunities WHERE job_id").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "budget_native", "budget_usd_cents", "status", "assigned_worker", "created_at", "updated_at",
		}).AddRow(jobID, int64(1000), int64(1000), "open", nil, now, now))
	mock.ExpectRollback()

	if _, err := st.StartWork(context.Background(), jobID); !errors.Is(err, models.ErrInvalidOpportunityState) {
		t.Fatalf("start on open opportunity should conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSlashBelowThreshold(t *testing.T) {
	st, mock := newMockStore(t)
	jobID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM escrows WHERE job_id").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "client", "developer", "arbiter", "platform_wallet", "amount",
			"developer_split_bps", "arbiter_split_bps", "platform_split_bps", "minimum_platform_fee",
			"balance", "state", "created_at", "updated_at",
		}).AddRow(jobID, "client-1", "worker-1", "arbiter-1", "platform-1", int64(1000),
			int64(8500), int64(500), int64(1000), int64(0),
			int64(1000), "pending_review", now, now))
	mock.ExpectQuery("SELECT (.+) FROM opportunities WHERE job_id").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "budget_native", "budget_usd_cents", "status", "assigned_worker", "created_at", "updated_at",
		}).AddRow(jobID, int64(1000), int64(1000), "assigned", "worker-1", now, now))
	mock.ExpectQuery("SELECT (.+) FROM stakes WHERE job_id").
		WithArgs(jobID, "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "worker", "amount", "bid_amount", "multiplier_applied", "status", "failure_count", "locked_at", "released_at",
		}).AddRow(jobID, "worker-1", int64(500), int64(100), 5.0, "locked", 2, now, nil))
	mock.ExpectRollback()

	_, err := st.SlashStake(context.Background(), SlashStakeInput{
		JobID:  jobID,
		Worker: "worker-1",
		ToJob:  250,
		Burned: 250,
	})
	if !errors.Is(err, models.ErrSlashConditionsNotMet) {
		t.Fatalf("slash below threshold should be refused, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
