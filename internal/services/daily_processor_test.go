package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/harambeesacco/backend/internal/models"
)

func newDailyProcessor(t *testing.T) (*DailyProcessor, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	p := NewDailyProcessor(db, NewAccountingService(db), NewSettingsService(db), NewNotificationService(nil))
	return p, mock, func() { db.Close() }
}

func TestDailyProcessor_ProcessLoan(t *testing.T) {
	ctx := context.Background()

	t.Run("current loan accrues one day of interest", func(t *testing.T) {
		p, mock, done := newDailyProcessor(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-1", models.LoanActive, "10000", "9000", "0", "0", 2)

		// 9000 * 12% / 365 = 2.96
		expectRepaymentPosting(mock, models.EventInterestAccrual, "1210", "4002", decimal.RequireFromString("2.96"))

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total - paid_amount\\), 0\\) FROM loan_schedule").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0"))

		mock.ExpectExec("UPDATE loans SET outstanding_balance = \\$1, arrears_amount = \\$2, status = \\$3").
			WithArgs(decimal.RequireFromString("10002.96"), decimal.Zero, models.LoanActive,
				sqlmock.AnyArg(), "loan-1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		assert.NoError(t, p.ProcessLoan(ctx, "loan-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overdue installments become arrears with penalty", func(t *testing.T) {
		p, mock, done := newDailyProcessor(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-2", models.LoanActive, "10000", "9000", "0", "0", 4)

		expectRepaymentPosting(mock, models.EventInterestAccrual, "1210", "4002", decimal.RequireFromString("2.96"))

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total - paid_amount\\), 0\\) FROM loan_schedule").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("600"))

		mock.ExpectQuery("SELECT penalty_rate FROM loan_products").
			WithArgs("prod-1").
			WillReturnRows(sqlmock.NewRows([]string{"penalty_rate"}).AddRow("0.5"))

		// 600 * 0.5% = 3; the penalty grows the balance but arrears stay the
		// overdue installment dues
		expectRepaymentPosting(mock, models.EventPenaltyApplied, "1210", "4004", decimal.NewFromInt(3))

		mock.ExpectExec("UPDATE loans SET outstanding_balance = \\$1, arrears_amount = \\$2, status = \\$3").
			WithArgs(decimal.RequireFromString("10005.96"), decimal.NewFromInt(600), models.LoanInArrears,
				sqlmock.AnyArg(), "loan-2", 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		assert.NoError(t, p.ProcessLoan(ctx, "loan-2"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loan no longer servicing is skipped", func(t *testing.T) {
		p, mock, done := newDailyProcessor(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-3", models.LoanClosed, "0", "0", "0", "0", 8)
		mock.ExpectCommit()

		assert.NoError(t, p.ProcessLoan(ctx, "loan-3"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDailyProcessor_Run_IsolatesFailures(t *testing.T) {
	p, mock, done := newDailyProcessor(t)
	defer done()

	mock.ExpectQuery("SELECT id FROM loans WHERE status = ANY\\(\\$1\\)").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("loan-a").AddRow("loan-b"))

	// loan-a blows up on lock
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, loan_number, member_id, product_id, principal, interest_rate, interest_method").
		WithArgs("loan-a").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	// loan-b sails through (zero principal, nothing overdue)
	mock.ExpectBegin()
	expectLoanLock(mock, "loan-b", models.LoanActive, "100", "0", "0", "0", 1)
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total - paid_amount\\), 0\\) FROM loan_schedule").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0"))
	mock.ExpectExec("UPDATE loans SET outstanding_balance = \\$1, arrears_amount = \\$2, status = \\$3").
		WithArgs(decimal.NewFromInt(100), decimal.Zero, models.LoanActive, sqlmock.AnyArg(), "loan-b", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	processed, failed := p.Run(context.Background())
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
