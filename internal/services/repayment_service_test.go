package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/harambeesacco/backend/internal/models"
)

func newRepaymentService(t *testing.T) (*RepaymentService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	service := NewRepaymentService(db, NewAccountingService(db), NewGuarantorService(db), NewNotificationService(nil))
	return service, mock, func() { db.Close() }
}

func expectLoanLock(mock sqlmock.Sqlmock, loanID, status, outstanding, principal, arrears, buffer string, version int) {
	mock.ExpectQuery("SELECT id, loan_number, member_id, product_id, principal, interest_rate, interest_method").
		WithArgs(loanID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "loan_number", "member_id", "product_id", "principal", "interest_rate", "interest_method",
			"duration_weeks", "grace_weeks", "status", "outstanding_principal", "outstanding_balance",
			"arrears_amount", "prepayment_buffer", "version",
		}).AddRow(loanID, "LN-001", "member-1", "prod-1", "10000", "12", "FLAT",
			10, 0, status, principal, outstanding, arrears, buffer, version))
}

func expectRepaymentPosting(mock sqlmock.Sqlmock, event, debitCode, creditCode string, amount decimal.Decimal) {
	mock.ExpectQuery("SELECT debit_code, credit_code FROM gl_event_mappings").
		WithArgs(event).
		WillReturnRows(sqlmock.NewRows([]string{"debit_code", "credit_code"}).AddRow(debitCode, creditCode))

	first, second := debitCode, creditCode
	if debitCode > creditCode {
		first, second = creditCode, debitCode
	}
	for _, code := range []string{first, second} {
		acctType := "ASSET"
		if code >= "4000" {
			acctType = "INCOME"
		}
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts").
			WithArgs(code).
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow(code, "Account "+code, acctType, "100000", true, 1))
	}

	mock.ExpectExec("INSERT INTO journal_entries").
		WithArgs(sqlmock.AnyArg(), event, sqlmock.AnyArg(), sqlmock.AnyArg(), amount, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO journal_lines").
		WithArgs(sqlmock.AnyArg(), debitCode, "DEBIT", amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO journal_lines").
		WithArgs(sqlmock.AnyArg(), creditCode, "CREDIT", amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE gl_accounts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE gl_accounts").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

var scheduleColumns = []string{"id", "sequence", "due_date", "principal", "interest", "total", "paid_amount", "status"}

func TestRepaymentService_Repay(t *testing.T) {
	ctx := context.Background()
	nextWeek := time.Now().AddDate(0, 0, 7)
	lastWeek := time.Now().AddDate(0, 0, -7)

	t.Run("payment settles earliest installment and splits principal and interest", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-1", models.LoanActive, "10000", "9000", "0", "0", 5)

		mock.ExpectQuery("SELECT id, sequence, due_date, principal, interest, total, paid_amount, status FROM loan_schedule").
			WithArgs("loan-1", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(scheduleColumns).
				AddRow(1, 1, nextWeek, "500", "100", "600", "0", models.InstallmentPending).
				AddRow(2, 2, nextWeek.AddDate(0, 0, 7), "500", "100", "600", "0", models.InstallmentPending))

		mock.ExpectExec("UPDATE loan_schedule SET paid_amount = \\$1, status = \\$2").
			WithArgs(decimal.NewFromInt(600), models.InstallmentPaid, sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE loans SET outstanding_balance").
			WithArgs(decimal.NewFromInt(9400), decimal.NewFromInt(8500), decimal.Zero,
				decimal.Zero, models.LoanActive, sqlmock.AnyArg(), "loan-1", 5).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectRepaymentPosting(mock, models.EventLoanRepaymentPrincipal, "1002", "1200", decimal.NewFromInt(500))
		expectRepaymentPosting(mock, models.EventLoanRepaymentInterest, "1002", "4002", decimal.NewFromInt(100))

		mock.ExpectCommit()

		result, err := service.Repay(ctx, "loan-1", "RCPT-001", "treasurer-1", decimal.NewFromInt(600))
		assert.NoError(t, err)
		assert.True(t, result.PrincipalPaid.Equal(decimal.NewFromInt(500)))
		assert.True(t, result.InterestPaid.Equal(decimal.NewFromInt(100)))
		assert.True(t, result.NewBuffer.IsZero())
		assert.Equal(t, models.LoanActive, result.NewStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("arrears drain before installments and overpayment buffers", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-2", models.LoanInArrears, "10000", "9000", "500", "200", 3)

		mock.ExpectQuery("SELECT id, sequence, due_date, principal, interest, total, paid_amount, status FROM loan_schedule").
			WithArgs("loan-2", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(scheduleColumns).
				AddRow(1, 1, nextWeek, "500", "100", "600", "0", models.InstallmentPending))

		// pot = 1000 + 200 buffer; 500 to arrears, 600 to the installment, 100 left over
		mock.ExpectExec("UPDATE loan_schedule SET paid_amount = \\$1, status = \\$2").
			WithArgs(decimal.NewFromInt(600), models.InstallmentPaid, sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE loans SET outstanding_balance").
			WithArgs(decimal.NewFromInt(9000), decimal.NewFromInt(8500), decimal.Zero,
				decimal.NewFromInt(100), models.LoanActive, sqlmock.AnyArg(), "loan-2", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// no installment is overdue, so the arrears slice is all income
		expectRepaymentPosting(mock, models.EventLoanRepaymentPrincipal, "1002", "1200", decimal.NewFromInt(500))
		expectRepaymentPosting(mock, models.EventLoanRepaymentInterest, "1002", "4002", decimal.NewFromInt(600))

		mock.ExpectCommit()

		result, err := service.Repay(ctx, "loan-2", "RCPT-002", "treasurer-1", decimal.NewFromInt(1000))
		assert.NoError(t, err)
		assert.True(t, result.ArrearsPaid.Equal(decimal.NewFromInt(500)))
		assert.True(t, result.NewBuffer.Equal(decimal.NewFromInt(100)), "buffer %s", result.NewBuffer)
		assert.Equal(t, models.LoanActive, result.NewStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overpayment buffers instead of reaching the next installment", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-6", models.LoanActive, "10000", "9000", "0", "0", 2)

		mock.ExpectQuery("SELECT id, sequence, due_date, principal, interest, total, paid_amount, status FROM loan_schedule").
			WithArgs("loan-6", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(scheduleColumns).
				AddRow(1, 1, nextWeek, "800", "200", "1000", "0", models.InstallmentPending).
				AddRow(2, 2, nextWeek.AddDate(0, 0, 7), "800", "200", "1000", "0", models.InstallmentPending))

		// 1500 against a 1000 installment: settle it, bank 500, leave the
		// second installment alone
		mock.ExpectExec("UPDATE loan_schedule SET paid_amount = \\$1, status = \\$2").
			WithArgs(decimal.NewFromInt(1000), models.InstallmentPaid, sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE loans SET outstanding_balance").
			WithArgs(decimal.NewFromInt(8500), decimal.NewFromInt(8200), decimal.Zero,
				decimal.NewFromInt(500), models.LoanActive, sqlmock.AnyArg(), "loan-6", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectRepaymentPosting(mock, models.EventLoanRepaymentPrincipal, "1002", "1200", decimal.NewFromInt(800))
		expectRepaymentPosting(mock, models.EventLoanRepaymentInterest, "1002", "4002", decimal.NewFromInt(200))

		mock.ExpectCommit()

		result, err := service.Repay(ctx, "loan-6", "RCPT-006", "treasurer-1", decimal.NewFromInt(1500))
		assert.NoError(t, err)
		assert.True(t, result.NewBuffer.Equal(decimal.NewFromInt(500)), "buffer %s", result.NewBuffer)
		assert.True(t, result.PrincipalPaid.Equal(decimal.NewFromInt(800)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("arrears payment credits loans receivable for overdue principal", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-7", models.LoanInArrears, "10000", "9000", "600", "0", 6)

		mock.ExpectQuery("SELECT id, sequence, due_date, principal, interest, total, paid_amount, status FROM loan_schedule").
			WithArgs("loan-7", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(scheduleColumns).
				AddRow(1, 1, lastWeek, "500", "100", "600", "0", models.InstallmentPending))

		// arrears of 600 sit on an overdue installment built 500/100, so the
		// postings split the same way
		mock.ExpectExec("UPDATE loans SET outstanding_balance").
			WithArgs(decimal.NewFromInt(9400), decimal.NewFromInt(8500), decimal.Zero,
				decimal.Zero, models.LoanActive, sqlmock.AnyArg(), "loan-7", 6).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectRepaymentPosting(mock, models.EventLoanRepaymentPrincipal, "1002", "1200", decimal.NewFromInt(500))
		expectRepaymentPosting(mock, models.EventLoanRepaymentInterest, "1002", "4002", decimal.NewFromInt(100))

		mock.ExpectCommit()

		result, err := service.Repay(ctx, "loan-7", "RCPT-007", "treasurer-1", decimal.NewFromInt(600))
		assert.NoError(t, err)
		assert.True(t, result.ArrearsPaid.Equal(decimal.NewFromInt(600)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("final payment closes the loan and releases guarantors", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-3", models.LoanActive, "600", "500", "0", "0", 9)

		mock.ExpectQuery("SELECT id, sequence, due_date, principal, interest, total, paid_amount, status FROM loan_schedule").
			WithArgs("loan-3", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(scheduleColumns).
				AddRow(10, 10, nextWeek, "500", "100", "600", "0", models.InstallmentPending))

		mock.ExpectExec("UPDATE loan_schedule SET paid_amount = \\$1, status = \\$2").
			WithArgs(decimal.NewFromInt(600), models.InstallmentPaid, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// guarantor release
		mock.ExpectQuery("SELECT id, member_id, guaranteed_amount FROM guarantors").
			WithArgs("loan-3", models.GuarantorAccepted).
			WillReturnRows(sqlmock.NewRows([]string{"id", "member_id", "guaranteed_amount"}).
				AddRow("g-1", "member-9", "300"))
		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts").
			WithArgs("member-9").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow("member-9", "5000", "300", 1))
		mock.ExpectExec("UPDATE savings_accounts SET locked_amount = \\$1").
			WithArgs(decimal.Zero, sqlmock.AnyArg(), "member-9", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE guarantors SET status = \\$1").
			WithArgs(models.GuarantorReleased, sqlmock.AnyArg(), "g-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE loans SET outstanding_balance").
			WithArgs(decimal.Zero, decimal.Zero, decimal.Zero,
				decimal.Zero, models.LoanClosed, sqlmock.AnyArg(), "loan-3", 9).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectRepaymentPosting(mock, models.EventLoanRepaymentPrincipal, "1002", "1200", decimal.NewFromInt(500))
		expectRepaymentPosting(mock, models.EventLoanRepaymentInterest, "1002", "4002", decimal.NewFromInt(100))

		mock.ExpectCommit()

		result, err := service.Repay(ctx, "loan-3", "RCPT-003", "treasurer-1", decimal.NewFromInt(600))
		assert.NoError(t, err)
		assert.Equal(t, models.LoanClosed, result.NewStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repayment on a non-servicing loan is rejected", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		mock.ExpectBegin()
		expectLoanLock(mock, "loan-4", models.LoanVotingOpen, "0", "0", "0", "0", 1)
		mock.ExpectRollback()

		_, err := service.Repay(ctx, "loan-4", "RCPT-004", "treasurer-1", decimal.NewFromInt(100))
		var state *StateError
		assert.ErrorAs(t, err, &state)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount never reaches the database", func(t *testing.T) {
		service, mock, done := newRepaymentService(t)
		defer done()

		_, err := service.Repay(ctx, "loan-5", "RCPT-005", "treasurer-1", decimal.Zero)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeriveLoanStatus(t *testing.T) {
	cases := []struct {
		name        string
		outstanding string
		arrears     string
		want        string
	}{
		{"cleared", "0", "0", models.LoanClosed},
		{"overpaid", "-50", "0", models.LoanClosed},
		{"behind", "5000", "200", models.LoanInArrears},
		{"current", "5000", "0", models.LoanActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveLoanStatus(decimal.RequireFromString(tc.outstanding), decimal.RequireFromString(tc.arrears))
			assert.Equal(t, tc.want, got)
		})
	}
}
