package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/harambeesacco/backend/internal/models"
)

func TestAccountingService_PostEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountingService(db)

	t.Run("disbursement posts balanced entry", func(t *testing.T) {
		amount := decimal.NewFromInt(50000)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT debit_code, credit_code FROM gl_event_mappings WHERE event_name = \\$1").
			WithArgs(models.EventLoanDisbursement).
			WillReturnRows(sqlmock.NewRows([]string{"debit_code", "credit_code"}).
				AddRow("1200", "1002"))

		// 1002 sorts before 1200, so the credit side locks first
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1002").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1002", "Mpesa/Bank Liquidity", "ASSET", "200000", true, 3))

		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1200").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1200", "Loans Receivable", "ASSET", "80000", true, 7))

		mock.ExpectExec("INSERT INTO journal_entries").
			WithArgs(sqlmock.AnyArg(), models.EventLoanDisbursement, "LN-2026-0001", "Disbursement of loan LN-2026-0001", amount, "treasurer-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// debit grows the asset, credit shrinks it
		mock.ExpectExec("INSERT INTO journal_lines").
			WithArgs(sqlmock.AnyArg(), "1200", "DEBIT", amount, decimal.NewFromInt(130000)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO journal_lines").
			WithArgs(sqlmock.AnyArg(), "1002", "CREDIT", amount, decimal.NewFromInt(150000)).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE gl_accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE code = \\$3 AND version = \\$4").
			WithArgs(decimal.NewFromInt(130000), sqlmock.AnyArg(), "1200", 7).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE gl_accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE code = \\$3 AND version = \\$4").
			WithArgs(decimal.NewFromInt(150000), sqlmock.AnyArg(), "1002", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		entryID, err := service.PostEvent(context.Background(), models.EventLoanDisbursement,
			"LN-2026-0001", "Disbursement of loan LN-2026-0001", "treasurer-1", amount)
		assert.NoError(t, err)
		assert.NotEmpty(t, entryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient liquidity aborts posting", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT debit_code, credit_code FROM gl_event_mappings WHERE event_name = \\$1").
			WithArgs(models.EventLoanDisbursement).
			WillReturnRows(sqlmock.NewRows([]string{"debit_code", "credit_code"}).
				AddRow("1200", "1002"))
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1002").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1002", "Mpesa/Bank Liquidity", "ASSET", "30000", true, 3))
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1200").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1200", "Loans Receivable", "ASSET", "80000", true, 7))
		mock.ExpectRollback()

		_, err := service.PostEvent(context.Background(), models.EventLoanDisbursement,
			"LN-2026-0002", "", "treasurer-1", decimal.NewFromInt(50000))
		assert.Error(t, err)
		var shortfall *ShortfallError
		assert.ErrorAs(t, err, &shortfall)
		assert.True(t, shortfall.Available.Equal(decimal.NewFromInt(30000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unmapped event rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT debit_code, credit_code FROM gl_event_mappings WHERE event_name = \\$1").
			WithArgs("NO_SUCH_EVENT").
			WillReturnRows(sqlmock.NewRows([]string{"debit_code", "credit_code"}))
		mock.ExpectRollback()

		_, err := service.PostEvent(context.Background(), "NO_SUCH_EVENT", "ref", "", "tester", decimal.NewFromInt(10))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no ledger mapping")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero amount rejected before any write", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.PostEvent(context.Background(), models.EventSavingsDeposit, "ref", "", "tester", decimal.Zero)
		assert.Error(t, err)
		var rule *RuleError
		assert.ErrorAs(t, err, &rule)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive account aborts posting", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT debit_code, credit_code FROM gl_event_mappings WHERE event_name = \\$1").
			WithArgs(models.EventSavingsDeposit).
			WillReturnRows(sqlmock.NewRows([]string{"debit_code", "credit_code"}).
				AddRow("1002", "2001"))
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1002").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1002", "Mpesa/Bank Liquidity", "ASSET", "200000", false, 3))
		mock.ExpectRollback()

		_, err := service.PostEvent(context.Background(), models.EventSavingsDeposit, "ref", "", "tester", decimal.NewFromInt(100))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "inactive")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountingService_PostManualJournalEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountingService(db)

	t.Run("unbalanced entry rejected without touching the database", func(t *testing.T) {
		req := &models.ManualJournalRequest{
			Reference:   "ADJ-001",
			Description: "Bad adjustment",
			Lines: []models.ManualJournalLine{
				{AccountCode: "1001", Direction: "DEBIT", Amount: decimal.NewFromInt(500)},
				{AccountCode: "2001", Direction: "CREDIT", Amount: decimal.NewFromInt(400)},
			},
		}

		_, err := service.PostManualJournalEntry(context.Background(), req, "treasurer-1")
		assert.ErrorIs(t, err, ErrUnbalancedEntry)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balanced entry posts all lines", func(t *testing.T) {
		req := &models.ManualJournalRequest{
			Reference:   "ADJ-002",
			Description: "Cash to bank",
			Lines: []models.ManualJournalLine{
				{AccountCode: "1010", Direction: "DEBIT", Amount: decimal.NewFromInt(1000)},
				{AccountCode: "1001", Direction: "CREDIT", Amount: decimal.NewFromInt(1000)},
			},
		}

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1001").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1001", "Cash at Hand", "ASSET", "5000", true, 1))
		mock.ExpectQuery("SELECT code, name, type, balance, active, version FROM gl_accounts WHERE code = \\$1 FOR UPDATE").
			WithArgs("1010").
			WillReturnRows(sqlmock.NewRows([]string{"code", "name", "type", "balance", "active", "version"}).
				AddRow("1010", "Bank Account", "ASSET", "20000", true, 1))

		mock.ExpectExec("INSERT INTO journal_entries").
			WithArgs(sqlmock.AnyArg(), "MANUAL_JOURNAL", "ADJ-002", "Cash to bank", decimal.NewFromInt(1000), "treasurer-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO journal_lines").
			WithArgs(sqlmock.AnyArg(), "1010", "DEBIT", decimal.NewFromInt(1000), decimal.NewFromInt(21000)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO journal_lines").
			WithArgs(sqlmock.AnyArg(), "1001", "CREDIT", decimal.NewFromInt(1000), decimal.NewFromInt(4000)).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE gl_accounts").
			WithArgs(decimal.NewFromInt(4000), sqlmock.AnyArg(), "1001", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE gl_accounts").
			WithArgs(decimal.NewFromInt(21000), sqlmock.AnyArg(), "1010", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		entryID, err := service.PostManualJournalEntry(context.Background(), req, "treasurer-1")
		assert.NoError(t, err)
		assert.NotEmpty(t, entryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountingService_ValidateMappings(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountingService(db)

	t.Run("mapping to unknown account fails", func(t *testing.T) {
		mock.ExpectQuery("SELECT m.event_name").
			WillReturnRows(sqlmock.NewRows([]string{"event_name", "debit_code", "credit_code", "debit_ok", "credit_ok"}).
				AddRow("LOAN_DISBURSEMENT", "1200", "1002", true, true).
				AddRow("PENALTY_APPLIED", "9999", "4004", false, true))

		err := service.ValidateMappings(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "9999")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all mappings valid", func(t *testing.T) {
		mock.ExpectQuery("SELECT m.event_name").
			WillReturnRows(sqlmock.NewRows([]string{"event_name", "debit_code", "credit_code", "debit_ok", "credit_ok"}).
				AddRow("LOAN_DISBURSEMENT", "1200", "1002", true, true))

		assert.NoError(t, service.ValidateMappings(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestApplySigned(t *testing.T) {
	hundred := decimal.NewFromInt(100)
	ten := decimal.NewFromInt(10)

	cases := []struct {
		accountType string
		direction   string
		want        int64
	}{
		{"ASSET", "DEBIT", 110},
		{"ASSET", "CREDIT", 90},
		{"EXPENSE", "DEBIT", 110},
		{"EXPENSE", "CREDIT", 90},
		{"LIABILITY", "DEBIT", 90},
		{"LIABILITY", "CREDIT", 110},
		{"EQUITY", "CREDIT", 110},
		{"INCOME", "DEBIT", 90},
		{"INCOME", "CREDIT", 110},
	}

	for _, tc := range cases {
		t.Run(tc.accountType+"_"+tc.direction, func(t *testing.T) {
			got := applySigned(tc.accountType, tc.direction, hundred, ten)
			assert.True(t, got.Equal(decimal.NewFromInt(tc.want)), "got %s", got)
		})
	}
}

func TestAccountingService_GetAccountBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountingService(db)

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM gl_accounts WHERE code = \\$1").
			WithArgs("1200").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("130000"))

		balance, err := service.GetAccountBalance(context.Background(), "1200")
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(130000)))
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM gl_accounts WHERE code = \\$1").
			WithArgs("0000").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := service.GetAccountBalance(context.Background(), "0000")
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}
