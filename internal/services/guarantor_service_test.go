package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGuarantorService_LockFundsTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewGuarantorService(db)

	t.Run("lock within free savings", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts WHERE member_id = \\$1 FOR UPDATE").
			WithArgs("member-1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow("member-1", "20000", "5000", 2))

		mock.ExpectExec("UPDATE savings_accounts SET locked_amount = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE member_id = \\$3 AND version = \\$4").
			WithArgs(decimal.NewFromInt(13000), sqlmock.AnyArg(), "member-1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.LockFundsTx(tx, "member-1", decimal.NewFromInt(8000))
		assert.NoError(t, err)
	})

	t.Run("lock beyond free savings reports shortfall", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts").
			WithArgs("member-1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow("member-1", "20000", "18000", 2))

		err := service.LockFundsTx(tx, "member-1", decimal.NewFromInt(8000))
		var shortfall *ShortfallError
		assert.ErrorAs(t, err, &shortfall)
		assert.True(t, shortfall.Available.Equal(decimal.NewFromInt(2000)))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuarantorService_UnlockFundsTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewGuarantorService(db)

	t.Run("unlock reduces locked amount", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts").
			WithArgs("member-1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow("member-1", "20000", "13000", 3))

		mock.ExpectExec("UPDATE savings_accounts SET locked_amount = \\$1").
			WithArgs(decimal.NewFromInt(5000), sqlmock.AnyArg(), "member-1", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, service.UnlockFundsTx(tx, "member-1", decimal.NewFromInt(8000)))
	})

	t.Run("over-unlock floors at zero", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts").
			WithArgs("member-1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow("member-1", "20000", "3000", 4))

		mock.ExpectExec("UPDATE savings_accounts SET locked_amount = \\$1").
			WithArgs(decimal.Zero, sqlmock.AnyArg(), "member-1", 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, service.UnlockFundsTx(tx, "member-1", decimal.NewFromInt(8000)))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuarantorService_FreeMargin(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewGuarantorService(db)

	mock.ExpectQuery("SELECT balance, locked_amount FROM savings_accounts WHERE member_id = \\$1").
		WithArgs("member-2").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "locked_amount"}).
			AddRow("15000", "6000"))
	// 2000 pledged on a loan still moving toward disbursement
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(g.guaranteed_amount\\), 0\\) FROM guarantors g JOIN loans l").
		WithArgs("member-2", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("2000"))

	margin, err := service.FreeMargin(context.Background(), "member-2")
	assert.NoError(t, err)
	assert.True(t, margin.Equal(decimal.NewFromInt(7000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuarantorService_LockLoanTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewGuarantorService(db)

	mock.ExpectBegin()
	tx, _ := db.Begin()

	mock.ExpectQuery("SELECT member_id, guaranteed_amount FROM guarantors WHERE loan_id = \\$1 AND status = \\$2").
		WithArgs("loan-1", "ACCEPTED").
		WillReturnRows(sqlmock.NewRows([]string{"member_id", "guaranteed_amount"}).
			AddRow("member-1", "6000").
			AddRow("member-2", "4000"))

	for _, c := range []struct {
		member    string
		locked    string
		newLocked int64
	}{
		{"member-1", "0", 6000},
		{"member-2", "1000", 5000},
	} {
		mock.ExpectQuery("SELECT member_id, balance, locked_amount, version FROM savings_accounts").
			WithArgs(c.member).
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "balance", "locked_amount", "version"}).
				AddRow(c.member, "20000", c.locked, 1))
		mock.ExpectExec("UPDATE savings_accounts SET locked_amount = \\$1").
			WithArgs(decimal.NewFromInt(c.newLocked), sqlmock.AnyArg(), c.member, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	total, err := service.LockLoanTx(tx, "loan-1")
	assert.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(10000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
