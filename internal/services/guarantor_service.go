package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// GuarantorService tracks guarantee commitments against member savings.
// A lock never moves money; it raises locked_amount on the guarantor's
// savings account so the margin available for withdrawals and further
// guarantees shrinks by the committed amount.
type GuarantorService struct {
	db *sql.DB
}

func NewGuarantorService(db *sql.DB) *GuarantorService {
	return &GuarantorService{db: db}
}

// LockFundsTx raises the guarantor's locked amount inside the caller's
// transaction. Fails with a ShortfallError when free savings cannot cover
// the commitment.
func (s *GuarantorService) LockFundsTx(tx *sql.Tx, memberID string, amount decimal.Decimal) error {
	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return err
	}

	free := account.Balance.Sub(account.LockedAmount)
	if free.LessThan(amount) {
		return &ShortfallError{What: "guarantor free savings", Requested: amount, Available: free}
	}

	return s.updateLocked(tx, memberID, account.LockedAmount.Add(amount), account.Version)
}

// LockLoanTx locks every accepted guarantee on a loan and returns the total
// committed. Runs exactly once per loan, at disbursement; acceptance only
// checks margin.
func (s *GuarantorService) LockLoanTx(tx *sql.Tx, loanID string) (decimal.Decimal, error) {
	rows, err := tx.Query(`
		SELECT member_id, guaranteed_amount
		FROM guarantors
		WHERE loan_id = $1 AND status = $2`, loanID, models.GuarantorAccepted)
	if err != nil {
		return decimal.Zero, err
	}

	type commitment struct {
		memberID string
		amount   decimal.Decimal
	}
	var commitments []commitment
	for rows.Next() {
		var c commitment
		if err := rows.Scan(&c.memberID, &c.amount); err != nil {
			rows.Close()
			return decimal.Zero, err
		}
		commitments = append(commitments, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, c := range commitments {
		if err := s.LockFundsTx(tx, c.memberID, c.amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(c.amount)
	}
	return total, nil
}

// UnlockFundsTx lowers the guarantor's locked amount, flooring at zero so a
// repeated release cannot drive the lock negative.
func (s *GuarantorService) UnlockFundsTx(tx *sql.Tx, memberID string, amount decimal.Decimal) error {
	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return err
	}

	newLocked := account.LockedAmount.Sub(amount)
	if newLocked.IsNegative() {
		log.Printf("[GUARANTOR] unlock of %s for member %s exceeds locked %s, flooring at zero",
			amount, memberID, account.LockedAmount)
		newLocked = decimal.Zero
	}

	return s.updateLocked(tx, memberID, newLocked, account.Version)
}

// ReleaseLoanTx unlocks every accepted guarantee on a loan and marks the
// guarantor rows released. Called when a loan closes or is written off.
func (s *GuarantorService) ReleaseLoanTx(tx *sql.Tx, loanID string) error {
	rows, err := tx.Query(`
		SELECT id, member_id, guaranteed_amount
		FROM guarantors
		WHERE loan_id = $1 AND status = $2`, loanID, models.GuarantorAccepted)
	if err != nil {
		return err
	}

	type release struct {
		id       string
		memberID string
		amount   decimal.Decimal
	}
	var releases []release
	for rows.Next() {
		var r release
		if err := rows.Scan(&r.id, &r.memberID, &r.amount); err != nil {
			rows.Close()
			return err
		}
		releases = append(releases, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range releases {
		if err := s.UnlockFundsTx(tx, r.memberID, r.amount); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE guarantors SET status = $1, date_responded = $2 WHERE id = $3`,
			models.GuarantorReleased, time.Now(), r.id); err != nil {
			return err
		}
	}
	return nil
}

// FreeMargin is the savings a member can still commit: balance minus locked
// funds minus guarantees pledged on loans that have not yet disbursed (those
// are not in locked_amount until disbursement locks them).
func (s *GuarantorService) FreeMargin(ctx context.Context, memberID string) (decimal.Decimal, error) {
	var balance, locked decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, locked_amount FROM savings_accounts WHERE member_id = $1`,
		memberID).Scan(&balance, &locked)
	if err == sql.ErrNoRows {
		return decimal.Zero, notFound("savings account", memberID)
	}
	if err != nil {
		return decimal.Zero, err
	}

	var pledged decimal.Decimal
	err = s.db.QueryRowContext(ctx, pledgedQuery, memberID, pq.Array(inFlightStatuses)).Scan(&pledged)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(locked).Sub(pledged), nil
}

const pledgedQuery = `
	SELECT COALESCE(SUM(g.guaranteed_amount), 0)
	FROM guarantors g
	JOIN loans l ON l.id = g.loan_id
	WHERE g.member_id = $1 AND g.status = 'ACCEPTED' AND l.status = ANY($2)`

// FreeMarginTx is FreeMargin inside the caller's transaction, with the
// savings row held FOR UPDATE so concurrent acceptances serialize.
func (s *GuarantorService) FreeMarginTx(tx *sql.Tx, memberID string) (decimal.Decimal, error) {
	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	var pledged decimal.Decimal
	if err := tx.QueryRow(pledgedQuery, memberID, pq.Array(inFlightStatuses)).Scan(&pledged); err != nil {
		return decimal.Zero, err
	}
	return account.Balance.Sub(account.LockedAmount).Sub(pledged), nil
}

// ListByLoan returns all guarantor rows on a loan.
func (s *GuarantorService) ListByLoan(ctx context.Context, loanID string) ([]models.Guarantor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, member_id, guaranteed_amount, status, date_requested, date_responded
		FROM guarantors WHERE loan_id = $1 ORDER BY date_requested`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guarantors []models.Guarantor
	for rows.Next() {
		var g models.Guarantor
		if err := rows.Scan(&g.ID, &g.LoanID, &g.MemberID, &g.GuaranteedAmount, &g.Status, &g.DateRequested, &g.DateResponded); err != nil {
			return nil, err
		}
		guarantors = append(guarantors, g)
	}
	return guarantors, rows.Err()
}

func (s *GuarantorService) lockSavings(tx *sql.Tx, memberID string) (*models.SavingsAccount, error) {
	var account models.SavingsAccount
	err := tx.QueryRow(`
		SELECT member_id, balance, locked_amount, version
		FROM savings_accounts
		WHERE member_id = $1
		FOR UPDATE`, memberID).
		Scan(&account.MemberID, &account.Balance, &account.LockedAmount, &account.Version)
	if err == sql.ErrNoRows {
		return nil, notFound("savings account", memberID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *GuarantorService) updateLocked(tx *sql.Tx, memberID string, newLocked decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE savings_accounts
		SET locked_amount = $1, version = version + 1, updated_at = $2
		WHERE member_id = $3 AND version = $4`,
		newLocked, time.Now(), memberID, version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for savings account %s", memberID)
	}
	return nil
}
