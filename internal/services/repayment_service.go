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

// RepaymentService applies member payments to loans. A payment is pooled
// with any prepayment buffer and run down a waterfall: arrears first, then
// the earliest open installment, with whatever is left carried forward as
// the new buffer. Future periods are never prepaid; an installment only
// counts as paid when its own due date has been earned. The aggregate
// outstanding balance only drops by the cash actually received, never by
// the recycled buffer.
type RepaymentService struct {
	db            *sql.DB
	accounting    *AccountingService
	guarantors    *GuarantorService
	notifications *NotificationService
}

func NewRepaymentService(db *sql.DB, accounting *AccountingService, guarantors *GuarantorService, notifications *NotificationService) *RepaymentService {
	return &RepaymentService{db: db, accounting: accounting, guarantors: guarantors, notifications: notifications}
}

type RepaymentResult struct {
	LoanID        string          `json:"loanId"`
	Amount        decimal.Decimal `json:"amount"`
	PrincipalPaid decimal.Decimal `json:"principalPaid"`
	InterestPaid  decimal.Decimal `json:"interestPaid"`
	ArrearsPaid   decimal.Decimal `json:"arrearsPaid"`
	NewBuffer     decimal.Decimal `json:"newBuffer"`
	NewStatus     string          `json:"newStatus"`
	JournalEntry  string          `json:"journalEntry"`
}

// Repay applies a payment to a loan. The whole operation is one database
// transaction: installment updates, loan balances, guarantor releases on
// close, and the ledger postings all commit or roll back together.
func (s *RepaymentService) Repay(ctx context.Context, loanID, reference, receivedBy string, amount decimal.Decimal) (*RepaymentResult, error) {
	if !amount.IsPositive() {
		return nil, ruleViolation("POSITIVE_AMOUNT", "repayment amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return nil, err
	}
	if !isServicing(loan.Status) {
		return nil, wrongState(loanID, loan.Status, "repay")
	}

	pot := amount.Add(loan.PrepaymentBuffer)
	now := time.Now()

	// arrears drain first
	arrearsPaid := decimal.Min(pot, loan.ArrearsAmount)
	pot = pot.Sub(arrearsPaid)
	newArrears := loan.ArrearsAmount.Sub(arrearsPaid)

	installments, err := openInstallments(tx, loanID)
	if err != nil {
		return nil, err
	}

	// Arrears carry overdue principal, not just income. Split the arrears
	// slice by the overdue installments' remaining composition so Loans
	// Receivable is credited for its share.
	arrearsPrincipal := decimal.Zero
	if arrearsPaid.IsPositive() {
		overduePrincipal, overdueTotal := overdueComposition(installments, now)
		if overdueTotal.IsPositive() {
			arrearsPrincipal = arrearsPaid.Mul(overduePrincipal).Div(overdueTotal).Round(2)
		}
	}
	arrearsInterest := arrearsPaid.Sub(arrearsPrincipal)

	// Only the earliest open installment absorbs the rest of the pot.
	// Anything beyond its due amount becomes the buffer; a payment never
	// reaches into future periods.
	principalPaid := decimal.Zero
	interestPaid := decimal.Zero
	if pot.IsPositive() && len(installments) > 0 {
		inst := &installments[0]
		due := inst.Total.Sub(inst.PaidAmount)
		pay := decimal.Min(pot, due)
		pot = pot.Sub(pay)

		newPaid := inst.PaidAmount.Add(pay)
		status := models.InstallmentPartiallyPaid
		if newPaid.GreaterThanOrEqual(inst.Total) {
			status = models.InstallmentPaid
		}

		// split the slice between principal and interest in the same
		// proportion the installment was built with
		if inst.Total.IsPositive() {
			principalPaid = pay.Mul(inst.Principal).Div(inst.Total).Round(2)
		}
		interestPaid = pay.Sub(principalPaid)

		_, err = tx.Exec(`
			UPDATE loan_schedule
			SET paid_amount = $1, status = $2, last_payment_at = $3
			WHERE id = $4`,
			newPaid, status, now, inst.ID)
		if err != nil {
			return nil, err
		}
	}

	newBuffer := pot
	newOutstanding := loan.OutstandingBalance.Sub(amount)

	newPrincipalOutstanding := loan.OutstandingPrincipal.Sub(principalPaid).Sub(arrearsPrincipal)
	if newPrincipalOutstanding.IsNegative() {
		newPrincipalOutstanding = decimal.Zero
	}

	newStatus := deriveLoanStatus(newOutstanding, newArrears)
	closed := newStatus == models.LoanClosed
	if closed {
		if err := s.guarantors.ReleaseLoanTx(tx, loanID); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		UPDATE loans
		SET outstanding_balance = $1, outstanding_principal = $2, arrears_amount = $3,
		    prepayment_buffer = $4, status = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		newOutstanding, newPrincipalOutstanding, newArrears, newBuffer, newStatus, now, loanID, loan.Version)
	if err != nil {
		return nil, err
	}

	var entryID string
	principalSide := principalPaid.Add(arrearsPrincipal)
	if principalSide.IsPositive() {
		entryID, err = s.accounting.PostEventTx(tx, models.EventLoanRepaymentPrincipal, reference,
			fmt.Sprintf("Principal repayment on loan %s", loan.LoanNumber), receivedBy, principalSide)
		if err != nil {
			return nil, err
		}
	}
	interestSide := interestPaid.Add(arrearsInterest)
	if interestSide.IsPositive() {
		_, err = s.accounting.PostEventTx(tx, models.EventLoanRepaymentInterest, reference,
			fmt.Sprintf("Interest repayment on loan %s", loan.LoanNumber), receivedBy, interestSide)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if closed {
		log.Printf("[REPAYMENT] loan %s fully repaid and closed", loan.LoanNumber)
		s.notifications.Notify(loan.MemberID, "Loan cleared",
			fmt.Sprintf("Loan %s is fully repaid. Your guarantors have been released.", loan.LoanNumber), true, true)
	} else {
		s.notifications.Notify(loan.MemberID, "Payment received",
			fmt.Sprintf("Payment of %s received on loan %s.", amount, loan.LoanNumber), false, true)
	}

	return &RepaymentResult{
		LoanID:        loanID,
		Amount:        amount,
		PrincipalPaid: principalPaid,
		InterestPaid:  interestPaid,
		ArrearsPaid:   arrearsPaid,
		NewBuffer:     newBuffer,
		NewStatus:     newStatus,
		JournalEntry:  entryID,
	}, nil
}

// Schedule returns a loan's full installment schedule.
func (s *RepaymentService) Schedule(ctx context.Context, loanID string) ([]models.Installment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, sequence, due_date, principal, interest, total, paid_amount, status, last_payment_at
		FROM loan_schedule WHERE loan_id = $1 ORDER BY sequence`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var inst models.Installment
		if err := rows.Scan(&inst.ID, &inst.LoanID, &inst.Sequence, &inst.DueDate, &inst.Principal,
			&inst.Interest, &inst.Total, &inst.PaidAmount, &inst.Status, &inst.LastPaymentAt); err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

func openInstallments(tx *sql.Tx, loanID string) ([]models.Installment, error) {
	rows, err := tx.Query(`
		SELECT id, sequence, due_date, principal, interest, total, paid_amount, status
		FROM loan_schedule
		WHERE loan_id = $1 AND status = ANY($2)
		ORDER BY sequence
		FOR UPDATE`,
		loanID, pq.Array([]string{models.InstallmentPending, models.InstallmentPartiallyPaid}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var inst models.Installment
		if err := rows.Scan(&inst.ID, &inst.Sequence, &inst.DueDate, &inst.Principal, &inst.Interest,
			&inst.Total, &inst.PaidAmount, &inst.Status); err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// overdueComposition sums the remaining principal share and the remaining
// total due across the overdue open installments.
func overdueComposition(installments []models.Installment, now time.Time) (principal, total decimal.Decimal) {
	for _, inst := range installments {
		if !inst.DueDate.Before(now) {
			continue
		}
		due := inst.Total.Sub(inst.PaidAmount)
		if !due.IsPositive() || !inst.Total.IsPositive() {
			continue
		}
		principal = principal.Add(due.Mul(inst.Principal).Div(inst.Total).Round(2))
		total = total.Add(due)
	}
	return principal, total
}

func lockLoan(tx *sql.Tx, loanID string) (*models.Loan, error) {
	var loan models.Loan
	err := tx.QueryRow(`
		SELECT id, loan_number, member_id, product_id, principal, interest_rate, interest_method,
		       duration_weeks, grace_weeks, status, outstanding_principal, outstanding_balance,
		       arrears_amount, prepayment_buffer, version
		FROM loans
		WHERE id = $1
		FOR UPDATE`, loanID).
		Scan(&loan.ID, &loan.LoanNumber, &loan.MemberID, &loan.ProductID, &loan.Principal,
			&loan.InterestRate, &loan.InterestMethod, &loan.DurationWeeks, &loan.GraceWeeks,
			&loan.Status, &loan.OutstandingPrincipal, &loan.OutstandingBalance,
			&loan.ArrearsAmount, &loan.PrepaymentBuffer, &loan.Version)
	if err == sql.ErrNoRows {
		return nil, notFound("loan", loanID)
	}
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func isServicing(status string) bool {
	return status == models.LoanDisbursed || status == models.LoanActive || status == models.LoanInArrears
}

// deriveLoanStatus is the single source of truth for a servicing loan's
// state: cleared, behind, or current.
func deriveLoanStatus(outstanding, arrears decimal.Decimal) string {
	if outstanding.LessThanOrEqual(decimal.Zero) {
		return models.LoanClosed
	}
	if arrears.IsPositive() {
		return models.LoanInArrears
	}
	return models.LoanActive
}
