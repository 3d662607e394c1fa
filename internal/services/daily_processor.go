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

// DailyProcessor runs the end-of-day pass over every servicing loan:
// accrue the day's interest, surface overdue installments as arrears,
// apply penalties on arrears, and re-derive the loan's status. Each loan is
// its own transaction so one bad loan cannot stall the rest of the book.
type DailyProcessor struct {
	db            *sql.DB
	accounting    *AccountingService
	settings      *SettingsService
	notifications *NotificationService
}

func NewDailyProcessor(db *sql.DB, accounting *AccountingService, settings *SettingsService, notifications *NotificationService) *DailyProcessor {
	return &DailyProcessor{db: db, accounting: accounting, settings: settings, notifications: notifications}
}

// Run processes the whole book once and reports how many loans were touched
// and how many failed. Failures are logged per loan and skipped.
func (p *DailyProcessor) Run(ctx context.Context) (processed, failed int) {
	start := time.Now()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM loans WHERE status = ANY($1) ORDER BY id`,
		pq.Array(servicingStatuses))
	if err != nil {
		log.Printf("[DAILY] loan scan failed: %v", err)
		return 0, 0
	}

	var loanIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			log.Printf("[DAILY] loan scan failed: %v", err)
			return 0, 0
		}
		loanIDs = append(loanIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Printf("[DAILY] loan scan failed: %v", err)
		return 0, 0
	}

	for _, id := range loanIDs {
		if err := p.ProcessLoan(ctx, id); err != nil {
			log.Printf("[DAILY] loan %s failed: %v", id, err)
			failed++
			continue
		}
		processed++
	}

	log.Printf("[DAILY] run complete: %d processed, %d failed in %s", processed, failed, time.Since(start).Round(time.Millisecond))
	return processed, failed
}

// ProcessLoan runs one loan's daily accrual in a single transaction.
func (p *DailyProcessor) ProcessLoan(ctx context.Context, loanID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if !isServicing(loan.Status) {
		// status moved since the scan, nothing to do
		return tx.Commit()
	}

	now := time.Now()
	outstanding := loan.OutstandingBalance

	// one calendar day of interest on the remaining principal, ACT/365
	dailyInterest := loan.OutstandingPrincipal.
		Mul(loan.InterestRate).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(365)).
		Round(2)
	if dailyInterest.IsPositive() {
		_, err = p.accounting.PostEventTx(tx, models.EventInterestAccrual,
			fmt.Sprintf("%s:%s", loan.LoanNumber, now.Format("2006-01-02")),
			fmt.Sprintf("Daily interest on loan %s", loan.LoanNumber), "system", dailyInterest)
		if err != nil {
			return err
		}
		outstanding = outstanding.Add(dailyInterest)
	}

	var overdue decimal.Decimal
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(total - paid_amount), 0)
		FROM loan_schedule
		WHERE loan_id = $1 AND due_date < $2 AND status = ANY($3)`,
		loanID, now, pq.Array([]string{models.InstallmentPending, models.InstallmentPartiallyPaid})).
		Scan(&overdue)
	if err != nil {
		return err
	}

	newArrears := overdue
	if newArrears.IsPositive() {
		penaltyRate, err := p.penaltyRate(ctx, tx, loan.ProductID)
		if err != nil {
			return err
		}
		penalty := newArrears.Mul(penaltyRate).Div(decimal.NewFromInt(100)).Round(2)
		if penalty.IsPositive() {
			_, err = p.accounting.PostEventTx(tx, models.EventPenaltyApplied,
				fmt.Sprintf("%s:%s", loan.LoanNumber, now.Format("2006-01-02")),
				fmt.Sprintf("Penalty on arrears of loan %s", loan.LoanNumber), "system", penalty)
			if err != nil {
				return err
			}
			// penalties grow the balance owed; arrears stay strictly the
			// overdue installment dues
			outstanding = outstanding.Add(penalty)
		}
	}

	newStatus := deriveLoanStatus(outstanding, newArrears)

	_, err = tx.Exec(`
		UPDATE loans
		SET outstanding_balance = $1, arrears_amount = $2, status = $3,
		    version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		outstanding, newArrears, newStatus, now, loanID, loan.Version)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if newStatus == models.LoanInArrears && loan.Status != models.LoanInArrears {
		p.notifications.Notify(loan.MemberID, "Loan in arrears",
			fmt.Sprintf("Loan %s is behind by %s. Please make a payment.", loan.LoanNumber, newArrears), true, true)
	}
	return nil
}

// penaltyRate prefers the loan product's own rate and falls back to the
// system-wide default.
func (p *DailyProcessor) penaltyRate(ctx context.Context, tx *sql.Tx, productID string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := tx.QueryRow(`SELECT penalty_rate FROM loan_products WHERE id = $1`, productID).Scan(&rate)
	if err == sql.ErrNoRows {
		return p.settings.DefaultPenaltyRate(ctx), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsZero() {
		return p.settings.DefaultPenaltyRate(ctx), nil
	}
	return rate, nil
}
