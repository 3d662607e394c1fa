package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// LoanWorkflowService drives a loan through its lifecycle: application,
// guarantorship, fee, officer review, committee governance, disbursement and
// the terminal states. Every transition checks the loan is in the expected
// state first; anything money-moving bundles the ledger posting into the
// same transaction.
type LoanWorkflowService struct {
	db            *sql.DB
	accounting    *AccountingService
	guarantors    *GuarantorService
	limits        *LoanLimitService
	settings      *SettingsService
	notifications *NotificationService
}

func NewLoanWorkflowService(db *sql.DB, accounting *AccountingService, guarantors *GuarantorService,
	limits *LoanLimitService, settings *SettingsService, notifications *NotificationService) *LoanWorkflowService {
	return &LoanWorkflowService{
		db:            db,
		accounting:    accounting,
		guarantors:    guarantors,
		limits:        limits,
		settings:      settings,
		notifications: notifications,
	}
}

type LoanApplicationRequest struct {
	MemberID      string          `json:"memberId" validate:"required"`
	ProductID     string          `json:"productId" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	DurationWeeks int             `json:"durationWeeks" validate:"required,gt=0"`
	Purpose       string          `json:"purpose" validate:"required,max=500"`
}

// InitiateApplication creates a DRAFT loan after eligibility, product
// guardrail and limit checks. The limit is computed fresh here and checked
// again at disbursement; it is never trusted from an earlier read.
func (s *LoanWorkflowService) InitiateApplication(ctx context.Context, req *LoanApplicationRequest) (*models.Loan, error) {
	product, err := s.getProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, ruleViolation("INACTIVE_PRODUCT", "loan product %s is not open for applications", product.Name)
	}
	if req.Amount.LessThan(product.MinAmount) || req.Amount.GreaterThan(product.MaxAmount) {
		return nil, ruleViolation("PRODUCT_AMOUNT", "amount %s outside product range %s-%s",
			req.Amount, product.MinAmount, product.MaxAmount)
	}
	if req.DurationWeeks > product.MaxDurationWeeks {
		return nil, ruleViolation("PRODUCT_DURATION", "duration %d weeks exceeds product maximum %d",
			req.DurationWeeks, product.MaxDurationWeeks)
	}

	if err := s.checkEligibility(ctx, req.MemberID, req.Amount); err != nil {
		return nil, err
	}

	limit, err := s.limits.AvailableLimit(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(limit) {
		return nil, &ShortfallError{What: "loan limit", Requested: req.Amount, Available: limit}
	}

	now := time.Now()
	loan := &models.Loan{
		ID:                   uuid.NewString(),
		LoanNumber:           newLoanNumber(now),
		MemberID:             req.MemberID,
		ProductID:            product.ID,
		Principal:            req.Amount,
		InterestRate:         product.InterestRate,
		InterestMethod:       product.InterestMethod,
		DurationWeeks:        req.DurationWeeks,
		GraceWeeks:           s.settings.GracePeriodWeeks(ctx),
		Purpose:              req.Purpose,
		Currency:             "KES",
		Status:               models.LoanDraft,
		OutstandingPrincipal: decimal.Zero,
		OutstandingBalance:   decimal.Zero,
		ArrearsAmount:        decimal.Zero,
		PrepaymentBuffer:     decimal.Zero,
		ApplicationDate:      now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loans (id, loan_number, member_id, product_id, principal, interest_rate,
			interest_method, duration_weeks, grace_weeks, purpose, currency, status,
			outstanding_principal, outstanding_balance, arrears_amount, prepayment_buffer,
			fee_paid, votes_yes, votes_no, application_date, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 0, 0, 0, false, 0, 0, $13, 1, $13, $13)`,
		loan.ID, loan.LoanNumber, loan.MemberID, loan.ProductID, loan.Principal, loan.InterestRate,
		loan.InterestMethod, loan.DurationWeeks, loan.GraceWeeks, loan.Purpose, loan.Currency,
		loan.Status, now)
	if err != nil {
		return nil, err
	}

	log.Printf("[WORKFLOW] loan %s drafted for member %s (%s)", loan.LoanNumber, loan.MemberID, loan.Principal)
	return loan, nil
}

// AddGuarantor attaches a guarantor request to a draft application. The
// applicant cannot guarantee their own loan and the guarantor must have the
// free savings margin to cover the commitment.
func (s *LoanWorkflowService) AddGuarantor(ctx context.Context, loanID, guarantorMemberID string, amount decimal.Decimal) (*models.Guarantor, error) {
	if !amount.IsPositive() {
		return nil, ruleViolation("POSITIVE_AMOUNT", "guaranteed amount must be positive, got %s", amount)
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
	if loan.Status != models.LoanDraft && loan.Status != models.LoanGuarantorsPending {
		return nil, wrongState(loanID, loan.Status, "add guarantor to")
	}
	if guarantorMemberID == loan.MemberID {
		return nil, ruleViolation("SELF_GUARANTEE", "applicant cannot guarantee their own loan")
	}

	var exists bool
	err = tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM guarantors WHERE loan_id = $1 AND member_id = $2 AND status <> $3)`,
		loanID, guarantorMemberID, models.GuarantorDeclined).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ruleViolation("DUPLICATE_GUARANTOR", "member %s already guarantees this loan", guarantorMemberID)
	}

	margin, err := s.guarantors.FreeMargin(ctx, guarantorMemberID)
	if err != nil {
		return nil, err
	}
	if margin.LessThan(amount) {
		return nil, &ShortfallError{What: "guarantor free savings", Requested: amount, Available: margin}
	}

	g := &models.Guarantor{
		ID:               uuid.NewString(),
		LoanID:           loanID,
		MemberID:         guarantorMemberID,
		GuaranteedAmount: amount,
		Status:           models.GuarantorPending,
		DateRequested:    time.Now(),
	}
	_, err = tx.Exec(`
		INSERT INTO guarantors (id, loan_id, member_id, guaranteed_amount, status, date_requested)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.LoanID, g.MemberID, g.GuaranteedAmount, g.Status, g.DateRequested)
	if err != nil {
		return nil, err
	}

	if loan.Status == models.LoanDraft {
		if err := updateStatus(tx, loan, models.LoanGuarantorsPending); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notifications.Notify(guarantorMemberID, "Guarantee requested",
		fmt.Sprintf("You have been asked to guarantee %s on loan %s.", amount, loan.LoanNumber), true, true)
	return g, nil
}

// RespondToGuarantorship records a guarantor's accept or decline. Accepting
// only verifies the guarantor's free margin still covers the commitment;
// the funds themselves lock at disbursement. Once every request is answered
// and the accepted total covers the principal, the loan advances to the
// application fee stage.
func (s *LoanWorkflowService) RespondToGuarantorship(ctx context.Context, guarantorID string, accept bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var g models.Guarantor
	err = tx.QueryRow(`
		SELECT id, loan_id, member_id, guaranteed_amount, status
		FROM guarantors WHERE id = $1 FOR UPDATE`, guarantorID).
		Scan(&g.ID, &g.LoanID, &g.MemberID, &g.GuaranteedAmount, &g.Status)
	if err == sql.ErrNoRows {
		return notFound("guarantor request", guarantorID)
	}
	if err != nil {
		return err
	}
	if g.Status != models.GuarantorPending {
		return ruleViolation("ALREADY_RESPONDED", "guarantor request %s already %s", guarantorID, strings.ToLower(g.Status))
	}

	loan, err := lockLoan(tx, g.LoanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanGuarantorsPending {
		return wrongState(g.LoanID, loan.Status, "respond to guarantorship on")
	}

	newStatus := models.GuarantorDeclined
	if accept {
		// Funds only lock at disbursement; acceptance just checks that the
		// margin still covers the commitment.
		free, err := s.guarantors.FreeMarginTx(tx, g.MemberID)
		if err != nil {
			return err
		}
		if free.LessThan(g.GuaranteedAmount) {
			return &ShortfallError{What: "guarantor free savings", Requested: g.GuaranteedAmount, Available: free}
		}
		newStatus = models.GuarantorAccepted
	}

	_, err = tx.Exec(`
		UPDATE guarantors SET status = $1, date_responded = $2 WHERE id = $3`,
		newStatus, time.Now(), guarantorID)
	if err != nil {
		return err
	}

	var pending int
	var accepted decimal.Decimal
	err = tx.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE status = $2),
		       COALESCE(SUM(guaranteed_amount) FILTER (WHERE status = $3), 0)
		FROM guarantors WHERE loan_id = $1`,
		g.LoanID, models.GuarantorPending, models.GuarantorAccepted).Scan(&pending, &accepted)
	if err != nil {
		return err
	}

	if pending == 0 && accepted.GreaterThanOrEqual(loan.Principal) {
		if err := updateStatus(tx, loan, models.LoanApplicationFeePending); err != nil {
			return err
		}
		log.Printf("[WORKFLOW] loan %s fully guaranteed, awaiting application fee", loan.LoanNumber)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	verdict := "declined"
	if accept {
		verdict = "accepted"
	}
	s.notifications.Notify(loan.MemberID, "Guarantor responded",
		fmt.Sprintf("A guarantor has %s your request on loan %s.", verdict, loan.LoanNumber), true, false)
	return nil
}

// PayApplicationFee posts the product's processing fee and submits the
// application. A reference that already paid a fee is refused so a recycled
// mobile-money code cannot settle two applications.
func (s *LoanWorkflowService) PayApplicationFee(ctx context.Context, loanID, reference, receivedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanApplicationFeePending {
		return wrongState(loanID, loan.Status, "pay application fee for")
	}

	var duplicate bool
	err = tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM journal_entries WHERE event_name = $1 AND reference = $2)`,
		models.EventLoanProcessingFee, reference).Scan(&duplicate)
	if err != nil {
		return err
	}
	if duplicate {
		return fmt.Errorf("fee reference %s for loan %s: %w", reference, loan.LoanNumber, ErrDuplicateReference)
	}

	product, err := s.getProduct(ctx, loan.ProductID)
	if err != nil {
		return err
	}
	if product.ProcessingFee.IsPositive() {
		_, err = s.accounting.PostEventTx(tx, models.EventLoanProcessingFee, reference,
			fmt.Sprintf("Processing fee for loan %s", loan.LoanNumber), receivedBy, product.ProcessingFee)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(`UPDATE loans SET fee_paid = true WHERE id = $1`, loanID)
	if err != nil {
		return err
	}
	if err := updateStatus(tx, loan, models.LoanSubmitted); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notifications.Notify(loan.MemberID, "Application submitted",
		fmt.Sprintf("Loan %s is submitted for review.", loan.LoanNumber), true, false)
	return nil
}

// StartReview moves a submitted application under officer review.
func (s *LoanWorkflowService) StartReview(ctx context.Context, loanID, officerID string) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanSubmitted}, models.LoanUnderReview, "review", nil)
}

// ApproveReview passes the application to the secretary for tabling.
func (s *LoanWorkflowService) ApproveReview(ctx context.Context, loanID, officerID string) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanUnderReview}, models.LoanSecretaryTabled, "approve review of", nil)
}

// RejectReview terminates the application and releases any locked
// guarantees.
func (s *LoanWorkflowService) RejectReview(ctx context.Context, loanID, officerID, reason string) error {
	return s.reject(ctx, loanID, []string{models.LoanUnderReview}, reason)
}

// TableLoan puts the application on a meeting agenda.
func (s *LoanWorkflowService) TableLoan(ctx context.Context, loanID string, meetingDate time.Time) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanSecretaryTabled}, models.LoanOnAgenda, "table",
		func(tx *sql.Tx, loan *models.Loan) error {
			_, err := tx.Exec(`UPDATE loans SET meeting_date = $1 WHERE id = $2`, meetingDate, loanID)
			return err
		})
}

// OpenVoting opens the ballot. Voting cannot open before the meeting date
// the loan was tabled for.
func (s *LoanWorkflowService) OpenVoting(ctx context.Context, loanID string) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanOnAgenda}, models.LoanVotingOpen, "open voting on",
		func(tx *sql.Tx, loan *models.Loan) error {
			var meetingDate *time.Time
			if err := tx.QueryRow(`SELECT meeting_date FROM loans WHERE id = $1`, loanID).Scan(&meetingDate); err != nil {
				return err
			}
			if meetingDate == nil {
				return ruleViolation("NO_MEETING_DATE", "loan %s has no meeting date", loan.LoanNumber)
			}
			if time.Now().Before(*meetingDate) {
				return ruleViolation("MEETING_NOT_REACHED", "voting on loan %s cannot open before the meeting on %s",
					loan.LoanNumber, meetingDate.Format("2006-01-02"))
			}
			return nil
		})
}

// CastVote records a committee member's vote. One vote per member, and the
// applicant is conflicted out of their own ballot.
func (s *LoanWorkflowService) CastVote(ctx context.Context, loanID, memberID, decision string) error {
	if decision != models.VoteYes && decision != models.VoteNo {
		return ruleViolation("VOTE_DECISION", "vote must be YES or NO, got %q", decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanVotingOpen {
		return wrongState(loanID, loan.Status, "vote on")
	}
	if memberID == loan.MemberID {
		return ruleViolation("CONFLICT_OF_INTEREST", "applicant cannot vote on their own loan")
	}

	var alreadyVoted bool
	err = tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM loan_votes WHERE loan_id = $1 AND member_id = $2)`,
		loanID, memberID).Scan(&alreadyVoted)
	if err != nil {
		return err
	}
	if alreadyVoted {
		return ruleViolation("DOUBLE_VOTE", "member %s has already voted on loan %s", memberID, loan.LoanNumber)
	}

	_, err = tx.Exec(`
		INSERT INTO loan_votes (loan_id, member_id, decision, cast_at)
		VALUES ($1, $2, $3, $4)`,
		loanID, memberID, decision, time.Now())
	if err != nil {
		return err
	}

	column := "votes_no"
	if decision == models.VoteYes {
		column = "votes_yes"
	}
	_, err = tx.Exec(fmt.Sprintf(`UPDATE loans SET %s = %s + 1, updated_at = $1 WHERE id = $2`, column, column),
		time.Now(), loanID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CloseVoting seals the ballot.
func (s *LoanWorkflowService) CloseVoting(ctx context.Context, loanID string) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanVotingOpen}, models.LoanVotingClosed, "close voting on", nil)
}

// FinalizeVote resolves the ballot. A secretary override beats the tally;
// under SECRETARY governance the ballot is advisory and the decision is
// always manual; a ballot nobody voted on likewise escalates; otherwise the
// majority carries. Approval heads to the secretary for ratification,
// rejection terminates the loan and releases guarantees.
func (s *LoanWorkflowService) FinalizeVote(ctx context.Context, loanID, secretaryID, override string) error {
	votingMethod := s.settings.VotingMethod(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanVotingClosed {
		return wrongState(loanID, loan.Status, "finalize vote on")
	}

	var votesYes, votesNo int
	err = tx.QueryRow(`SELECT votes_yes, votes_no FROM loans WHERE id = $1`, loanID).Scan(&votesYes, &votesNo)
	if err != nil {
		return err
	}

	var outcome string
	switch {
	case override == "APPROVE":
		outcome = "approved"
	case override == "REJECT":
		outcome = "rejected"
	case votingMethod == VotingSecretary:
		// the committee tally is advisory, the secretary decides by hand
		outcome = "escalated"
	case votesYes+votesNo == 0:
		// nobody voted, the secretary decides by hand
		outcome = "escalated"
	case votesYes > votesNo:
		outcome = "approved"
	default:
		outcome = "rejected"
	}

	switch outcome {
	case "approved", "escalated":
		comment := fmt.Sprintf("Vote %d-%d, %s", votesYes, votesNo, outcome)
		if override != "" {
			comment = fmt.Sprintf("Vote %d-%d overridden by secretary", votesYes, votesNo)
		}
		_, err = tx.Exec(`UPDATE loans SET secretary_comments = $1 WHERE id = $2`, comment, loanID)
		if err != nil {
			return err
		}
		if err := updateStatus(tx, loan, models.LoanSecretaryDecision); err != nil {
			return err
		}
	case "rejected":
		if err := s.rejectTx(tx, loan, fmt.Sprintf("Committee vote %d-%d", votesYes, votesNo)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[WORKFLOW] loan %s vote finalized: %s (%d-%d)", loan.LoanNumber, outcome, votesYes, votesNo)
	return nil
}

// Ratify is the secretary's final word after the vote: forward to the
// treasurer for disbursement or reject outright.
func (s *LoanWorkflowService) Ratify(ctx context.Context, loanID, secretaryID string, approve bool, comments string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanSecretaryDecision {
		return wrongState(loanID, loan.Status, "ratify")
	}

	if approve {
		_, err = tx.Exec(`UPDATE loans SET approval_date = $1, secretary_comments = $2 WHERE id = $3`,
			time.Now(), comments, loanID)
		if err != nil {
			return err
		}
		if err := updateStatus(tx, loan, models.LoanTreasurerDisbursement); err != nil {
			return err
		}
	} else {
		if err := s.rejectTx(tx, loan, comments); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if approve {
		s.notifications.Notify(loan.MemberID, "Loan approved",
			fmt.Sprintf("Loan %s is approved and awaiting disbursement.", loan.LoanNumber), true, true)
	} else {
		s.notifications.Notify(loan.MemberID, "Loan rejected",
			fmt.Sprintf("Loan %s was rejected: %s", loan.LoanNumber, comments), true, true)
	}
	return nil
}

// Disburse releases the funds. Schedule generation, balance setup, the
// status change and the ledger posting are one transaction: either the
// member has a disbursed loan with a full schedule and a balanced journal
// entry, or nothing happened.
func (s *LoanWorkflowService) Disburse(ctx context.Context, loanID, method, reference, treasurerID string) (*models.Loan, error) {
	sourceAccount, err := disbursementSource(method)
	if err != nil {
		return nil, err
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
	if loan.Status != models.LoanTreasurerDisbursement {
		return nil, wrongState(loanID, loan.Status, "disburse")
	}

	// Guarantor funds lock here, exactly once. A guarantor whose savings no
	// longer cover the pledge fails the lock and blocks the payout.
	covered, err := s.guarantors.LockLoanTx(tx, loanID)
	if err != nil {
		return nil, err
	}
	if covered.LessThan(loan.Principal) {
		return nil, &ShortfallError{What: "guarantor coverage", Requested: loan.Principal, Available: covered}
	}

	now := time.Now()
	installments, err := BuildSchedule(ScheduleParams{
		LoanID:        loanID,
		Principal:     loan.Principal,
		AnnualRate:    loan.InterestRate,
		DurationWeeks: loan.DurationWeeks,
		GraceWeeks:    loan.GraceWeeks,
		Method:        loan.InterestMethod,
		DisbursedAt:   now,
	})
	if err != nil {
		return nil, err
	}

	for _, inst := range installments {
		_, err = tx.Exec(`
			INSERT INTO loan_schedule (loan_id, sequence, due_date, principal, interest, total, paid_amount, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
			loanID, inst.Sequence, inst.DueDate, inst.Principal, inst.Interest, inst.Total, inst.Status)
		if err != nil {
			return nil, err
		}
	}

	scheduledPrincipal, scheduledInterest := ScheduleTotals(installments)
	outstanding := scheduledPrincipal.Add(scheduledInterest)
	maturity := installments[len(installments)-1].DueDate

	_, err = tx.Exec(`
		UPDATE loans
		SET outstanding_principal = $1, outstanding_balance = $2, disbursement_date = $3,
		    maturity_date = $4, updated_at = $3
		WHERE id = $5`,
		loan.Principal, outstanding, now, maturity, loanID)
	if err != nil {
		return nil, err
	}
	if err := updateStatus(tx, loan, models.LoanDisbursed); err != nil {
		return nil, err
	}

	_, err = s.accounting.postDoubleEntryTx(tx, models.EventLoanDisbursement, reference,
		fmt.Sprintf("Disbursement of loan %s via %s", loan.LoanNumber, method), treasurerID,
		models.AccountLoansReceivable, sourceAccount, loan.Principal)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.Status = models.LoanDisbursed
	loan.OutstandingPrincipal = loan.Principal
	loan.OutstandingBalance = outstanding
	loan.DisbursementDate = &now
	loan.MaturityDate = &maturity

	log.Printf("[WORKFLOW] loan %s disbursed: %s via %s, %d installments", loan.LoanNumber, loan.Principal, method, len(installments))
	s.notifications.Notify(loan.MemberID, "Loan disbursed",
		fmt.Sprintf("Loan %s of %s has been disbursed. First installment due %s.",
			loan.LoanNumber, loan.Principal, installments[0].DueDate.Format("2006-01-02")), true, true)
	return loan, nil
}

// WriteOff removes an irrecoverable loan from the book. The remaining
// balance is expensed and guarantees are released.
func (s *LoanWorkflowService) WriteOff(ctx context.Context, loanID, authorizedBy, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if !isServicing(loan.Status) && loan.Status != models.LoanDefaulted {
		return wrongState(loanID, loan.Status, "write off")
	}

	if loan.OutstandingPrincipal.IsPositive() {
		_, err = s.accounting.PostEventTx(tx, models.EventLoanWriteOff, loan.LoanNumber,
			fmt.Sprintf("Write-off of loan %s: %s", loan.LoanNumber, reason), authorizedBy, loan.OutstandingPrincipal)
		if err != nil {
			return err
		}
	}

	if err := s.guarantors.ReleaseLoanTx(tx, loanID); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE loans SET rejection_reason = $1 WHERE id = $2`, reason, loanID)
	if err != nil {
		return err
	}
	if err := updateStatus(tx, loan, models.LoanWrittenOff); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[WORKFLOW] loan %s written off by %s: %s", loan.LoanNumber, authorizedBy, reason)
	return nil
}

// MarkDefaulted flags a delinquent loan as defaulted. Guarantor locks stay
// in place so recovery against guarantors remains possible.
func (s *LoanWorkflowService) MarkDefaulted(ctx context.Context, loanID, authorizedBy string) error {
	return s.simpleTransition(ctx, loanID, []string{models.LoanInArrears}, models.LoanDefaulted, "default", nil)
}

// Restructure replaces the open schedule with a fresh one over a new term
// for the remaining principal. Paid installments are untouched.
func (s *LoanWorkflowService) Restructure(ctx context.Context, loanID string, newDurationWeeks int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if !isServicing(loan.Status) {
		return wrongState(loanID, loan.Status, "restructure")
	}
	if !loan.OutstandingPrincipal.IsPositive() {
		return ruleViolation("NOTHING_TO_RESTRUCTURE", "loan %s has no outstanding principal", loan.LoanNumber)
	}

	now := time.Now()
	installments, err := BuildSchedule(ScheduleParams{
		LoanID:        loanID,
		Principal:     loan.OutstandingPrincipal,
		AnnualRate:    loan.InterestRate,
		DurationWeeks: newDurationWeeks,
		Method:        loan.InterestMethod,
		DisbursedAt:   now,
	})
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		DELETE FROM loan_schedule WHERE loan_id = $1 AND status = ANY($2)`,
		loanID, pq.Array([]string{models.InstallmentPending, models.InstallmentPartiallyPaid}))
	if err != nil {
		return err
	}

	for _, inst := range installments {
		_, err = tx.Exec(`
			INSERT INTO loan_schedule (loan_id, sequence, due_date, principal, interest, total, paid_amount, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
			loanID, inst.Sequence, inst.DueDate, inst.Principal, inst.Interest, inst.Total, inst.Status)
		if err != nil {
			return err
		}
	}

	_, scheduledInterest := ScheduleTotals(installments)
	newOutstanding := loan.OutstandingPrincipal.Add(scheduledInterest).Add(loan.ArrearsAmount)
	maturity := installments[len(installments)-1].DueDate

	result, err := tx.Exec(`
		UPDATE loans
		SET duration_weeks = $1, outstanding_balance = $2, maturity_date = $3,
		    version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		newDurationWeeks, newOutstanding, maturity, now, loanID, loan.Version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for loan %s", loanID)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[WORKFLOW] loan %s restructured to %d weeks", loan.LoanNumber, newDurationWeeks)
	return nil
}

// DeleteDraft removes an application that never reached submission. Pending
// guarantor requests go with it; accepted ones are unlocked first.
func (s *LoanWorkflowService) DeleteDraft(ctx context.Context, loanID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	switch loan.Status {
	case models.LoanDraft, models.LoanGuarantorsPending, models.LoanApplicationFeePending:
	default:
		return wrongState(loanID, loan.Status, "delete")
	}

	// Pre-submission loans never locked guarantor funds; the rows just go.
	if _, err := tx.Exec(`DELETE FROM guarantors WHERE loan_id = $1`, loanID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM loans WHERE id = $1`, loanID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[WORKFLOW] draft loan %s deleted", loan.LoanNumber)
	return nil
}

// GetLoan loads a loan by id.
func (s *LoanWorkflowService) GetLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	var loan models.Loan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, loan_number, member_id, product_id, principal, interest_rate, interest_method,
		       duration_weeks, grace_weeks, purpose, currency, status, outstanding_principal,
		       outstanding_balance, arrears_amount, prepayment_buffer, fee_paid, meeting_date,
		       votes_yes, votes_no, rejection_reason, secretary_comments, application_date,
		       approval_date, disbursement_date, maturity_date, version, created_at, updated_at
		FROM loans WHERE id = $1`, loanID).
		Scan(&loan.ID, &loan.LoanNumber, &loan.MemberID, &loan.ProductID, &loan.Principal,
			&loan.InterestRate, &loan.InterestMethod, &loan.DurationWeeks, &loan.GraceWeeks,
			&loan.Purpose, &loan.Currency, &loan.Status, &loan.OutstandingPrincipal,
			&loan.OutstandingBalance, &loan.ArrearsAmount, &loan.PrepaymentBuffer, &loan.FeePaid,
			&loan.MeetingDate, &loan.VotesYes, &loan.VotesNo, &loan.RejectionReason,
			&loan.SecretaryComments, &loan.ApplicationDate, &loan.ApprovalDate,
			&loan.DisbursementDate, &loan.MaturityDate, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("loan", loanID)
	}
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// ListByStatus returns loans in a given status, newest first.
func (s *LoanWorkflowService) ListByStatus(ctx context.Context, status string, limit int) ([]models.Loan, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_number, member_id, product_id, principal, status,
		       outstanding_balance, arrears_amount, application_date
		FROM loans WHERE status = $1 ORDER BY application_date DESC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []models.Loan
	for rows.Next() {
		var l models.Loan
		if err := rows.Scan(&l.ID, &l.LoanNumber, &l.MemberID, &l.ProductID, &l.Principal,
			&l.Status, &l.OutstandingBalance, &l.ArrearsAmount, &l.ApplicationDate); err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (s *LoanWorkflowService) reject(ctx context.Context, loanID string, from []string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	allowed := false
	for _, status := range from {
		if loan.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return wrongState(loanID, loan.Status, "reject")
	}

	if err := s.rejectTx(tx, loan, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notifications.Notify(loan.MemberID, "Loan rejected",
		fmt.Sprintf("Loan %s was rejected: %s", loan.LoanNumber, reason), true, true)
	return nil
}

// rejectTx terminates a pre-disbursement loan and releases its guarantees.
// Nothing was locked yet, so guarantor rows are only marked released.
func (s *LoanWorkflowService) rejectTx(tx *sql.Tx, loan *models.Loan, reason string) error {
	if _, err := tx.Exec(`
		UPDATE guarantors SET status = $1, date_responded = $2
		WHERE loan_id = $3 AND status IN ($4, $5)`,
		models.GuarantorReleased, time.Now(), loan.ID,
		models.GuarantorPending, models.GuarantorAccepted); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE loans SET rejection_reason = $1 WHERE id = $2`, reason, loan.ID); err != nil {
		return err
	}
	return updateStatus(tx, loan, models.LoanRejected)
}

func (s *LoanWorkflowService) simpleTransition(ctx context.Context, loanID string, from []string, to, op string,
	extra func(tx *sql.Tx, loan *models.Loan) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	allowed := false
	for _, status := range from {
		if loan.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return wrongState(loanID, loan.Status, op)
	}

	if extra != nil {
		if err := extra(tx, loan); err != nil {
			return err
		}
	}
	if err := updateStatus(tx, loan, to); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LoanWorkflowService) getProduct(ctx context.Context, productID string) (*models.LoanProduct, error) {
	var p models.LoanProduct
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, interest_rate, interest_method, min_amount, max_amount,
		       max_duration_weeks, processing_fee, penalty_rate, active
		FROM loan_products WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.InterestRate, &p.InterestMethod, &p.MinAmount, &p.MaxAmount,
			&p.MaxDurationWeeks, &p.ProcessingFee, &p.PenaltyRate, &p.Active)
	if err == sql.ErrNoRows {
		return nil, notFound("loan product", productID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *LoanWorkflowService) checkEligibility(ctx context.Context, memberID string, amount decimal.Decimal) error {
	var status string
	var joinedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT status, joined_at FROM members WHERE id = $1`, memberID).Scan(&status, &joinedAt)
	if err == sql.ErrNoRows {
		return notFound("member", memberID)
	}
	if err != nil {
		return err
	}
	if status != models.MemberActive {
		return ruleViolation("MEMBER_STATUS", "member %s is %s, only active members may borrow", memberID, status)
	}

	minMonths := s.settings.MinMonthsMembership(ctx)
	if joinedAt.After(time.Now().AddDate(0, -minMonths, 0)) {
		return ruleViolation("MEMBERSHIP_DURATION", "member must have at least %d months of membership", minMonths)
	}

	var savings decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT balance FROM savings_accounts WHERE member_id = $1`, memberID).Scan(&savings)
	if err == sql.ErrNoRows {
		return notFound("savings account", memberID)
	}
	if err != nil {
		return err
	}

	minSavings := s.settings.MinSavingsForLoan(ctx)
	if savings.LessThan(minSavings) {
		return &ShortfallError{What: "minimum savings for a loan", Requested: minSavings, Available: savings}
	}

	maxRatio := s.settings.MaxDebtRatio(ctx)
	var outstanding decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(outstanding_balance), 0) FROM loans
		WHERE member_id = $1 AND status = ANY($2)`,
		memberID, pq.Array(servicingStatuses)).Scan(&outstanding)
	if err != nil {
		return err
	}
	if outstanding.Add(amount).GreaterThan(savings.Mul(maxRatio)) {
		return ruleViolation("DEBT_RATIO", "total debt %s would exceed %s times savings of %s",
			outstanding.Add(amount), maxRatio, savings)
	}
	return nil
}

// updateStatus advances a locked loan and bumps its version. The version
// guard catches a concurrent writer that slipped past the row lock through
// a separate connection pool.
func updateStatus(tx *sql.Tx, loan *models.Loan, newStatus string) error {
	result, err := tx.Exec(`
		UPDATE loans SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newStatus, time.Now(), loan.ID, loan.Version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for loan %s", loan.ID)
	}
	loan.Status = newStatus
	loan.Version++
	return nil
}

func disbursementSource(method string) (string, error) {
	switch method {
	case models.DisburseCash:
		return models.AccountCash, nil
	case models.DisburseMpesa:
		return models.AccountMpesa, nil
	case models.DisburseBank, models.DisburseCheque:
		return models.AccountBank, nil
	default:
		return "", ruleViolation("DISBURSE_METHOD", "unknown disbursement method %q", method)
	}
}

func newLoanNumber(now time.Time) string {
	return fmt.Sprintf("LN-%d-%s", now.Year(), strings.ToUpper(uuid.NewString()[:8]))
}
