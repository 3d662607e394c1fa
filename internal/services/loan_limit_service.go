package services

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// Statuses that tie up a member's borrowing capacity before disbursement.
var inFlightStatuses = []string{
	models.LoanDraft, models.LoanGuarantorsPending, models.LoanApplicationFeePending,
	models.LoanSubmitted, models.LoanUnderReview, models.LoanSecretaryTabled,
	models.LoanOnAgenda, models.LoanVotingOpen, models.LoanVotingClosed,
	models.LoanSecretaryDecision, models.LoanTreasurerDisbursement,
}

// Statuses the daily processor services.
var servicingStatuses = []string{
	models.LoanDisbursed, models.LoanActive, models.LoanInArrears,
}

// LoanLimitService computes how much a member may still borrow. The figure
// is derived fresh on every call; it is never cached because savings,
// guarantees and loan balances all move underneath it.
type LoanLimitService struct {
	db       *sql.DB
	settings *SettingsService
}

func NewLoanLimitService(db *sql.DB, settings *SettingsService) *LoanLimitService {
	return &LoanLimitService{db: db, settings: settings}
}

// AvailableLimit returns savings times the configured multiplier, less every
// shilling already committed: outstanding balances on servicing loans,
// principals of in-flight applications, and accepted guarantee commitments.
// Any defaulted or written-off loan in the member's history zeroes the limit.
func (s *LoanLimitService) AvailableLimit(ctx context.Context, memberID string) (decimal.Decimal, error) {
	var badHistory bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM loans WHERE member_id = $1 AND status = ANY($2))`,
		memberID, pq.Array([]string{models.LoanDefaulted, models.LoanWrittenOff})).Scan(&badHistory)
	if err != nil {
		return decimal.Zero, err
	}
	if badHistory {
		return decimal.Zero, nil
	}

	var savings decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT balance FROM savings_accounts WHERE member_id = $1`, memberID).Scan(&savings)
	if err == sql.ErrNoRows {
		return decimal.Zero, notFound("savings account", memberID)
	}
	if err != nil {
		return decimal.Zero, err
	}

	var outstanding decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(outstanding_balance), 0) FROM loans
		WHERE member_id = $1 AND status = ANY($2)`,
		memberID, pq.Array(servicingStatuses)).Scan(&outstanding)
	if err != nil {
		return decimal.Zero, err
	}

	var inFlight decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(principal), 0) FROM loans
		WHERE member_id = $1 AND status = ANY($2)`,
		memberID, pq.Array(inFlightStatuses)).Scan(&inFlight)
	if err != nil {
		return decimal.Zero, err
	}

	var guarantees decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(guaranteed_amount), 0) FROM guarantors
		WHERE member_id = $1 AND status = $2`,
		memberID, models.GuarantorAccepted).Scan(&guarantees)
	if err != nil {
		return decimal.Zero, err
	}

	multiplier := s.settings.LoanLimitMultiplier(ctx)
	limit := savings.Mul(multiplier).Sub(outstanding).Sub(inFlight).Sub(guarantees)
	if limit.IsNegative() {
		return decimal.Zero, nil
	}
	return limit, nil
}
