package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Loan lifecycle statuses. Transitions are enforced by the workflow service;
// DISBURSED, ACTIVE and IN_ARREARS are the servicing states the daily
// processor re-derives, the rest belong to origination and governance.
const (
	LoanDraft                 = "DRAFT"
	LoanGuarantorsPending     = "GUARANTORS_PENDING"
	LoanApplicationFeePending = "APPLICATION_FEE_PENDING"
	LoanSubmitted             = "SUBMITTED"
	LoanUnderReview           = "UNDER_REVIEW"
	LoanSecretaryTabled       = "SECRETARY_TABLED"
	LoanOnAgenda              = "ON_AGENDA"
	LoanVotingOpen            = "VOTING_OPEN"
	LoanVotingClosed          = "VOTING_CLOSED"
	LoanSecretaryDecision     = "SECRETARY_DECISION"
	LoanTreasurerDisbursement = "TREASURER_DISBURSEMENT"
	LoanDisbursed             = "DISBURSED"
	LoanActive                = "ACTIVE"
	LoanInArrears             = "IN_ARREARS"
	LoanClosed                = "CLOSED"
	LoanRejected              = "REJECTED"
	LoanWrittenOff            = "WRITTEN_OFF"
	LoanDefaulted             = "DEFAULTED"
)

const (
	InterestFlat            = "FLAT"
	InterestReducingBalance = "REDUCING_BALANCE"
)

const (
	DisburseCash   = "CASH"
	DisburseMpesa  = "MPESA"
	DisburseBank   = "BANK"
	DisburseCheque = "CHEQUE"
)

type Loan struct {
	ID                   string          `json:"id" db:"id"`
	LoanNumber           string          `json:"loan_number" db:"loan_number"`
	MemberID             string          `json:"member_id" db:"member_id"`
	ProductID            string          `json:"product_id" db:"product_id"`
	Principal            decimal.Decimal `json:"principal" db:"principal"`
	InterestRate         decimal.Decimal `json:"interest_rate" db:"interest_rate"` // annual percent
	InterestMethod       string          `json:"interest_method" db:"interest_method"`
	DurationWeeks        int             `json:"duration_weeks" db:"duration_weeks"`
	GraceWeeks           int             `json:"grace_weeks" db:"grace_weeks"`
	Purpose              string          `json:"purpose" db:"purpose"`
	Currency             string          `json:"currency" db:"currency"`
	Status               string          `json:"status" db:"status"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal" db:"outstanding_principal"`
	OutstandingBalance   decimal.Decimal `json:"outstanding_balance" db:"outstanding_balance"` // principal + accrued interest + penalties
	ArrearsAmount        decimal.Decimal `json:"arrears_amount" db:"arrears_amount"`
	PrepaymentBuffer     decimal.Decimal `json:"prepayment_buffer" db:"prepayment_buffer"`
	FeePaid              bool            `json:"fee_paid" db:"fee_paid"`
	MeetingDate          *time.Time      `json:"meeting_date" db:"meeting_date"`
	VotesYes             int             `json:"votes_yes" db:"votes_yes"`
	VotesNo              int             `json:"votes_no" db:"votes_no"`
	RejectionReason      string          `json:"rejection_reason" db:"rejection_reason"`
	SecretaryComments    string          `json:"secretary_comments" db:"secretary_comments"`
	ApplicationDate      time.Time       `json:"application_date" db:"application_date"`
	ApprovalDate         *time.Time      `json:"approval_date" db:"approval_date"`
	DisbursementDate     *time.Time      `json:"disbursement_date" db:"disbursement_date"`
	MaturityDate         *time.Time      `json:"maturity_date" db:"maturity_date"`
	Version              int             `json:"version" db:"version"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

type LoanProduct struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	InterestRate     decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	InterestMethod   string          `json:"interest_method" db:"interest_method"`
	MinAmount        decimal.Decimal `json:"min_amount" db:"min_amount"`
	MaxAmount        decimal.Decimal `json:"max_amount" db:"max_amount"`
	MaxDurationWeeks int             `json:"max_duration_weeks" db:"max_duration_weeks"`
	ProcessingFee    decimal.Decimal `json:"processing_fee" db:"processing_fee"`
	PenaltyRate      decimal.Decimal `json:"penalty_rate" db:"penalty_rate"` // daily percent on arrears
	Active           bool            `json:"active" db:"active"`
}

// Guarantor statuses.
const (
	GuarantorPending  = "PENDING"
	GuarantorAccepted = "ACCEPTED"
	GuarantorDeclined = "DECLINED"
	GuarantorReleased = "RELEASED"
)

type Guarantor struct {
	ID               string          `json:"id" db:"id"`
	LoanID           string          `json:"loan_id" db:"loan_id"`
	MemberID         string          `json:"member_id" db:"member_id"`
	GuaranteedAmount decimal.Decimal `json:"guaranteed_amount" db:"guaranteed_amount"`
	Status           string          `json:"status" db:"status"`
	DateRequested    time.Time       `json:"date_requested" db:"date_requested"`
	DateResponded    *time.Time      `json:"date_responded" db:"date_responded"`
}

// Installment statuses.
const (
	InstallmentPending       = "PENDING"
	InstallmentPartiallyPaid = "PARTIALLY_PAID"
	InstallmentPaid          = "PAID"
)

type Installment struct {
	ID            int             `json:"id" db:"id"`
	LoanID        string          `json:"loan_id" db:"loan_id"`
	Sequence      int             `json:"sequence" db:"sequence"`
	DueDate       time.Time       `json:"due_date" db:"due_date"`
	Principal     decimal.Decimal `json:"principal" db:"principal"`
	Interest      decimal.Decimal `json:"interest" db:"interest"`
	Total         decimal.Decimal `json:"total" db:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	Status        string          `json:"status" db:"status"`
	LastPaymentAt *time.Time      `json:"last_payment_at" db:"last_payment_at"`
}

// Vote decisions.
const (
	VoteYes = "YES"
	VoteNo  = "NO"
)

type LoanVote struct {
	LoanID   string    `json:"loan_id" db:"loan_id"`
	MemberID string    `json:"member_id" db:"member_id"`
	Decision string    `json:"decision" db:"decision"`
	CastAt   time.Time `json:"cast_at" db:"cast_at"`
}
