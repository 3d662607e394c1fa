package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account types in the chart of accounts.
const (
	AccountTypeAsset     = "ASSET"
	AccountTypeLiability = "LIABILITY"
	AccountTypeEquity    = "EQUITY"
	AccountTypeIncome    = "INCOME"
	AccountTypeExpense   = "EXPENSE"
)

// Well-known account codes seeded at startup.
const (
	AccountCash               = "1001"
	AccountMpesa              = "1002"
	AccountBank               = "1010"
	AccountLoansReceivable    = "1200"
	AccountInterestReceivable = "1210"
	AccountMemberSavings      = "2001"
	AccountShareCapital       = "3001"
	AccountRegistrationFees   = "4001"
	AccountInterestIncome     = "4002"
	AccountPenaltyIncome      = "4004"
	AccountProcessingFees     = "4005"
	AccountWriteOffExpense    = "5001"
)

// Ledger event names. Every event resolves to a (debit, credit) account pair
// through gl_event_mappings.
const (
	EventLoanDisbursement       = "LOAN_DISBURSEMENT"
	EventLoanRepaymentPrincipal = "LOAN_REPAYMENT_PRINCIPAL"
	EventLoanRepaymentInterest  = "LOAN_REPAYMENT_INTEREST"
	EventLoanProcessingFee      = "LOAN_PROCESSING_FEE"
	EventInterestAccrual        = "INTEREST_ACCRUAL"
	EventPenaltyApplied         = "PENALTY_APPLIED"
	EventSavingsDeposit         = "SAVINGS_DEPOSIT"
	EventSavingsWithdrawal      = "SAVINGS_WITHDRAWAL"
	EventShareCapitalPurchase   = "SHARE_CAPITAL_PURCHASE"
	EventRegistrationFee        = "REGISTRATION_FEE"
	EventLoanWriteOff           = "LOAN_WRITE_OFF"
)

type GLAccount struct {
	Code      string          `json:"code" db:"code"`
	Name      string          `json:"name" db:"name"`
	Type      string          `json:"type" db:"type"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Active    bool            `json:"active" db:"active"`
	Version   int             `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// JournalEntry is the immutable header of a posted double entry. Lines are
// written once inside the posting transaction and never updated.
type JournalEntry struct {
	ID          string          `json:"id" db:"id"`
	EventName   string          `json:"event_name" db:"event_name"`
	Reference   string          `json:"reference" db:"reference"`
	Description string          `json:"description" db:"description"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	PostedBy    string          `json:"posted_by" db:"posted_by"`
	PostedAt    time.Time       `json:"posted_at" db:"posted_at"`
	Lines       []JournalLine   `json:"lines,omitempty"`
}

type JournalLine struct {
	ID          int             `json:"id" db:"id"`
	EntryID     string          `json:"entry_id" db:"entry_id"`
	AccountCode string          `json:"account_code" db:"account_code"`
	Direction   string          `json:"direction" db:"direction"` // DEBIT or CREDIT
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Balance     decimal.Decimal `json:"balance" db:"balance"` // account balance after this line
}

// EventMapping binds a ledger event to its debit and credit accounts.
type EventMapping struct {
	EventName   string `json:"event_name" db:"event_name"`
	DebitCode   string `json:"debit_code" db:"debit_code"`
	CreditCode  string `json:"credit_code" db:"credit_code"`
	Description string `json:"description" db:"description"`
}

// ManualJournalRequest is a multi-line entry posted by the treasurer.
type ManualJournalRequest struct {
	Reference   string              `json:"reference" validate:"required,max=64"`
	Description string              `json:"description" validate:"required,max=200"`
	Lines       []ManualJournalLine `json:"lines" validate:"required,min=2,dive"`
}

type ManualJournalLine struct {
	AccountCode string          `json:"accountCode" validate:"required"`
	Direction   string          `json:"direction" validate:"required,oneof=DEBIT CREDIT"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
}
