package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds returned by the loan and ledger services. Handlers map these to
// HTTP status codes; callers inside the package branch with errors.As.

// NotFoundError identifies a missing loan, member, account or product.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StateError reports an operation attempted against a loan in the wrong
// lifecycle state.
type StateError struct {
	LoanID string
	Status string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s loan %s in status %s", e.Op, e.LoanID, e.Status)
}

// RuleError reports a business rule violation (failed guard, ineligible
// member, double vote, self guarantee).
type RuleError struct {
	Rule    string
	Message string
}

func (e *RuleError) Error() string {
	return e.Message
}

// ShortfallError reports insufficient funds or exceeded limits, carrying the
// amounts so callers can surface the shortfall.
type ShortfallError struct {
	What      string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%s: requested %s, available %s", e.What, e.Requested, e.Available)
}

var (
	// ErrUnbalancedEntry rejects a journal entry whose debits and credits
	// do not sum equal.
	ErrUnbalancedEntry = errors.New("journal entry debits and credits do not balance")

	// ErrDuplicateReference rejects a posting whose external reference was
	// already used.
	ErrDuplicateReference = errors.New("duplicate posting reference")
)

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func wrongState(loanID, status, op string) error {
	return &StateError{LoanID: loanID, Status: status, Op: op}
}

func ruleViolation(rule, format string, args ...any) error {
	return &RuleError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}
