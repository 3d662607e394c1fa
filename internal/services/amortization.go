package services

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// Repayments are weekly.
const periodsPerYear = 52

// ScheduleParams is everything the amortization math needs. The engine is
// pure: no clock, no database, same inputs same schedule.
type ScheduleParams struct {
	LoanID        string
	Principal     decimal.Decimal
	AnnualRate    decimal.Decimal // percent
	DurationWeeks int
	GraceWeeks    int
	Method        string
	DisbursedAt   time.Time
}

// BuildSchedule generates the full installment schedule for a loan.
//
// FLAT charges interest on the original principal for the whole term;
// REDUCING_BALANCE charges interest on the declining balance with a level
// payment. In both methods rounding remainders land on the last installment
// so the schedule sums exactly to principal plus total interest.
func BuildSchedule(p ScheduleParams) ([]models.Installment, error) {
	if !p.Principal.IsPositive() {
		return nil, ruleViolation("POSITIVE_PRINCIPAL", "principal must be positive, got %s", p.Principal)
	}
	if p.DurationWeeks < 1 {
		return nil, ruleViolation("DURATION", "duration must be at least 1 week, got %d", p.DurationWeeks)
	}
	if p.AnnualRate.IsNegative() {
		return nil, ruleViolation("RATE", "interest rate cannot be negative, got %s", p.AnnualRate)
	}

	switch p.Method {
	case models.InterestFlat:
		return flatSchedule(p), nil
	case models.InterestReducingBalance:
		return reducingSchedule(p), nil
	default:
		return nil, ruleViolation("INTEREST_METHOD", "unknown interest method %q", p.Method)
	}
}

// A grace period shifts the first due date out but the first week of the
// term already provides one week of runway, so the offset is grace-1.
func graceOffset(graceWeeks int) int {
	if graceWeeks > 0 {
		return graceWeeks - 1
	}
	return 0
}

func dueDate(disbursed time.Time, graceWeeks, sequence int) time.Time {
	weeks := 1 + graceOffset(graceWeeks) + sequence
	return disbursed.AddDate(0, 0, 7*weeks)
}

func flatSchedule(p ScheduleParams) []models.Installment {
	n := int64(p.DurationWeeks)
	years := decimal.NewFromInt(n).Div(decimal.NewFromInt(periodsPerYear))
	totalInterest := p.Principal.Mul(p.AnnualRate.Div(decimal.NewFromInt(100))).Mul(years).Round(2)

	perPrincipal := p.Principal.Div(decimal.NewFromInt(n)).Round(2)
	perInterest := totalInterest.Div(decimal.NewFromInt(n)).Round(2)

	installments := make([]models.Installment, p.DurationWeeks)
	for i := 0; i < p.DurationWeeks; i++ {
		principal, interest := perPrincipal, perInterest
		if i == p.DurationWeeks-1 {
			paid := decimal.NewFromInt(n - 1)
			principal = p.Principal.Sub(perPrincipal.Mul(paid))
			interest = totalInterest.Sub(perInterest.Mul(paid))
		}
		installments[i] = models.Installment{
			LoanID:     p.LoanID,
			Sequence:   i + 1,
			DueDate:    dueDate(p.DisbursedAt, p.GraceWeeks, i),
			Principal:  principal,
			Interest:   interest,
			Total:      principal.Add(interest),
			PaidAmount: decimal.Zero,
			Status:     models.InstallmentPending,
		}
	}
	return installments
}

func reducingSchedule(p ScheduleParams) []models.Installment {
	n := int64(p.DurationWeeks)
	rate := p.AnnualRate.Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(periodsPerYear))

	var payment decimal.Decimal
	if rate.IsZero() {
		payment = p.Principal.Div(decimal.NewFromInt(n)).Round(2)
	} else {
		pow := decimal.NewFromInt(1).Add(rate).Pow(decimal.NewFromInt(n))
		payment = p.Principal.Mul(rate).Mul(pow).Div(pow.Sub(decimal.NewFromInt(1))).Round(2)
	}

	installments := make([]models.Installment, p.DurationWeeks)
	balance := p.Principal
	for i := 0; i < p.DurationWeeks; i++ {
		interest := balance.Mul(rate).Round(2)
		principal := payment.Sub(interest)
		// final period absorbs rounding drift
		if i == p.DurationWeeks-1 || principal.GreaterThan(balance) {
			principal = balance
		}
		balance = balance.Sub(principal)

		installments[i] = models.Installment{
			LoanID:     p.LoanID,
			Sequence:   i + 1,
			DueDate:    dueDate(p.DisbursedAt, p.GraceWeeks, i),
			Principal:  principal,
			Interest:   interest,
			Total:      principal.Add(interest),
			PaidAmount: decimal.Zero,
			Status:     models.InstallmentPending,
		}
	}
	return installments
}

// ScheduleTotals sums a schedule's principal and interest.
func ScheduleTotals(installments []models.Installment) (principal, interest decimal.Decimal) {
	for _, inst := range installments {
		principal = principal.Add(inst.Principal)
		interest = interest.Add(inst.Interest)
	}
	return principal, interest
}
