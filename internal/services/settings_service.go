package services

import (
	"context"
	"database/sql"
	"log"
	"strconv"

	"github.com/shopspring/decimal"
)

// Governance-tunable setting keys. Values live in system_settings and are
// read fresh on every call so a committee change takes effect immediately.
const (
	SettingLoanLimitMultiplier = "LOAN_LIMIT_MULTIPLIER"
	SettingGracePeriodWeeks    = "LOAN_GRACE_PERIOD_WEEKS"
	SettingMinMonthsMembership = "MIN_MONTHS_MEMBERSHIP"
	SettingMinSavingsForLoan   = "MIN_SAVINGS_FOR_LOAN"
	SettingMaxDebtRatio        = "MAX_DEBT_RATIO"
	SettingVotingMethod        = "LOAN_VOTING_METHOD"
	SettingDefaultPenaltyRate  = "DEFAULT_PENALTY_RATE"
)

// Voting methods.
const (
	VotingCommittee = "COMMITTEE"
	VotingSecretary = "SECRETARY"
)

type SettingsService struct {
	db *sql.DB
}

func NewSettingsService(db *sql.DB) *SettingsService {
	return &SettingsService{db: db}
}

func (s *SettingsService) get(ctx context.Context, key string) (string, bool) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		log.Printf("[SETTINGS] read %s failed, using default: %v", key, err)
		return "", false
	}
	return value, true
}

func (s *SettingsService) GetString(ctx context.Context, key, fallback string) string {
	if v, ok := s.get(ctx, key); ok {
		return v
	}
	return fallback
}

func (s *SettingsService) GetInt(ctx context.Context, key string, fallback int) int {
	if v, ok := s.get(ctx, key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[SETTINGS] %s=%q is not an integer, using default %d", key, v, fallback)
	}
	return fallback
}

func (s *SettingsService) GetDecimal(ctx context.Context, key string, fallback decimal.Decimal) decimal.Decimal {
	if v, ok := s.get(ctx, key); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		log.Printf("[SETTINGS] %s=%q is not a number, using default %s", key, v, fallback)
	}
	return fallback
}

// LoanLimitMultiplier defaults to 3x savings.
func (s *SettingsService) LoanLimitMultiplier(ctx context.Context) decimal.Decimal {
	return s.GetDecimal(ctx, SettingLoanLimitMultiplier, decimal.NewFromInt(3))
}

func (s *SettingsService) GracePeriodWeeks(ctx context.Context) int {
	return s.GetInt(ctx, SettingGracePeriodWeeks, 0)
}

func (s *SettingsService) MinMonthsMembership(ctx context.Context) int {
	return s.GetInt(ctx, SettingMinMonthsMembership, 3)
}

func (s *SettingsService) MinSavingsForLoan(ctx context.Context) decimal.Decimal {
	return s.GetDecimal(ctx, SettingMinSavingsForLoan, decimal.NewFromInt(5000))
}

// MaxDebtRatio caps a member's total debt, existing plus requested, as a
// multiple of their savings balance.
func (s *SettingsService) MaxDebtRatio(ctx context.Context) decimal.Decimal {
	return s.GetDecimal(ctx, SettingMaxDebtRatio, decimal.NewFromInt(4))
}

func (s *SettingsService) VotingMethod(ctx context.Context) string {
	return s.GetString(ctx, SettingVotingMethod, VotingCommittee)
}

// DefaultPenaltyRate is the daily percent applied to arrears when the loan's
// product does not carry its own rate.
func (s *SettingsService) DefaultPenaltyRate(ctx context.Context) decimal.Decimal {
	return s.GetDecimal(ctx, SettingDefaultPenaltyRate, decimal.RequireFromString("0.5"))
}
