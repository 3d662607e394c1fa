package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member statuses.
const (
	MemberActive    = "ACTIVE"
	MemberSuspended = "SUSPENDED"
	MemberExited    = "EXITED"
)

// Member is the slice of the member registry this engine reads. Member
// management itself lives in another system.
type Member struct {
	ID           string    `json:"id" db:"id"`
	MemberNumber string    `json:"member_number" db:"member_number"`
	FullName     string    `json:"full_name" db:"full_name"`
	PhoneNumber  string    `json:"phone_number" db:"phone_number"`
	Email        string    `json:"email" db:"email"`
	Role         string    `json:"role" db:"role"`
	Status       string    `json:"status" db:"status"`
	JoinedAt     time.Time `json:"joined_at" db:"joined_at"`
}

// SavingsAccount carries the two balances the loan engine cares about: what
// the member has saved and how much of it is locked behind guarantees.
type SavingsAccount struct {
	MemberID     string          `json:"member_id" db:"member_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	LockedAmount decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	ShareCapital decimal.Decimal `json:"share_capital" db:"share_capital"`
	Version      int             `json:"version" db:"version"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

type SystemSetting struct {
	Key         string `json:"key" db:"key"`
	Value       string `json:"value" db:"value"`
	Description string `json:"description" db:"description"`
}
