package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// MemberService is the savings-side counter: deposits, withdrawals and share
// capital purchases, each mirrored into the ledger. Member registration and
// profile management live in another system; this service only moves their
// balances.
type MemberService struct {
	db            *sql.DB
	accounting    *AccountingService
	notifications *NotificationService
}

func NewMemberService(db *sql.DB, accounting *AccountingService, notifications *NotificationService) *MemberService {
	return &MemberService{db: db, accounting: accounting, notifications: notifications}
}

// Deposit credits a member's savings and posts SAVINGS_DEPOSIT.
func (s *MemberService) Deposit(ctx context.Context, memberID, reference, receivedBy string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ruleViolation("POSITIVE_AMOUNT", "deposit amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return err
	}

	if err := s.updateSavings(tx, memberID, account.Balance.Add(amount), account.ShareCapital, account.Version); err != nil {
		return err
	}

	_, err = s.accounting.PostEventTx(tx, models.EventSavingsDeposit, reference,
		fmt.Sprintf("Savings deposit for member %s", memberID), receivedBy, amount)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notifications.Notify(memberID, "Deposit received",
		fmt.Sprintf("Your savings deposit of %s has been recorded.", amount), false, true)
	return nil
}

// Withdraw debits a member's savings. Funds locked behind guarantees are not
// withdrawable.
func (s *MemberService) Withdraw(ctx context.Context, memberID, reference, authorizedBy string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ruleViolation("POSITIVE_AMOUNT", "withdrawal amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return err
	}

	free := account.Balance.Sub(account.LockedAmount)
	if free.LessThan(amount) {
		return &ShortfallError{What: "withdrawable savings", Requested: amount, Available: free}
	}

	if err := s.updateSavings(tx, memberID, account.Balance.Sub(amount), account.ShareCapital, account.Version); err != nil {
		return err
	}

	_, err = s.accounting.PostEventTx(tx, models.EventSavingsWithdrawal, reference,
		fmt.Sprintf("Savings withdrawal for member %s", memberID), authorizedBy, amount)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// PurchaseShareCapital converts cash into share capital and posts
// SHARE_CAPITAL_PURCHASE. Share capital never counts toward the loan limit
// savings base and is not withdrawable.
func (s *MemberService) PurchaseShareCapital(ctx context.Context, memberID, reference, receivedBy string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ruleViolation("POSITIVE_AMOUNT", "share purchase must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	account, err := s.lockSavings(tx, memberID)
	if err != nil {
		return err
	}

	if err := s.updateSavings(tx, memberID, account.Balance, account.ShareCapital.Add(amount), account.Version); err != nil {
		return err
	}

	_, err = s.accounting.PostEventTx(tx, models.EventShareCapitalPurchase, reference,
		fmt.Sprintf("Share capital purchase by member %s", memberID), receivedBy, amount)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetSavings returns a member's savings account snapshot.
func (s *MemberService) GetSavings(ctx context.Context, memberID string) (*models.SavingsAccount, error) {
	var account models.SavingsAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT member_id, balance, locked_amount, share_capital, version, updated_at
		FROM savings_accounts WHERE member_id = $1`, memberID).
		Scan(&account.MemberID, &account.Balance, &account.LockedAmount, &account.ShareCapital,
			&account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("savings account", memberID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *MemberService) lockSavings(tx *sql.Tx, memberID string) (*models.SavingsAccount, error) {
	var account models.SavingsAccount
	err := tx.QueryRow(`
		SELECT member_id, balance, locked_amount, share_capital, version
		FROM savings_accounts
		WHERE member_id = $1
		FOR UPDATE`, memberID).
		Scan(&account.MemberID, &account.Balance, &account.LockedAmount, &account.ShareCapital, &account.Version)
	if err == sql.ErrNoRows {
		return nil, notFound("savings account", memberID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *MemberService) updateSavings(tx *sql.Tx, memberID string, balance, shareCapital decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE savings_accounts
		SET balance = $1, share_capital = $2, version = version + 1, updated_at = $3
		WHERE member_id = $4 AND version = $5`,
		balance, shareCapital, time.Now(), memberID, version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for savings account %s", memberID)
	}
	return nil
}
