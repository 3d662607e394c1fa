package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harambeesacco/backend/internal/models"
)

// AccountingService owns the general ledger: the chart of accounts, the
// event-to-accounts mappings and all journal postings. Every posting is
// balanced and atomic; partial entries never reach the tables.
type AccountingService struct {
	db *sql.DB
}

func NewAccountingService(db *sql.DB) *AccountingService {
	return &AccountingService{db: db}
}

var chartSeed = []models.GLAccount{
	{Code: models.AccountCash, Name: "Cash at Hand", Type: models.AccountTypeAsset},
	{Code: models.AccountMpesa, Name: "Mpesa/Bank Liquidity", Type: models.AccountTypeAsset},
	{Code: models.AccountBank, Name: "Bank Account", Type: models.AccountTypeAsset},
	{Code: models.AccountLoansReceivable, Name: "Loans Receivable", Type: models.AccountTypeAsset},
	{Code: models.AccountInterestReceivable, Name: "Interest Receivable", Type: models.AccountTypeAsset},
	{Code: models.AccountMemberSavings, Name: "Member Savings", Type: models.AccountTypeLiability},
	{Code: models.AccountShareCapital, Name: "Share Capital", Type: models.AccountTypeEquity},
	{Code: models.AccountRegistrationFees, Name: "Registration Fee Income", Type: models.AccountTypeIncome},
	{Code: models.AccountInterestIncome, Name: "Interest Income", Type: models.AccountTypeIncome},
	{Code: models.AccountPenaltyIncome, Name: "Penalty Income", Type: models.AccountTypeIncome},
	{Code: models.AccountProcessingFees, Name: "Loan Processing Fee Income", Type: models.AccountTypeIncome},
	{Code: models.AccountWriteOffExpense, Name: "Loan Write-off Expense", Type: models.AccountTypeExpense},
}

var mappingSeed = []models.EventMapping{
	{EventName: models.EventLoanDisbursement, DebitCode: models.AccountLoansReceivable, CreditCode: models.AccountMpesa, Description: "Loan disbursement"},
	{EventName: models.EventLoanRepaymentPrincipal, DebitCode: models.AccountMpesa, CreditCode: models.AccountLoansReceivable, Description: "Loan principal repayment"},
	{EventName: models.EventLoanRepaymentInterest, DebitCode: models.AccountMpesa, CreditCode: models.AccountInterestIncome, Description: "Loan interest repayment"},
	{EventName: models.EventLoanProcessingFee, DebitCode: models.AccountMpesa, CreditCode: models.AccountProcessingFees, Description: "Loan processing fee"},
	{EventName: models.EventInterestAccrual, DebitCode: models.AccountInterestReceivable, CreditCode: models.AccountInterestIncome, Description: "Daily interest accrual"},
	{EventName: models.EventPenaltyApplied, DebitCode: models.AccountInterestReceivable, CreditCode: models.AccountPenaltyIncome, Description: "Arrears penalty"},
	{EventName: models.EventSavingsDeposit, DebitCode: models.AccountMpesa, CreditCode: models.AccountMemberSavings, Description: "Member savings deposit"},
	{EventName: models.EventSavingsWithdrawal, DebitCode: models.AccountMemberSavings, CreditCode: models.AccountMpesa, Description: "Member savings withdrawal"},
	{EventName: models.EventShareCapitalPurchase, DebitCode: models.AccountMpesa, CreditCode: models.AccountShareCapital, Description: "Share capital purchase"},
	{EventName: models.EventRegistrationFee, DebitCode: models.AccountMpesa, CreditCode: models.AccountRegistrationFees, Description: "Member registration fee"},
	{EventName: models.EventLoanWriteOff, DebitCode: models.AccountWriteOffExpense, CreditCode: models.AccountLoansReceivable, Description: "Loan write-off"},
}

// InitChartOfAccounts seeds the chart. Existing accounts keep their balances.
func (s *AccountingService) InitChartOfAccounts(ctx context.Context) error {
	for _, acc := range chartSeed {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO gl_accounts (code, name, type, balance, active, version, updated_at)
			VALUES ($1, $2, $3, 0, true, 1, $4)
			ON CONFLICT (code) DO NOTHING`,
			acc.Code, acc.Name, acc.Type, time.Now())
		if err != nil {
			return fmt.Errorf("seed account %s: %w", acc.Code, err)
		}
	}
	log.Printf("[LEDGER] chart of accounts ready (%d accounts)", len(chartSeed))
	return nil
}

// InitEventMappings seeds the event mappings and then validates every mapping
// against the chart. An event pointing at a missing or inactive account is a
// deployment error and must stop startup, not surface mid-posting.
func (s *AccountingService) InitEventMappings(ctx context.Context) error {
	for _, m := range mappingSeed {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO gl_event_mappings (event_name, debit_code, credit_code, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_name) DO UPDATE SET debit_code = $2, credit_code = $3, description = $4`,
			m.EventName, m.DebitCode, m.CreditCode, m.Description)
		if err != nil {
			return fmt.Errorf("seed mapping %s: %w", m.EventName, err)
		}
	}
	return s.ValidateMappings(ctx)
}

// ValidateMappings checks that every configured event maps to active accounts.
func (s *AccountingService) ValidateMappings(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.event_name, m.debit_code, m.credit_code,
		       d.code IS NOT NULL AND d.active, c.code IS NOT NULL AND c.active
		FROM gl_event_mappings m
		LEFT JOIN gl_accounts d ON d.code = m.debit_code
		LEFT JOIN gl_accounts c ON c.code = m.credit_code`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event, debit, credit string
		var debitOK, creditOK bool
		if err := rows.Scan(&event, &debit, &credit, &debitOK, &creditOK); err != nil {
			return err
		}
		if !debitOK {
			return fmt.Errorf("event %s maps debit to unknown or inactive account %s", event, debit)
		}
		if !creditOK {
			return fmt.Errorf("event %s maps credit to unknown or inactive account %s", event, credit)
		}
	}
	return rows.Err()
}

// PostEvent posts a mapped event in its own transaction.
func (s *AccountingService) PostEvent(ctx context.Context, eventName, reference, description, postedBy string, amount decimal.Decimal) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	entryID, err := s.PostEventTx(tx, eventName, reference, description, postedBy, amount)
	if err != nil {
		return "", err
	}
	return entryID, tx.Commit()
}

// PostEventTx posts a mapped event inside the caller's transaction, so loan
// operations can bundle the ledger write with their own state changes.
func (s *AccountingService) PostEventTx(tx *sql.Tx, eventName, reference, description, postedBy string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ruleViolation("POSITIVE_AMOUNT", "posting amount must be positive, got %s", amount)
	}

	var debitCode, creditCode string
	err := tx.QueryRow(`
		SELECT debit_code, credit_code FROM gl_event_mappings WHERE event_name = $1`,
		eventName).Scan(&debitCode, &creditCode)
	if err == sql.ErrNoRows {
		return "", ruleViolation("UNMAPPED_EVENT", "no ledger mapping for event %s", eventName)
	}
	if err != nil {
		return "", err
	}

	if description == "" {
		description = eventName
	}

	return s.postDoubleEntryTx(tx, eventName, reference, description, postedBy, debitCode, creditCode, amount)
}

// postDoubleEntryTx writes a balanced two-line entry. Both accounts are taken
// FOR UPDATE in code order so concurrent postings cannot deadlock.
func (s *AccountingService) postDoubleEntryTx(tx *sql.Tx, eventName, reference, description, postedBy, debitCode, creditCode string, amount decimal.Decimal) (string, error) {
	firstLock, secondLock := debitCode, creditCode
	if debitCode > creditCode {
		firstLock, secondLock = creditCode, debitCode
	}

	first, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return "", err
	}
	second, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return "", err
	}

	debitAcc, creditAcc := first, second
	if firstLock != debitCode {
		debitAcc, creditAcc = second, first
	}

	debitBalance := applySigned(debitAcc.Type, "DEBIT", debitAcc.Balance, amount)
	creditBalance := applySigned(creditAcc.Type, "CREDIT", creditAcc.Balance, amount)

	// Crediting an asset account drains it. Liquidity accounts must never
	// go negative, so the whole posting fails before any write.
	if creditAcc.Type == models.AccountTypeAsset && creditBalance.IsNegative() {
		return "", &ShortfallError{What: "account " + creditAcc.Code, Requested: amount, Available: creditAcc.Balance}
	}

	entryID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO journal_entries (id, event_name, reference, description, total_amount, posted_by, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, eventName, reference, description, amount, postedBy, time.Now())
	if err != nil {
		return "", err
	}

	if err := s.insertLine(tx, entryID, debitAcc.Code, "DEBIT", amount, debitBalance); err != nil {
		return "", err
	}
	if err := s.insertLine(tx, entryID, creditAcc.Code, "CREDIT", amount, creditBalance); err != nil {
		return "", err
	}

	if err := s.updateBalance(tx, debitAcc.Code, debitBalance, debitAcc.Version); err != nil {
		return "", err
	}
	if err := s.updateBalance(tx, creditAcc.Code, creditBalance, creditAcc.Version); err != nil {
		return "", err
	}

	return entryID, nil
}

// PostManualJournalEntry posts a treasurer-authored multi-line entry. The
// entry is rejected before any write if the sides do not balance.
func (s *AccountingService) PostManualJournalEntry(ctx context.Context, req *models.ManualJournalRequest, postedBy string) (string, error) {
	debits, credits := decimal.Zero, decimal.Zero
	for _, line := range req.Lines {
		if !line.Amount.IsPositive() {
			return "", ruleViolation("POSITIVE_AMOUNT", "line amount must be positive, got %s", line.Amount)
		}
		if line.Direction == "DEBIT" {
			debits = debits.Add(line.Amount)
		} else {
			credits = credits.Add(line.Amount)
		}
	}
	if !debits.Equal(credits) {
		return "", ErrUnbalancedEntry
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	codes := make([]string, 0, len(req.Lines))
	seen := make(map[string]bool)
	for _, line := range req.Lines {
		if !seen[line.AccountCode] {
			seen[line.AccountCode] = true
			codes = append(codes, line.AccountCode)
		}
	}
	sort.Strings(codes)

	accounts := make(map[string]*models.GLAccount, len(codes))
	for _, code := range codes {
		acc, err := s.lockAccount(tx, code)
		if err != nil {
			return "", err
		}
		accounts[code] = acc
	}

	entryID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO journal_entries (id, event_name, reference, description, total_amount, posted_by, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, "MANUAL_JOURNAL", req.Reference, req.Description, debits, postedBy, time.Now())
	if err != nil {
		return "", err
	}

	for _, line := range req.Lines {
		acc := accounts[line.AccountCode]
		acc.Balance = applySigned(acc.Type, line.Direction, acc.Balance, line.Amount)
		if err := s.insertLine(tx, entryID, acc.Code, line.Direction, line.Amount, acc.Balance); err != nil {
			return "", err
		}
	}

	for _, code := range codes {
		acc := accounts[code]
		if err := s.updateBalance(tx, acc.Code, acc.Balance, acc.Version); err != nil {
			return "", err
		}
	}

	return entryID, tx.Commit()
}

// GetAccountBalance reads the current balance of one account.
func (s *AccountingService) GetAccountBalance(ctx context.Context, code string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM gl_accounts WHERE code = $1`, code).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, notFound("account", code)
	}
	return balance, err
}

// ListAccounts returns the chart with current balances, ordered by code.
func (s *AccountingService) ListAccounts(ctx context.Context) ([]models.GLAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, type, balance, active, version, updated_at
		FROM gl_accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.GLAccount
	for rows.Next() {
		var a models.GLAccount
		if err := rows.Scan(&a.Code, &a.Name, &a.Type, &a.Balance, &a.Active, &a.Version, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetJournalEntry loads an entry with its lines.
func (s *AccountingService) GetJournalEntry(ctx context.Context, entryID string) (*models.JournalEntry, error) {
	var e models.JournalEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_name, reference, description, total_amount, posted_by, posted_at
		FROM journal_entries WHERE id = $1`, entryID).
		Scan(&e.ID, &e.EventName, &e.Reference, &e.Description, &e.TotalAmount, &e.PostedBy, &e.PostedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("journal entry", entryID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, account_code, direction, amount, balance
		FROM journal_lines WHERE entry_id = $1 ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l models.JournalLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountCode, &l.Direction, &l.Amount, &l.Balance); err != nil {
			return nil, err
		}
		e.Lines = append(e.Lines, l)
	}
	return &e, rows.Err()
}

func (s *AccountingService) lockAccount(tx *sql.Tx, code string) (*models.GLAccount, error) {
	var acc models.GLAccount
	err := tx.QueryRow(`
		SELECT code, name, type, balance, active, version
		FROM gl_accounts
		WHERE code = $1
		FOR UPDATE`, code).
		Scan(&acc.Code, &acc.Name, &acc.Type, &acc.Balance, &acc.Active, &acc.Version)
	if err == sql.ErrNoRows {
		return nil, notFound("account", code)
	}
	if err != nil {
		return nil, err
	}
	if !acc.Active {
		return nil, ruleViolation("INACTIVE_ACCOUNT", "account %s is inactive", code)
	}
	return &acc, nil
}

func (s *AccountingService) insertLine(tx *sql.Tx, entryID, code, direction string, amount, balance decimal.Decimal) error {
	_, err := tx.Exec(`
		INSERT INTO journal_lines (entry_id, account_code, direction, amount, balance)
		VALUES ($1, $2, $3, $4, $5)`,
		entryID, code, direction, amount, balance)
	return err
}

func (s *AccountingService) updateBalance(tx *sql.Tx, code string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE gl_accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE code = $3 AND version = $4`,
		newBalance, time.Now(), code, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", code)
	}
	return nil
}

// applySigned applies a debit or credit to a balance under the normal-balance
// convention: debits grow assets and expenses, credits grow liabilities,
// equity and income.
func applySigned(accountType, direction string, balance, amount decimal.Decimal) decimal.Decimal {
	grows := direction == "DEBIT"
	switch accountType {
	case models.AccountTypeAsset, models.AccountTypeExpense:
		// debit-normal
	default:
		grows = !grows
	}
	if grows {
		return balance.Add(amount)
	}
	return balance.Sub(amount)
}
