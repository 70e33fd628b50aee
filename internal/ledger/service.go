// Package ledger owns the local money state machine: account balances,
// transfer status transitions and the audit transactions written when
// funds actually move. Every operation that touches a balance runs as a
// single database transaction with row locks, so a concurrent reader can
// never observe a balance move without its matching status change.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/domain"
	"github.com/mvlaskovic/interclear/internal/wire"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidState        = errors.New("transfer is not in a valid state for this operation")
	ErrCurrencyMismatch    = errors.New("accounts use different currencies")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// Originator hands a reserved transfer to the interbank protocol engine
// for NEW_TX origination. Bound after construction to break the mutual
// dependency between the ledger and the engine.
type Originator interface {
	SendNewTX(ctx context.Context, t *domain.Transfer, from *domain.Account) error
}

type Service struct {
	db         *pgxpool.Pool
	log        *zap.Logger
	originator Originator
}

func NewService(db *pgxpool.Pool, log *zap.Logger) *Service {
	return &Service{db: db, log: log}
}

func (s *Service) BindOriginator(o Originator) {
	s.originator = o
}

const accountColumns = `id, account_number, owner_id, currency, balance::text, reserved_balance::text, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance, reserved string
	err := row.Scan(&a.ID, &a.AccountNumber, &a.OwnerID, &a.Currency, &balance, &reserved, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	if a.ReservedBalance, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("parse reserved balance: %w", err)
	}
	return &a, nil
}

const transferColumns = `id, from_account_id, to_account_id, amount::text, from_currency, to_currency, status, type, note, receiver, otp, created_at, completed_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var amount string
	err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &amount, &t.FromCurrency, &t.ToCurrency,
		&t.Status, &t.Type, &t.Note, &t.Receiver, &t.OTP, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

func (s *Service) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Service) AccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, number))
}

func (s *Service) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

func (s *Service) CreateAccount(ctx context.Context, accountNumber string, ownerID int64, currency string, balance decimal.Decimal) (*domain.Account, error) {
	a := &domain.Account{
		AccountNumber:   accountNumber,
		OwnerID:         ownerID,
		Currency:        currency,
		Balance:         balance,
		ReservedBalance: decimal.Zero,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO accounts (account_number, owner_id, currency, balance, reserved_balance)
		VALUES ($1, $2, $3, $4::numeric, 0)
		RETURNING id, created_at
	`, accountNumber, ownerID, currency, balance.String()).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// TransactionsForAccount lists the settled legs touching an account, the
// audit view exposed over the API.
func (s *Service) TransactionsForAccount(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, transfer_id, account_id, amount::text, currency, description, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tr domain.Transaction
		var amount string
		if err := rows.Scan(&tr.ID, &tr.TransferID, &tr.AccountID, &amount, &tr.Currency, &tr.Description, &tr.CreatedAt); err != nil {
			return nil, err
		}
		if tr.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CreateForeignTransfer records the intent to send money to an account
// at the counterpart bank. The transfer stays PENDING until processed;
// the foreign identifier travels in the note field.
func (s *Service) CreateForeignTransfer(ctx context.Context, fromAccountNumber, recipientAccount string, amount decimal.Decimal, receiver string) (*domain.Transfer, error) {
	from, err := s.AccountByNumber(ctx, fromAccountNumber)
	if err != nil {
		return nil, err
	}

	t := &domain.Transfer{
		FromAccountID: &from.ID,
		Amount:        amount,
		FromCurrency:  from.Currency,
		ToCurrency:    from.Currency,
		Status:        domain.TransferPending,
		Type:          domain.TransferForeignBank,
		Note:          recipientAccount,
		Receiver:      receiver,
		OTP:           uuid.NewString(),
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO transfers (from_account_id, amount, from_currency, to_currency, status, type, note, receiver, otp)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, from.ID, amount.String(), t.FromCurrency, t.ToCurrency, t.Status, t.Type, t.Note, t.Receiver, t.OTP).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	return t, nil
}

// ProcessForeignTransfer is the Reserve step of the state machine:
// PENDING -> RESERVED with the amount moved from balance to reserved
// balance in the same transaction, then NEW_TX origination. A failed
// origination marks the transfer FAILED but leaves the funds reserved;
// an ambiguous failure must reconcile through an operator, never by
// silently un-reserving.
func (s *Service) ProcessForeignTransfer(ctx context.Context, transferID int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, transferID))
	if err != nil {
		return err
	}
	if t.FromAccountID == nil {
		return fmt.Errorf("%w: transfer %d has no source account", ErrInvalidState, t.ID)
	}

	from, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, *t.FromAccountID))
	if err != nil {
		return err
	}

	if err := applyReserve(t, from); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			tx.Rollback(ctx)
			s.markFailed(ctx, t.ID, "Insufficient balance")
		}
		return err
	}

	if err := s.saveBalances(ctx, tx, from); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE transfers SET status = $1 WHERE id = $2`, t.Status, t.ID); err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info("transfer reserved",
		zap.Int64("transfer_id", t.ID),
		zap.String("amount", t.Amount.String()))

	if err := s.originator.SendNewTX(ctx, t, from); err != nil {
		// The reservation is already committed; record the failure and
		// surface it so the operator path can reconcile.
		s.markFailed(ctx, t.ID, "NEW_TX origination failed: "+err.Error())
		return fmt.Errorf("transfer processing failed: %w", err)
	}
	return nil
}

// CommitReservation finalizes a reserved outbound transfer after the
// counterpart voted YES: the reserved funds leave the bank and a debit
// transaction is written. RESERVED -> COMPLETED.
func (s *Service) CommitReservation(ctx context.Context, key wire.IdempotenceKey) (*domain.Transfer, error) {
	id, err := transferIDFromKey(key)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if t.FromAccountID == nil {
		return nil, fmt.Errorf("%w: transfer %d has no source account", ErrInvalidState, t.ID)
	}

	from, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, *t.FromAccountID))
	if err != nil {
		return nil, err
	}
	if err := applyCommit(t, from); err != nil {
		return nil, err
	}

	if err := s.saveBalances(ctx, tx, from); err != nil {
		return nil, err
	}
	if err := s.insertTransaction(ctx, tx, t.ID, from.ID, t.Amount.Neg(), t.FromCurrency, "Foreign bank transfer settled"); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE transfers SET status = $1, completed_at = now() WHERE id = $2`,
		t.Status, t.ID); err != nil {
		return nil, fmt.Errorf("update transfer status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info("reservation committed", zap.Int64("transfer_id", t.ID))
	return t, nil
}

// ReleaseReservation undoes a reserved outbound transfer after a NO vote
// or retry exhaustion: funds return to the spendable balance.
// RESERVED -> CANCELLED.
func (s *Service) ReleaseReservation(ctx context.Context, key wire.IdempotenceKey) (*domain.Transfer, error) {
	id, err := transferIDFromKey(key)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if t.FromAccountID == nil {
		return nil, fmt.Errorf("%w: transfer %d has no source account", ErrInvalidState, t.ID)
	}

	from, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, *t.FromAccountID))
	if err != nil {
		return nil, err
	}
	if err := applyRelease(t, from); err != nil {
		return nil, err
	}

	if err := s.saveBalances(ctx, tx, from); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE transfers SET status = $1 WHERE id = $2`, t.Status, t.ID); err != nil {
		return nil, fmt.Errorf("update transfer status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info("reservation released", zap.Int64("transfer_id", t.ID))
	return t, nil
}

// ReceiveCredit applies an inbound COMMIT_TX: the counterpart already
// debited its side, so the local account is credited directly and a
// COMPLETED transfer materializes without a reservation step.
func (s *Service) ReceiveCredit(ctx context.Context, accountNumber string, amount decimal.Decimal, currency, description, sender string) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	to, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`, accountNumber))
	if err != nil {
		return nil, err
	}
	to.Credit(amount)

	if err := s.saveBalances(ctx, tx, to); err != nil {
		return nil, err
	}

	t := &domain.Transfer{
		ToAccountID:  &to.ID,
		Amount:       amount,
		FromCurrency: currency,
		ToCurrency:   currency,
		Status:       domain.TransferCompleted,
		Type:         domain.TransferForeignBank,
		Note:         description,
		Receiver:     sender,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transfers (to_account_id, amount, from_currency, to_currency, status, type, note, receiver, otp, completed_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, '', now())
		RETURNING id, created_at
	`, to.ID, amount.String(), currency, currency, t.Status, t.Type, description, sender).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert received transfer: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, t.ID, to.ID, amount, currency, description); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info("foreign credit received",
		zap.Int64("transfer_id", t.ID),
		zap.String("account", accountNumber),
		zap.String("amount", amount.String()))
	return t, nil
}

func (s *Service) saveBalances(ctx context.Context, tx pgx.Tx, a *domain.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $1::numeric, reserved_balance = $2::numeric WHERE id = $3`,
		a.Balance.String(), a.ReservedBalance.String(), a.ID)
	if err != nil {
		return fmt.Errorf("update account balances: %w", err)
	}
	return nil
}

func (s *Service) insertTransaction(ctx context.Context, tx pgx.Tx, transferID, accountID int64, amount decimal.Decimal, currency, description string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (transfer_id, account_id, amount, currency, description)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`, transferID, accountID, amount.String(), currency, description)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// markFailed runs outside the main transaction: the FAILED status must
// stick even though the operation itself rolled back or already
// committed.
func (s *Service) markFailed(ctx context.Context, transferID int64, note string) {
	if _, err := s.db.Exec(ctx,
		`UPDATE transfers SET status = $1, note = $2 WHERE id = $3`,
		domain.TransferFailed, note, transferID); err != nil {
		s.log.Error("failed to mark transfer as FAILED",
			zap.Int64("transfer_id", transferID), zap.Error(err))
	}
}

// transferIDFromKey recovers the local transfer id from an outbound
// NEW_TX idempotence key, whose locally generated half is the id.
func transferIDFromKey(key wire.IdempotenceKey) (int64, error) {
	id, err := strconv.ParseInt(key.LocallyGeneratedKey, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idempotence key %q does not reference a local transfer: %w", key.String(), err)
	}
	return id, nil
}

// --- internal transfers ---------------------------------------------

// TransferRequest is the client payload for a same-currency internal
// transfer.
type TransferRequest struct {
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Entry is one leg of the double entry in a transfer response.
type Entry struct {
	AccountID int64           `json:"account_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// TransferResult is the canonical response for a settled internal
// transfer.
type TransferResult struct {
	Transfer domain.Transfer `json:"transfer"`
	Entries  []Entry         `json:"entries"`
}

// IdempotencyRecord holds the stored response for a replayed request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	ResponseBody   json.RawMessage
	ResponseStatus int
}

// InternalTransfer settles a same-currency transfer between two local
// accounts synchronously, in one transaction with deterministic lock
// ordering. Internal transfers never touch the interbank protocol.
func (s *Service) InternalTransfer(ctx context.Context, req TransferRequest, idempotencyKey, reqHash string) (*TransferResult, *IdempotencyRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Idempotency check
	var storedStatus *int
	var storedBody json.RawMessage
	var storedHash string
	err = tx.QueryRow(ctx,
		`SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key = $1`,
		idempotencyKey,
	).Scan(&storedStatus, &storedBody, &storedHash)
	if err == nil {
		if storedHash != reqHash {
			return nil, nil, ErrIdempotencyMismatch
		}
		if storedStatus == nil {
			// Key reserved by a request still in flight.
			return nil, nil, ErrIdempotencyConflict
		}
		return nil, &IdempotencyRecord{
			Key:            idempotencyKey,
			RequestHash:    storedHash,
			ResponseBody:   storedBody,
			ResponseStatus: *storedStatus,
		}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	// Idempotency reservation
	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')`,
		idempotencyKey, reqHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, nil, ErrIdempotencyConflict
		}
		return nil, nil, fmt.Errorf("key reservation failed: %w", err)
	}

	// Deterministic lock ordering prevents deadlocks when two transfers
	// cross the same pair of accounts.
	firstID, secondID := req.FromAccountID, req.ToAccountID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	first, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, firstID))
	if err != nil {
		return nil, nil, err
	}
	second, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, secondID))
	if err != nil {
		return nil, nil, err
	}

	from, to := first, second
	if from.ID != req.FromAccountID {
		from, to = second, first
	}

	if from.Currency != to.Currency {
		return nil, nil, ErrCurrencyMismatch
	}
	if from.Balance.LessThan(req.Amount) {
		return nil, nil, ErrInsufficientFunds
	}
	from.Balance = from.Balance.Sub(req.Amount)
	to.Balance = to.Balance.Add(req.Amount)

	var transferID int64
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO transfers (from_account_id, to_account_id, amount, from_currency, to_currency, status, type, note, receiver, otp, completed_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, '', '', '', now())
		RETURNING id, created_at
	`, req.FromAccountID, req.ToAccountID, req.Amount.String(), from.Currency, to.Currency,
		domain.TransferCompleted, domain.TransferInternal).
		Scan(&transferID, &createdAt)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer insert failed: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, transferID, from.ID, req.Amount.Neg(), from.Currency, "Internal transfer"); err != nil {
		return nil, nil, err
	}
	if err := s.insertTransaction(ctx, tx, transferID, to.ID, req.Amount, to.Currency, "Internal transfer"); err != nil {
		return nil, nil, err
	}

	if err := s.saveBalances(ctx, tx, from); err != nil {
		return nil, nil, err
	}
	if err := s.saveBalances(ctx, tx, to); err != nil {
		return nil, nil, err
	}

	result := &TransferResult{
		Transfer: domain.Transfer{
			ID:            transferID,
			FromAccountID: &req.FromAccountID,
			ToAccountID:   &req.ToAccountID,
			Amount:        req.Amount,
			FromCurrency:  from.Currency,
			ToCurrency:    to.Currency,
			Status:        domain.TransferCompleted,
			Type:          domain.TransferInternal,
			CreatedAt:     createdAt,
		},
		Entries: []Entry{
			{AccountID: from.ID, Delta: req.Amount.Neg()},
			{AccountID: to.ID, Delta: req.Amount},
		},
	}

	respBody, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE idempotency_keys SET status = 'completed', transfer_id = $1, response_status = $2, response_body = $3 WHERE key = $4`,
		transferID, http.StatusCreated, respBody, idempotencyKey,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return result, nil, nil
}
