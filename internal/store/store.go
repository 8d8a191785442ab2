// Package store is the durable ledger for deposits and transactions. It owns
// the only authoritative copy of saga progress: every state transition goes
// through Advance, which compare-and-sets the stored state and appends an
// audit row in the same database transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Caps carried over from the production deployment: a user's first deposit is
// limited to R$250 and a rolling day may not exceed R$5000.
const (
	firstDepositCapCents = 250 * 100
	dailyCapCents        = 5000 * 100
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateUser(ctx context.Context, referralCode *string) (User, error) {
	var referredBy *string
	if referralCode != nil {
		var referrerID string
		err := s.pool.QueryRow(ctx,
			"SELECT user_id FROM referrals WHERE referral_code = $1", *referralCode,
		).Scan(&referrerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return User{}, ErrReferralCodeNotFound
			}
			return User{}, err
		}
		referredBy = &referrerID
	}

	var u User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, referred_by)
		VALUES ($1, $2)
		RETURNING id, referred_by, created_at
	`, uuid.NewString(), referredBy).Scan(&u.ID, &u.ReferredBy, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		"SELECT id, referred_by, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.ReferredBy, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (s *Store) CreateReferral(ctx context.Context, userID, code, paymentAddress string) (Referral, error) {
	var r Referral
	err := s.pool.QueryRow(ctx, `
		INSERT INTO referrals (id, user_id, referral_code, payment_address)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, referral_code, payment_address, created_at
	`, uuid.NewString(), userID, code, paymentAddress).Scan(
		&r.ID, &r.UserID, &r.ReferralCode, &r.PaymentAddress, &r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Referral{}, ErrReferralCodeTaken
		}
		return Referral{}, err
	}
	return r, nil
}

// ReferrerAddress resolves the payout address of the user who referred
// userID. The referral link is a plain indexed back-reference, so cycles in
// the data carry no effect here.
func (s *Store) ReferrerAddress(ctx context.Context, userID string) (string, bool, error) {
	var addr string
	err := s.pool.QueryRow(ctx, `
		SELECT r.payment_address
		FROM users u
		JOIN referrals r ON r.user_id = u.referred_by
		WHERE u.id = $1 AND u.referred_by IS NOT NULL AND u.referred_by <> u.id
	`, userID).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return addr, true, nil
}

// CreateTransaction inserts a PixDeposit and its Transaction atomically, with
// the Transaction in state created. The partial unique index on
// transactions(deposit_id) guarantees at most one in-flight Transaction per
// deposit for the rest of the lifecycle.
func (s *Store) CreateTransaction(ctx context.Context, input CreateTransactionInput) (Transaction, PixDeposit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, PixDeposit{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var userExists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", input.UserID).Scan(&userExists); err != nil {
		return Transaction{}, PixDeposit{}, err
	}
	if !userExists {
		return Transaction{}, PixDeposit{}, ErrUserNotFound
	}

	var priorCount int64
	err = tx.QueryRow(ctx,
		"SELECT COUNT(1) FROM transactions WHERE user_id = $1", input.UserID,
	).Scan(&priorCount)
	if err != nil {
		return Transaction{}, PixDeposit{}, err
	}
	if priorCount == 0 && input.AmountInCents > firstDepositCapCents {
		return Transaction{}, PixDeposit{}, ErrFirstDepositCap
	}

	var dailySpent int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_in_cents), 0)
		FROM transactions
		WHERE user_id = $1 AND created_at >= date_trunc('day', now())
	`, input.UserID).Scan(&dailySpent)
	if err != nil {
		return Transaction{}, PixDeposit{}, err
	}
	if dailySpent+input.AmountInCents > dailyCapCents {
		return Transaction{}, PixDeposit{}, ErrDailyCap
	}

	var d PixDeposit
	err = tx.QueryRow(ctx, `
		INSERT INTO pix_deposits (id, amount_in_cents, status)
		VALUES ($1, $2, $3)
		RETURNING id, external_id, qr_id, amount_in_cents, payer_name, payer_tax_number,
		          status, qr_copy_paste, qr_image_url, created_at
	`, uuid.NewString(), input.AmountInCents, DepositPending).Scan(
		&d.ID, &d.ExternalID, &d.QRID, &d.AmountInCents, &d.PayerName, &d.PayerTaxNumber,
		&d.Status, &d.QRCopyPaste, &d.QRImageURL, &d.CreatedAt,
	)
	if err != nil {
		return Transaction{}, PixDeposit{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO transactions
		(id, deposit_id, user_id, address, fee_address, amount_in_cents, asset, network, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+transactionColumns+`
	`, uuid.NewString(), d.ID, input.UserID, input.Address, input.FeeAddress,
		input.AmountInCents, input.Asset, input.Network, StateCreated)

	created, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Transaction{}, PixDeposit{}, ErrDepositBusy
		}
		return Transaction{}, PixDeposit{}, err
	}

	if err := insertAudit(ctx, tx, created.ID, StateCreated, StateCreated, Changes{Detail: "transaction created"}); err != nil {
		return Transaction{}, PixDeposit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, PixDeposit{}, err
	}
	return created, d, nil
}

// RegisterCharge records the payment gateway's identifiers and QR payload on
// the deposit once the charge has been created externally.
func (s *Store) RegisterCharge(ctx context.Context, depositID, externalID, qrCopyPaste, qrImageURL string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pix_deposits
		SET external_id = $1, qr_id = $1, qr_copy_paste = $2, qr_image_url = $3, updated_at = now()
		WHERE id = $4
	`, externalID, qrCopyPaste, qrImageURL, depositID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateDepositStatus(ctx context.Context, depositID, status, payerName, payerTaxNumber string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pix_deposits
		SET status = $1, payer_name = $2, payer_tax_number = $3, updated_at = now()
		WHERE id = $4
	`, status, payerName, payerTaxNumber, depositID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetDeposit(ctx context.Context, id string) (PixDeposit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, qr_id, amount_in_cents, payer_name, payer_tax_number,
		       status, qr_copy_paste, qr_image_url, created_at
		FROM pix_deposits WHERE id = $1
	`, id)
	return scanDeposit(row)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

// GetTransactionByChargeID finds the transaction whose deposit was registered
// under the payment gateway's charge identifier.
func (s *Store) GetTransactionByChargeID(ctx context.Context, externalID string) (Transaction, PixDeposit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT d.id, d.external_id, d.qr_id, d.amount_in_cents, d.payer_name, d.payer_tax_number,
		       d.status, d.qr_copy_paste, d.qr_image_url, d.created_at
		FROM pix_deposits d WHERE d.external_id = $1 OR d.qr_id = $1
	`, externalID)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, PixDeposit{}, ErrNotFound
		}
		return Transaction{}, PixDeposit{}, err
	}

	txRow := s.pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE deposit_id = $1 ORDER BY created_at DESC LIMIT 1", d.ID)
	t, err := scanTransaction(txRow)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, PixDeposit{}, ErrNotFound
		}
		return Transaction{}, PixDeposit{}, err
	}
	return t, d, nil
}

// Advance compare-and-sets the transaction state from `from` to `to`,
// applying the optional column changes and appending an audit entry in the
// same database transaction. A mismatched prior state yields a
// *StateConflictError carrying the stored state.
func (s *Store) Advance(ctx context.Context, id string, from, to State, changes Changes) (Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var rateText *string
	if changes.Rate != nil {
		t := changes.Rate.String()
		rateText = &t
	}

	row := tx.QueryRow(ctx, `
		UPDATE transactions SET
			status = $1,
			rate = COALESCE($2, rate),
			rate_locked_until = COALESCE($3, rate_locked_until),
			fee_in_asset = COALESCE($4, fee_in_asset),
			referral_bonus = COALESCE($5, referral_bonus),
			destination_amount = COALESCE($6, destination_amount),
			settlement_ref = COALESCE($7, settlement_ref),
			network_tx_id = COALESCE($8, network_tx_id),
			bank_tx_id = COALESCE($9, bank_tx_id),
			failure_reason = COALESCE($10, failure_reason),
			updated_at = now()
		WHERE id = $11 AND status = $12
		RETURNING `+transactionColumns+`
	`, to, rateText, changes.RateLockedUntil, changes.FeeInAsset, changes.ReferralBonus,
		changes.DestinationAmount, changes.SettlementRef, changes.NetworkTxID,
		changes.BankTxID, changes.FailureReason, id, from)

	updated, err := scanTransaction(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, err
		}
		var current State
		serr := tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1", id).Scan(&current)
		if serr != nil {
			if errors.Is(serr, pgx.ErrNoRows) {
				return Transaction{}, ErrNotFound
			}
			return Transaction{}, serr
		}
		return Transaction{}, &StateConflictError{TransactionID: id, Expected: from, Current: current}
	}

	if err := insertAudit(ctx, tx, id, from, to, changes); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// WasEventApplied reports whether a webhook (bank_tx_id, status) pair has
// already driven a transition, which makes redelivery a no-op.
func (s *Store) WasEventApplied(ctx context.Context, bankTxID, eventStatus string) (bool, error) {
	var applied bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transaction_audit
			WHERE bank_tx_id = $1 AND event_status = $2
		)
	`, bankTxID, eventStatus).Scan(&applied)
	return applied, err
}

func (s *Store) ListInStates(ctx context.Context, states ...State) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE status = ANY($1) ORDER BY created_at", states)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListPendingOlderThan returns payment_pending transactions created before
// the cutoff, used by the payment expiry sweep.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE status = $1 AND created_at < $2",
		StatePaymentPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AuditTrail(ctx context.Context, transactionID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, from_status, to_status, bank_tx_id, event_status, detail, created_at
		FROM transaction_audit WHERE transaction_id = $1 ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.FromStatus, &e.ToStatus,
			&e.BankTxID, &e.EventStatus, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const transactionColumns = `id, deposit_id, user_id, address, fee_address, amount_in_cents,
	asset, network, status, rate, rate_locked_until, fee_in_asset, referral_bonus,
	destination_amount, settlement_ref, network_tx_id, bank_tx_id, failure_reason,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var rateText *string
	err := row.Scan(
		&t.ID, &t.DepositID, &t.UserID, &t.Address, &t.FeeAddress, &t.AmountInCents,
		&t.Asset, &t.Network, &t.Status, &rateText, &t.RateLockedUntil, &t.FeeInAsset,
		&t.ReferralBonus, &t.DestinationAmount, &t.SettlementRef, &t.NetworkTxID,
		&t.BankTxID, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	if rateText != nil {
		rate, perr := decimal.NewFromString(*rateText)
		if perr != nil {
			return Transaction{}, perr
		}
		t.Rate = &rate
	}
	return t, nil
}

func scanDeposit(row pgx.Row) (PixDeposit, error) {
	var d PixDeposit
	err := row.Scan(
		&d.ID, &d.ExternalID, &d.QRID, &d.AmountInCents, &d.PayerName, &d.PayerTaxNumber,
		&d.Status, &d.QRCopyPaste, &d.QRImageURL, &d.CreatedAt,
	)
	if err != nil {
		return PixDeposit{}, err
	}
	return d, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, transactionID string, from, to State, changes Changes) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transaction_audit (transaction_id, from_status, to_status, bank_tx_id, event_status, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transactionID, from, to, changes.EventBankTxID, changes.EventStatus, changes.Detail)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
