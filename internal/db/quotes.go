package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

const quoteColumns = "id, quote_id, storage_id, duration, token_address, approve_address, token_amount, status, nonce, expiration, created_at"

// CreateQuote inserts a quote and its payment, then moves the quote from
// its initial status to ready, all in one transaction. Nothing is stored if
// any step fails. A ready equal to q.Status skips the move.
func (r *DB) CreateQuote(ctx context.Context, q *quote.Quote, p *quote.Payment, ready quote.Status) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTxx: %w", err)
	}
	defer tx.Rollback()

	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO quotes (`+quoteColumns+`)
VALUES (:id, :quote_id, :storage_id, :duration, :token_address, :approve_address, :token_amount, :status, :nonce, :expiration, :created_at)`, q); err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.QuoteID = q.ID
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO payments (id, quote_id, payment_method_id, user_address, token_address, status)
VALUES (:id, :quote_id, :payment_method_id, :user_address, :token_address, :status)`, p); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if ready != q.Status {
		res, err := tx.ExecContext(ctx, tx.Rebind("UPDATE quotes SET status=? WHERE id=? AND status=?"), ready, q.ID, q.Status)
		if err != nil {
			return fmt.Errorf("update quote status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("quote %s left %s before commit", q.QuoteID, q.Status)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	q.Status = ready
	return nil
}

// GetQuote loads a quote by its backend issued id together with its payment
// and storage. A quote whose storage is gone comes back with a nil Storage.
// It returns nil, nil if there is no such quote.
func (r *DB) GetQuote(ctx context.Context, quoteID string) (*quote.Quote, error) {
	var q quote.Quote
	if err := r.db.GetContext(ctx, &q, r.db.Rebind("SELECT "+quoteColumns+" FROM quotes WHERE quote_id=?"), quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get quote: %w", err)
	}

	var p quote.Payment
	err := r.db.GetContext(ctx, &p, r.db.Rebind("SELECT id, quote_id, payment_method_id, user_address, token_address, status FROM payments WHERE quote_id=?"), q.ID)
	switch {
	case err == nil:
		q.Payment = &p
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("db.Get payment: %w", err)
	}

	if q.StorageID != nil {
		s, err := r.GetStorage(ctx, *q.StorageID)
		if err != nil {
			return nil, err
		}
		q.Storage = s
	}

	return &q, nil
}

// UpdateQuoteStatus moves a quote from one status to another. It reports
// false, without error, when the quote was not in status from.
func (r *DB) UpdateQuoteStatus(ctx context.Context, id string, from, to quote.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE quotes SET status=? WHERE id=? AND status=?"), to, id, from)
	if err != nil {
		return false, fmt.Errorf("update quote status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AdvanceNonce stores nonce if it is strictly greater than the current one.
// It reports false when another request got there first.
func (r *DB) AdvanceNonce(ctx context.Context, id string, nonce int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE quotes SET nonce=? WHERE id=? AND nonce<?"), nonce, id, nonce)
	if err != nil {
		return false, fmt.Errorf("advance nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdatePaymentStatus records the settlement state of a quote's payment.
func (r *DB) UpdatePaymentStatus(ctx context.Context, quoteRowID string, status quote.PaymentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid payment status %q", status)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE payments SET status=? WHERE quote_id=?"), string(status), quoteRowID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}
