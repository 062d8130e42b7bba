package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

const storageColumns = "id, type, description, url, active, created_at"

// CreateStorage inserts a backend with its payment methods and accepted
// tokens in one transaction. Missing ids are generated. A backend of the same
// type already stored yields quote.ErrBackendExists.
func (r *DB) CreateStorage(ctx context.Context, s *quote.Storage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTxx: %w", err)
	}
	defer tx.Rollback()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO storages (id, type, description, url, active, created_at)
VALUES (:id, :type, :description, :url, :active, :created_at)`, s); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert storage %s: %w", s.Type, quote.ErrBackendExists)
		}
		return fmt.Errorf("insert storage: %w", err)
	}

	if err := insertPaymentMethods(ctx, tx, s); err != nil {
		return err
	}

	return tx.Commit()
}

// ReactivateStorage overwrites an existing backend row, replaces its payment
// methods and marks it active again.
func (r *DB) ReactivateStorage(ctx context.Context, s *quote.Storage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTxx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `UPDATE storages SET description=:description, url=:url, active=:active, created_at=:created_at
WHERE id=:id`, s)
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("storage %s not found", s.ID)
	}

	// sqlite does not enforce the foreign keys unless asked to, so the
	// dependent rows are cleared explicitly
	for _, query := range []string{
		"UPDATE payments SET payment_method_id=NULL WHERE payment_method_id IN (SELECT id FROM payment_methods WHERE storage_id=?)",
		"DELETE FROM accepted_tokens WHERE payment_method_id IN (SELECT id FROM payment_methods WHERE storage_id=?)",
		"DELETE FROM payment_methods WHERE storage_id=?",
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), s.ID); err != nil {
			return fmt.Errorf("clear payment methods: %w", err)
		}
	}

	if err := insertPaymentMethods(ctx, tx, s); err != nil {
		return err
	}

	return tx.Commit()
}

func insertPaymentMethods(ctx context.Context, tx *sqlx.Tx, s *quote.Storage) error {
	for i := range s.PaymentMethods {
		pm := &s.PaymentMethods[i]
		if pm.ID == "" {
			pm.ID = uuid.New().String()
		}
		pm.StorageID = s.ID

		if _, err := tx.NamedExecContext(ctx, `INSERT INTO payment_methods (id, storage_id, chain_id, rpc_endpoint_url)
VALUES (:id, :storage_id, :chain_id, :rpc_endpoint_url)`, pm); err != nil {
			return fmt.Errorf("insert payment method: %w", err)
		}

		for j := range pm.AcceptedTokens {
			tok := &pm.AcceptedTokens[j]
			if tok.ID == "" {
				tok.ID = uuid.New().String()
			}
			tok.PaymentMethodID = pm.ID

			if _, err := tx.NamedExecContext(ctx, `INSERT INTO accepted_tokens (id, payment_method_id, title, value)
VALUES (:id, :payment_method_id, :title, :value)`, tok); err != nil {
				return fmt.Errorf("insert accepted token: %w", err)
			}
		}
	}
	return nil
}

// GetStorage returns nil, nil if there is no such backend.
func (r *DB) GetStorage(ctx context.Context, id string) (*quote.Storage, error) {
	return r.getStorage(ctx, "SELECT "+storageColumns+" FROM storages WHERE id=?", id)
}

// GetStorageByType returns the backend registered for typ, active or not.
// It returns nil, nil if there is none.
func (r *DB) GetStorageByType(ctx context.Context, typ string) (*quote.Storage, error) {
	return r.getStorage(ctx, "SELECT "+storageColumns+" FROM storages WHERE type=?", typ)
}

func (r *DB) getStorage(ctx context.Context, query string, arg any) (*quote.Storage, error) {
	var s quote.Storage
	if err := r.db.GetContext(ctx, &s, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get storage: %w", err)
	}

	methods, err := r.paymentMethods(ctx, []string{s.ID})
	if err != nil {
		return nil, err
	}
	s.PaymentMethods = methods[s.ID]

	return &s, nil
}

// ListStorages returns backends ordered by type.
func (r *DB) ListStorages(ctx context.Context, activeOnly bool) ([]quote.Storage, error) {
	query := "SELECT " + storageColumns + " FROM storages"
	var args []any
	if activeOnly {
		query += " WHERE active=?"
		args = append(args, true)
	}
	query += " ORDER BY type"

	var storages []quote.Storage
	if err := r.db.SelectContext(ctx, &storages, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("db.Select storages: %w", err)
	}
	if len(storages) == 0 {
		return storages, nil
	}

	ids := make([]string, len(storages))
	for i, s := range storages {
		ids[i] = s.ID
	}
	methods, err := r.paymentMethods(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range storages {
		storages[i].PaymentMethods = methods[storages[i].ID]
	}

	return storages, nil
}

// DeactivateStorages marks active backends registered at or before
// olderThan inactive and returns how many were affected.
func (r *DB) DeactivateStorages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE storages SET active=? WHERE active=? AND created_at<=?"), false, true, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate storages: %w", err)
	}
	return res.RowsAffected()
}

// paymentMethods loads the payment methods and tokens of the given
// storages, keyed by storage id.
func (r *DB) paymentMethods(ctx context.Context, storageIDs []string) (map[string][]quote.PaymentMethod, error) {
	query, args, err := sqlx.In("SELECT id, storage_id, chain_id, rpc_endpoint_url FROM payment_methods WHERE storage_id IN (?) ORDER BY chain_id, id", storageIDs)
	if err != nil {
		return nil, fmt.Errorf("sqlx.In payment methods: %w", err)
	}
	var methods []quote.PaymentMethod
	if err := r.db.SelectContext(ctx, &methods, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("db.Select payment methods: %w", err)
	}

	out := make(map[string][]quote.PaymentMethod, len(storageIDs))
	if len(methods) == 0 {
		return out, nil
	}

	methodIDs := make([]string, len(methods))
	for i, m := range methods {
		methodIDs[i] = m.ID
	}
	query, args, err = sqlx.In("SELECT id, payment_method_id, title, value FROM accepted_tokens WHERE payment_method_id IN (?) ORDER BY title, id", methodIDs)
	if err != nil {
		return nil, fmt.Errorf("sqlx.In accepted tokens: %w", err)
	}
	var tokens []quote.AcceptedToken
	if err := r.db.SelectContext(ctx, &tokens, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("db.Select accepted tokens: %w", err)
	}

	byMethod := make(map[string][]quote.AcceptedToken, len(methods))
	for _, t := range tokens {
		byMethod[t.PaymentMethodID] = append(byMethod[t.PaymentMethodID], t)
	}
	for _, m := range methods {
		m.AcceptedTokens = byMethod[m.ID]
		out[m.StorageID] = append(out[m.StorageID], m)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
