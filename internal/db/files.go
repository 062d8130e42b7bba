package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

// CreateFiles inserts staged files in one transaction.
func (r *DB) CreateFiles(ctx context.Context, files []quote.File) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTxx: %w", err)
	}
	defer tx.Rollback()

	for i := range files {
		if files[i].ID == "" {
			files[i].ID = uuid.New().String()
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO files (id, quote_id, title, cid, public_url, length, content_type)
VALUES (:id, :quote_id, :title, :cid, :public_url, :length, :content_type)`, files[i]); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	return tx.Commit()
}

// ListFiles returns the files staged for the quote row quoteRowID.
func (r *DB) ListFiles(ctx context.Context, quoteRowID string) ([]quote.File, error) {
	var files []quote.File
	if err := r.db.SelectContext(ctx, &files, r.db.Rebind("SELECT id, quote_id, title, cid, public_url, length, content_type FROM files WHERE quote_id=? ORDER BY title, id"), quoteRowID); err != nil {
		return nil, fmt.Errorf("db.Select files: %w", err)
	}
	return files, nil
}
