package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
)

// StatusStore implements store.StatusStore using PostgreSQL.
type StatusStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *StatusStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get retrieves the record for a key.
func (s *StatusStore) Get(ctx context.Context, key string) (*models.StatusRecord, error) {
	query := `
		SELECT key, comment_id, body, stages, updated_at
		FROM status_records
		WHERE key = $1`

	r := &models.StatusRecord{}
	err := s.conn().QueryRowContext(ctx, query, key).Scan(
		&r.Key,
		&r.CommentID,
		&r.Body,
		pq.Array(&r.Stages),
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying status record: %w", err)
	}
	return r, nil
}

// Upsert creates or replaces the record for its key.
func (s *StatusStore) Upsert(ctx context.Context, record *models.StatusRecord) error {
	if record.Key == "" {
		return fmt.Errorf("status record key is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	stages := record.Stages
	if stages == nil {
		stages = []string{}
	}

	query := `
		INSERT INTO status_records (key, comment_id, body, stages, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			comment_id = EXCLUDED.comment_id,
			body = EXCLUDED.body,
			stages = EXCLUDED.stages,
			updated_at = EXCLUDED.updated_at`

	_, err := s.conn().ExecContext(ctx, query,
		record.Key,
		record.CommentID,
		record.Body,
		pq.Array(stages),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting status record: %w", err)
	}
	return nil
}

// Delete removes the record for a key.
func (s *StatusStore) Delete(ctx context.Context, key string) error {
	_, err := s.conn().ExecContext(ctx, `DELETE FROM status_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting status record: %w", err)
	}
	return nil
}
