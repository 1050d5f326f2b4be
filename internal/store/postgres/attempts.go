package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
)

// AttemptStore implements store.AttemptStore using PostgreSQL.
type AttemptStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *AttemptStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const attemptColumns = `id, run_id, environment, component, artifact_hash, outcome,
	error, retries, created_at, finished_at`

// Create records a new pending attempt.
func (s *AttemptStore) Create(ctx context.Context, attempt *models.DeploymentAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if attempt.Outcome == "" {
		attempt.Outcome = models.AttemptOutcomePending
	}

	query := `
		INSERT INTO deployment_attempts (id, run_id, environment, component, artifact_hash,
			outcome, error, retries, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.conn().ExecContext(ctx, query,
		attempt.ID,
		attempt.RunID,
		attempt.Environment,
		attempt.Component,
		attempt.ArtifactHash,
		attempt.Outcome,
		nullString(attempt.Error),
		attempt.Retries,
		attempt.CreatedAt,
		attempt.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: attempt %s", store.ErrDuplicateKey, attempt.ID)
		}
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrInvalidOutcome, attempt.Outcome)
		}
		return fmt.Errorf("inserting attempt: %w", err)
	}

	s.logger.Debug("attempt created",
		"attempt_id", attempt.ID,
		"environment", attempt.Environment,
		"component", attempt.Component,
	)
	return nil
}

// Get retrieves an attempt by ID.
func (s *AttemptStore) Get(ctx context.Context, id string) (*models.DeploymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM deployment_attempts WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// Finalize moves a pending attempt to a terminal outcome.
// The WHERE clause on outcome makes finalization happen at most once.
func (s *AttemptStore) Finalize(ctx context.Context, id string, result store.AttemptResult) error {
	if !result.Outcome.IsTerminal() {
		return fmt.Errorf("%w: %s", store.ErrInvalidOutcome, result.Outcome)
	}

	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}

	query := `
		UPDATE deployment_attempts
		SET outcome = $2, error = $3, retries = $4, finished_at = $5
		WHERE id = $1 AND outcome = 'pending'`

	res, err := s.conn().ExecContext(ctx, query, id, result.Outcome, nullString(result.Error), result.Retries, finished)
	if err != nil {
		return fmt.Errorf("finalizing attempt: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", store.ErrAlreadyFinalized, id, existing.Outcome)
	}
	return nil
}

// Latest returns the most recent attempt for an environment and component.
func (s *AttemptStore) Latest(ctx context.Context, environment, component string) (*models.DeploymentAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM deployment_attempts
		WHERE environment = $1 AND component = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	return s.queryOne(ctx, query, environment, component)
}

// List returns attempts newest first. A limit <= 0 returns all.
func (s *AttemptStore) List(ctx context.Context, environment, component string, limit int) ([]*models.DeploymentAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM deployment_attempts
		WHERE environment = $1 AND component = $2
		ORDER BY created_at DESC, id DESC`
	args := []any{environment, component}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DeploymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

func (s *AttemptStore) queryOne(ctx context.Context, query string, args ...any) (*models.DeploymentAttempt, error) {
	a, err := scanAttempt(s.conn().QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying attempt: %w", err)
	}
	return a, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*models.DeploymentAttempt, error) {
	a := &models.DeploymentAttempt{}
	var errText sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.RunID,
		&a.Environment,
		&a.Component,
		&a.ArtifactHash,
		&a.Outcome,
		&errText,
		&a.Retries,
		&a.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if errText.Valid {
		a.Error = errText.String
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.Time
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
