// Package deliverylog records the outcome of every notification the mailer
// service handled, in the notification_deliveries table.
package deliverylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"gitlab.com/phytodb/services/backend/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts one delivery. ID and CreatedAt are filled in when empty.
func (r *Repository) Record(ctx context.Context, d *models.Delivery) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_deliveries
			(id, user_id, user_email, protein_target, ligand_target, status, attempts, error_message, duration_ms, dead_letter_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.UserID, d.UserEmail, d.ProteinTarget, d.LigandTarget, d.Status,
		d.Attempts, d.ErrorMessage, d.Duration.Milliseconds(), d.DeadLetterKey, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Recent lists the newest deliveries first. limit is clamped to
// [1, MaxListLimit]; zero means DefaultListLimit.
func (r *Repository) Recent(ctx context.Context, limit int) ([]models.Delivery, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	query := `
		SELECT id, user_id, user_email, protein_target, ligand_target, status, attempts, error_message, duration_ms, dead_letter_key, created_at
		FROM notification_deliveries
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []models.Delivery{}
	for rows.Next() {
		var (
			d          models.Delivery
			durationMS int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.UserEmail, &d.ProteinTarget, &d.LigandTarget,
			&d.Status, &d.Attempts, &d.ErrorMessage, &durationMS, &d.DeadLetterKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return deliveries, nil
}
