package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wa-session-console/backend/internal/model"
)

// BackupRepository provides data access for session backups. Rows are read
// newest first; retention is enforced by the backup store on top of Prune.
type BackupRepository struct {
	db *sql.DB
}

// NewBackupRepository creates a new BackupRepository.
func NewBackupRepository(db *sql.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// Insert appends a new backup for an instance.
func (r *BackupRepository) Insert(ctx context.Context, instanceID string, payload []byte) error {
	query := `
		INSERT INTO session_backups (instance_id, payload, created_at)
		VALUES (?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, instanceID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert backup: %w", err)
	}

	return nil
}

// Latest returns the newest backup for an instance, or ErrBackupUnavailable
// if none exists.
func (r *BackupRepository) Latest(ctx context.Context, instanceID string) (*model.SessionBackup, error) {
	query := `
		SELECT id, instance_id, payload, created_at
		FROM session_backups
		WHERE instance_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	backup := &model.SessionBackup{}
	err := r.db.QueryRowContext(ctx, query, instanceID).Scan(
		&backup.ID,
		&backup.InstanceID,
		&backup.Payload,
		&backup.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrBackupUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest backup: %w", err)
	}

	return backup, nil
}

// List returns all backups for an instance, newest first, without payloads.
func (r *BackupRepository) List(ctx context.Context, instanceID string) ([]*model.SessionBackup, error) {
	query := `
		SELECT id, instance_id, created_at
		FROM session_backups
		WHERE instance_id = ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var backups []*model.SessionBackup
	for rows.Next() {
		backup := &model.SessionBackup{}
		if err := rows.Scan(&backup.ID, &backup.InstanceID, &backup.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, backup)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return backups, nil
}

// Count returns the number of backups retained for an instance.
func (r *BackupRepository) Count(ctx context.Context, instanceID string) (int, error) {
	query := `SELECT COUNT(*) FROM session_backups WHERE instance_id = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, instanceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backups: %w", err)
	}

	return count, nil
}

// PruneBeyond deletes all but the keep newest backups for an instance.
func (r *BackupRepository) PruneBeyond(ctx context.Context, instanceID string, keep int) error {
	query := `
		DELETE FROM session_backups
		WHERE instance_id = ?
		AND id NOT IN (
			SELECT id FROM session_backups
			WHERE instance_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`

	_, err := r.db.ExecContext(ctx, query, instanceID, instanceID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune backups: %w", err)
	}

	return nil
}

// DeleteAll removes every backup for an instance.
func (r *BackupRepository) DeleteAll(ctx context.Context, instanceID string) error {
	query := `DELETE FROM session_backups WHERE instance_id = ?`

	if _, err := r.db.ExecContext(ctx, query, instanceID); err != nil {
		return fmt.Errorf("failed to delete backups: %w", err)
	}

	return nil
}
