package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wa-session-console/backend/internal/model"
)

// InstanceRepository provides data access for instance records. The registry
// mirrors its in-memory records here so the dashboard can list instances
// (including final states) across process restarts.
type InstanceRepository struct {
	db *sql.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *sql.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts a new instance row. Rows survive process restarts, so an id
// a previous process left behind is replaced rather than rejected; liveness
// is the registry's call, not the mirror's.
func (r *InstanceRepository) Create(ctx context.Context, record *model.InstanceRecord) error {
	infoJSON, err := record.SessionInfoToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize session info: %w", err)
	}

	query := `
		INSERT INTO instances (id, state, session_info, last_disconnect_reason, last_transition_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			session_info = excluded.session_info,
			last_disconnect_reason = excluded.last_disconnect_reason,
			last_transition_at = excluded.last_transition_at,
			created_at = excluded.created_at
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.State,
		infoJSON,
		record.LastDisconnectReason,
		record.LastTransitionAt,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// GetByID retrieves an instance row by its id.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*model.InstanceRecord, error) {
	query := `
		SELECT id, state, session_info, last_disconnect_reason, last_transition_at, created_at
		FROM instances
		WHERE id = ?
	`

	record := &model.InstanceRecord{}
	var infoJSON sql.NullString
	var reason sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID,
		&record.State,
		&infoJSON,
		&reason,
		&record.LastTransitionAt,
		&record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if infoJSON.Valid {
		if err := record.SessionInfoFromJSON(infoJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse session info: %w", err)
		}
	}
	if reason.Valid {
		record.LastDisconnectReason = reason.String
	}

	return record, nil
}

// List retrieves all instance rows, newest first.
func (r *InstanceRepository) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	query := `
		SELECT id, state, session_info, last_disconnect_reason, last_transition_at, created_at
		FROM instances
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var records []*model.InstanceRecord
	for rows.Next() {
		record := &model.InstanceRecord{}
		var infoJSON sql.NullString
		var reason sql.NullString

		err := rows.Scan(
			&record.ID,
			&record.State,
			&infoJSON,
			&reason,
			&record.LastTransitionAt,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		if infoJSON.Valid {
			if err := record.SessionInfoFromJSON(infoJSON.String); err != nil {
				return nil, fmt.Errorf("failed to parse session info: %w", err)
			}
		}
		if reason.Valid {
			record.LastDisconnectReason = reason.String
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return records, nil
}

// UpdateState updates the lifecycle columns of an instance row.
func (r *InstanceRepository) UpdateState(ctx context.Context, record *model.InstanceRecord) error {
	infoJSON, err := record.SessionInfoToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize session info: %w", err)
	}

	query := `
		UPDATE instances
		SET state = ?, session_info = ?, last_disconnect_reason = ?, last_transition_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		record.State,
		infoJSON,
		record.LastDisconnectReason,
		record.LastTransitionAt,
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrInstanceNotFound
	}

	return nil
}

// Delete removes an instance row.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM instances WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrInstanceNotFound
	}

	return nil
}

// MarkLiveDisconnected flags every row left in a live state by a previous
// process as disconnected with the given reason. Called once at startup.
// Rows already disconnected keep their original reason.
func (r *InstanceRepository) MarkLiveDisconnected(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE instances
		SET state = ?, last_disconnect_reason = ?, last_transition_at = ?
		WHERE state NOT IN (?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		model.StateDisconnected,
		reason,
		time.Now(),
		model.StateDestroyed,
		model.StateAuthFailed,
		model.StateDisconnected,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark live instances disconnected: %w", err)
	}

	return result.RowsAffected()
}
