// Package backup persists and restores the opaque on-disk session state for
// instances, keeping a bounded history of snapshots per instance id.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/wa-session-console/backend/internal/model"
	"github.com/wa-session-console/backend/internal/repository"
)

// DefaultRetain is the number of backups kept per instance id.
const DefaultRetain = 3

// Store is the session backup store. Snapshots live in SQLite; the live
// session state each driver reads is a per-instance file under StateDir,
// which Restore overwrites.
type Store struct {
	repo     *repository.BackupRepository
	stateDir string
	retain   int
}

// Config holds configuration for the backup store.
type Config struct {
	StateDir string
	Retain   int
}

// NewStore creates a backup store. A zero Retain falls back to DefaultRetain.
func NewStore(repo *repository.BackupRepository, config Config) *Store {
	if config.Retain <= 0 {
		config.Retain = DefaultRetain
	}
	return &Store{
		repo:     repo,
		stateDir: config.StateDir,
		retain:   config.Retain,
	}
}

// LiveStatePath returns the live session state file for an instance.
func (s *Store) LiveStatePath(instanceID string) string {
	return filepath.Join(s.stateDir, instanceID+".session")
}

// Backup writes a new snapshot for the instance and prunes beyond the
// retention count.
func (s *Store) Backup(ctx context.Context, instanceID string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("refusing empty backup for instance %s", instanceID)
	}
	if err := s.repo.Insert(ctx, instanceID, payload); err != nil {
		return err
	}
	if err := s.repo.PruneBeyond(ctx, instanceID, s.retain); err != nil {
		// The snapshot itself is durable; stale extras are retried on the
		// next backup.
		log.Printf("Failed to prune backups for instance %s: %v", instanceID, err)
	}
	return nil
}

// BackupLive snapshots the instance's current live session state. A missing
// live file is an error the caller reports without failing its own flow; at
// early lifecycle points the driver may not have written state yet.
func (s *Store) BackupLive(ctx context.Context, instanceID string) error {
	payload, err := os.ReadFile(s.LiveStatePath(instanceID))
	if err != nil {
		return fmt.Errorf("failed to read live session state: %w", err)
	}
	return s.Backup(ctx, instanceID, payload)
}

// Latest returns the newest backup for the instance, or
// model.ErrBackupUnavailable if none exists.
func (s *Store) Latest(ctx context.Context, instanceID string) (*model.SessionBackup, error) {
	return s.repo.Latest(ctx, instanceID)
}

// Restore overwrites the live session state with the latest backup's payload.
// It returns false when no usable backup exists; a corrupt or unreadable
// backup is treated as absent, never as fatal.
func (s *Store) Restore(ctx context.Context, instanceID string) (bool, error) {
	backup, err := s.repo.Latest(ctx, instanceID)
	if err != nil {
		if errors.Is(err, model.ErrBackupUnavailable) {
			return false, nil
		}
		log.Printf("Treating unreadable backup for instance %s as absent: %v", instanceID, err)
		return false, nil
	}
	if len(backup.Payload) == 0 {
		log.Printf("Treating empty backup %d for instance %s as absent", backup.ID, instanceID)
		return false, nil
	}

	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return false, fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(s.LiveStatePath(instanceID), backup.Payload, 0600); err != nil {
		return false, fmt.Errorf("failed to write live session state: %w", err)
	}
	return true, nil
}

// Prune enforces the retention count. Backup already prunes on every write;
// this entry point exists for operator-triggered cleanup.
func (s *Store) Prune(ctx context.Context, instanceID string) error {
	return s.repo.PruneBeyond(ctx, instanceID, s.retain)
}

// Count returns the number of retained backups for an instance.
func (s *Store) Count(ctx context.Context, instanceID string) (int, error) {
	return s.repo.Count(ctx, instanceID)
}

// RemoveLive deletes the instance's live session state file. Retained
// snapshots are kept for operator inspection; Purge removes those too.
func (s *Store) RemoveLive(instanceID string) error {
	err := os.Remove(s.LiveStatePath(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove live session state: %w", err)
	}
	return nil
}

// Purge removes the live state and every retained snapshot for an instance.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	if err := s.RemoveLive(instanceID); err != nil {
		return err
	}
	return s.repo.DeleteAll(ctx, instanceID)
}
