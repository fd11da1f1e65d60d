package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/wa-session-console/backend/internal/db"
	"github.com/wa-session-console/backend/internal/model"
	"github.com/wa-session-console/backend/internal/repository"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })

	return NewStore(repository.NewBackupRepository(testDB), Config{
		StateDir: t.TempDir(),
	})
}

func TestStore_Backup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("backup stores a snapshot", func(t *testing.T) {
		if err := store.Backup(ctx, "x1", []byte("snap-1")); err != nil {
			t.Fatalf("Backup failed: %v", err)
		}

		count, err := store.Count(ctx, "x1")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected 1 backup, got %d", count)
		}
	})

	t.Run("empty payload is rejected", func(t *testing.T) {
		if err := store.Backup(ctx, "x1", nil); err == nil {
			t.Error("Expected error for empty payload")
		}
		if err := store.Backup(ctx, "x1", []byte{}); err == nil {
			t.Error("Expected error for zero-length payload")
		}
	})

	t.Run("latest returns the newest snapshot", func(t *testing.T) {
		if err := store.Backup(ctx, "x1", []byte("snap-2")); err != nil {
			t.Fatalf("Backup failed: %v", err)
		}

		backup, err := store.Latest(ctx, "x1")
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if string(backup.Payload) != "snap-2" {
			t.Errorf("Expected latest payload 'snap-2', got '%s'", backup.Payload)
		}
	})

	t.Run("latest for unknown instance", func(t *testing.T) {
		_, err := store.Latest(ctx, "missing")
		if !errors.Is(err, model.ErrBackupUnavailable) {
			t.Errorf("Expected ErrBackupUnavailable, got %v", err)
		}
	})
}

func TestStore_Retention(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Write more snapshots than the retention count.
	for i := 0; i < DefaultRetain+4; i++ {
		payload := []byte(fmt.Sprintf("snap-%d", i))
		if err := store.Backup(ctx, "x1", payload); err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
	}

	count, err := store.Count(ctx, "x1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != DefaultRetain {
		t.Errorf("Expected %d retained backups, got %d", DefaultRetain, count)
	}

	// The newest snapshot survives pruning.
	backup, err := store.Latest(ctx, "x1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	want := fmt.Sprintf("snap-%d", DefaultRetain+3)
	if string(backup.Payload) != want {
		t.Errorf("Expected latest payload '%s', got '%s'", want, backup.Payload)
	}

	// Retention is per instance id.
	if err := store.Backup(ctx, "x2", []byte("other")); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	count, err = store.Count(ctx, "x2")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 backup for x2, got %d", count)
	}
}

func TestStore_BackupLive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("missing live state is an error", func(t *testing.T) {
		if err := store.BackupLive(ctx, "x1"); err == nil {
			t.Error("Expected error when no live session state exists")
		}
	})

	t.Run("live state is snapshotted", func(t *testing.T) {
		if err := os.WriteFile(store.LiveStatePath("x1"), []byte("live-blob"), 0600); err != nil {
			t.Fatalf("Failed to write live session state: %v", err)
		}

		if err := store.BackupLive(ctx, "x1"); err != nil {
			t.Fatalf("BackupLive failed: %v", err)
		}

		backup, err := store.Latest(ctx, "x1")
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if string(backup.Payload) != "live-blob" {
			t.Errorf("Expected payload 'live-blob', got '%s'", backup.Payload)
		}
	})
}

func TestStore_Restore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("restore with no backups reports absent", func(t *testing.T) {
		restored, err := store.Restore(ctx, "x1")
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if restored {
			t.Error("Expected no restore without backups")
		}
	})

	t.Run("restore overwrites the live state", func(t *testing.T) {
		if err := store.Backup(ctx, "x1", []byte("good")); err != nil {
			t.Fatalf("Backup failed: %v", err)
		}
		if err := os.WriteFile(store.LiveStatePath("x1"), []byte("corrupted"), 0600); err != nil {
			t.Fatalf("Failed to write live session state: %v", err)
		}

		restored, err := store.Restore(ctx, "x1")
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if !restored {
			t.Fatal("Expected a restore")
		}

		data, err := os.ReadFile(store.LiveStatePath("x1"))
		if err != nil {
			t.Fatalf("Failed to read live session state: %v", err)
		}
		if string(data) != "good" {
			t.Errorf("Expected restored payload 'good', got '%s'", data)
		}
	})

	t.Run("restore is repeatable", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			restored, err := store.Restore(ctx, "x1")
			if err != nil {
				t.Fatalf("Restore %d failed: %v", i, err)
			}
			if !restored {
				t.Fatalf("Restore %d should succeed", i)
			}
		}

		data, err := os.ReadFile(store.LiveStatePath("x1"))
		if err != nil {
			t.Fatalf("Failed to read live session state: %v", err)
		}
		if string(data) != "good" {
			t.Errorf("Repeated restore changed the payload: '%s'", data)
		}
	})
}

func TestStore_RemoveAndPurge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := os.WriteFile(store.LiveStatePath("x1"), []byte("live"), 0600); err != nil {
		t.Fatalf("Failed to write live session state: %v", err)
	}
	if err := store.Backup(ctx, "x1", []byte("snap")); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	t.Run("remove live keeps the snapshots", func(t *testing.T) {
		if err := store.RemoveLive("x1"); err != nil {
			t.Fatalf("RemoveLive failed: %v", err)
		}
		if _, err := os.Stat(store.LiveStatePath("x1")); !os.IsNotExist(err) {
			t.Error("Live session state should be gone")
		}

		count, err := store.Count(ctx, "x1")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 1 {
			t.Errorf("Snapshots should survive RemoveLive, got %d", count)
		}
	})

	t.Run("remove live is idempotent", func(t *testing.T) {
		if err := store.RemoveLive("x1"); err != nil {
			t.Errorf("Second RemoveLive should be a no-op: %v", err)
		}
	})

	t.Run("purge drops everything", func(t *testing.T) {
		if err := store.Purge(ctx, "x1"); err != nil {
			t.Fatalf("Purge failed: %v", err)
		}

		count, err := store.Count(ctx, "x1")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 0 {
			t.Errorf("Expected no backups after purge, got %d", count)
		}
	})
}
