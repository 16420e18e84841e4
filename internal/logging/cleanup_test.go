package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestCleanup_RemovesExpiredLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "conductor-2020-01-01.log")
	recent := filepath.Join(dir, "conductor-today.log")
	oldOther := filepath.Join(dir, "notes.txt")
	writeAged(t, old, 60*24*time.Hour)
	writeAged(t, recent, time.Hour)
	writeAged(t, oldOther, 60*24*time.Hour)

	deleted, err := NewCleaner(dir, 30*24*time.Hour).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired log should be deleted")
	}
	for _, keep := range []string{recent, oldOther} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s should be kept: %v", filepath.Base(keep), err)
		}
	}
}

func TestCleanup_RemovesEmptyDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "archive", "2020")
	writeAged(t, filepath.Join(nested, "old.log"), 60*24*time.Hour)

	if _, err := NewCleaner(dir, 30*24*time.Hour).Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "archive")); !os.IsNotExist(err) {
		t.Error("emptied directories should be removed")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Error("base directory should be kept")
	}
}

func TestCleanup_MissingDir(t *testing.T) {
	deleted, err := NewCleaner(filepath.Join(t.TempDir(), "missing"), time.Hour).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v, want nil", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}
