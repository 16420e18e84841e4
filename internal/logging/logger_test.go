package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drewdunne/conductor/internal/config"
)

func TestNew_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(config.LoggingConfig{Level: "info", Format: "json", Dir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("merge train refreshed")
	closeFn()

	files, err := filepath.Glob(filepath.Join(dir, "conductor-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("log files = %v (err %v), want one", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "merge train refreshed") {
		t.Errorf("log file missing info line: %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Errorf("log file contains debug line: %s", data)
	}
}

func TestNew_InvalidSettings(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("New() with unknown level should fail")
	}
	if _, _, err := New(config.LoggingConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("New() with unknown format should fail")
	}
}

func TestDailyFile_Rotates(t *testing.T) {
	dir := t.TempDir()
	f, err := NewDailyFile(dir, "test")
	if err != nil {
		t.Fatalf("NewDailyFile() error = %v", err)
	}
	defer f.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	f.now = func() time.Time { return day }
	if _, err := f.Write([]byte("one\n")); err != nil {
		t.Fatal(err)
	}
	first := f.Path()

	day = day.Add(2 * time.Minute)
	if _, err := f.Write([]byte("two\n")); err != nil {
		t.Fatal(err)
	}
	second := f.Path()

	if first == second {
		t.Fatalf("Path() = %q on both days, want a new file", first)
	}
	if want := filepath.Join(dir, "test-2026-03-02.log"); second != want {
		t.Errorf("Path() = %q, want %q", second, want)
	}
	data, _ := os.ReadFile(first)
	if string(data) != "one\n" {
		t.Errorf("first file = %q, want %q", data, "one\n")
	}
}

func TestRetention(t *testing.T) {
	if got := Retention(config.LoggingConfig{RetentionDays: 2}); got != 48*time.Hour {
		t.Errorf("Retention() = %v, want 48h", got)
	}
	if got := Retention(config.LoggingConfig{}); got != 0 {
		t.Errorf("Retention() = %v, want 0", got)
	}
}
