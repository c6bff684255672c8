package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/speedexgo/speedex/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nested", "speedex.log")

	logger, err := New(config.LoggingConfig{Level: "debug", LogFile: logPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
	logger.Sync()

	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "not-a-level"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}
