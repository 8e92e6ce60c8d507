package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dmsyncd.log")

	logger, err := New(path, "work", "debug")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello", Conversation("c1"), Cursor(101, 6))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	if entry["profile"] != "work" {
		t.Errorf("profile = %v, want work", entry["profile"])
	}
	if entry["conversation_id"] != "c1" {
		t.Errorf("conversation_id = %v, want c1", entry["conversation_id"])
	}
	cur, ok := entry["cursor"].(map[string]any)
	if !ok || cur["ts"] != float64(101) || cur["id"] != float64(6) {
		t.Errorf("cursor = %v, want {ts:101 id:6}", entry["cursor"])
	}
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmsyncd.log")

	logger, err := New(path, "main", "loud")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Error("debug entry written with invalid level, want info fallback")
	}
	if !strings.Contains(string(data), "shown") {
		t.Error("info entry missing")
	}
}
