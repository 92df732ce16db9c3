package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFileWithComponent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "seqc.log")

	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("scheduler").Debug("slot freed", "file", "a.bam")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	if entry["component"] != "scheduler" || entry["file"] != "a.bam" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	if err := Init(Config{OutputPaths: []string{"discard"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("audit logger should reuse the default logger when disabled")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
}
