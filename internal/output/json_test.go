package output

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeArmListing struct {
	Arm         int    `json:"arm"`
	Description string `json:"description"`
	PullCount   int    `json:"pull_count"`
}

func TestWriteJSONToFile(t *testing.T) {
	v := struct {
		SchemaVersion string           `json:"schema_version"`
		Arms          []fakeArmListing `json:"arms"`
	}{
		SchemaVersion: "1.0.0",
		Arms: []fakeArmListing{
			{Arm: 0, Description: "noop", PullCount: 42},
		},
	}

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "report.json")

	if err := WriteJSON(v, outPath); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	if len(data) < 10 {
		t.Error("output file too small")
	}

	content := string(data)
	if !containsStr(content, `"schema_version": "1.0.0"`) {
		t.Error("output missing schema_version")
	}
	if !containsStr(content, `"pull_count": 42`) {
		t.Error("output missing pull_count")
	}
}

func TestWriteJSONStdout(t *testing.T) {
	v := map[string]any{
		"status": "ready",
	}

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := WriteJSON(v, "-")

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("WriteJSON to stdout: %v", err)
	}

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	if n == 0 {
		t.Error("no output to stdout")
	}
}

func TestWriteJSONEmptyPathDefaultsToStdout(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := WriteJSON(map[string]any{"ok": true}, "")

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("WriteJSON with empty path: %v", err)
	}

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	if n == 0 {
		t.Error("no output to stdout")
	}
}

func containsStr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
