package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSaveWritesDocumentAsJSON(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	archiver := New(directory, zap.NewNop())

	archiver.Save("user-1", "study-plan", map[string]string{"title": "Algebra"})
	archiver.Flush()

	entries, err := os.ReadDir(directory)
	if err != nil {
		test.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected 1 archived file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "user-1_study-plan_") {
		test.Fatalf("unexpected file name %q", entries[0].Name())
	}
	raw, err := os.ReadFile(filepath.Join(directory, entries[0].Name()))
	if err != nil {
		test.Fatalf("read file: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		test.Fatalf("decode archived document: %v", err)
	}
	if decoded["title"] != "Algebra" {
		test.Fatalf("unexpected document %v", decoded)
	}
}

func TestNilArchiverIsSafe(test *testing.T) {
	test.Parallel()
	archiver := New("", zap.NewNop())
	if archiver != nil {
		test.Fatalf("expected nil archiver for empty directory")
	}
	archiver.Save("user-1", "study-plan", map[string]string{})
	archiver.Flush()
}
