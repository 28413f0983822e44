package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSONAtomicCreatesParents(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a", "b", "state.json")
	if err := WriteJSONAtomic(dest, map[string]int{"pages": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["pages"] != 3 {
		t.Fatalf("unexpected content: %s", b)
	}
}

func TestCopyAtomicOverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "0.png")
	if err := CopyAtomic(dest, strings.NewReader("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := CopyAtomic(dest, strings.NewReader("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, _ := os.ReadFile(dest)
	if string(b) != "second" {
		t.Fatalf("expected overwrite, got %q", b)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the destination file, got %d entries", len(entries))
	}
}

func TestWriteRejectsEmptyPaths(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if err := WriteJSONAtomic("", 1); err == nil {
		t.Fatalf("expected error for empty filename")
	}
}

func TestWriteJSONAtomicEncodeFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "bad.json")
	if err := WriteJSONAtomic(dest, make(chan int)); err == nil {
		t.Fatalf("expected encode error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected temp file removed, found %d entries", len(entries))
	}
}
