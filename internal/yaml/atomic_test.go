package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type record struct {
	SchemaHeader `yaml:",inline"`
	Name         string `yaml:"name"`
}

func TestAtomicWrite_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "item.yaml")

	if err := AtomicWrite(path, map[string]any{"key": "value", "count": 42}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.yaml")
	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := yamlv3.Unmarshal(bak, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}
}

func TestAtomicWrite_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	if err := AtomicWrite(filepath.Join(dir, "a.yaml"), map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the record, got %d entries", len(entries))
	}
}

func TestReadRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.yaml")
	in := record{SchemaHeader: NewHeader(FileTypeWorkItem), Name: "x"}
	if err := AtomicWrite(path, in); err != nil {
		t.Fatal(err)
	}

	var out record
	if err := ReadRecord(path, FileTypeWorkItem, &out); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if out.Name != "x" {
		t.Errorf("name: got %q", out.Name)
	}

	err := ReadRecord(path, FileTypeFramework, &out)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptError for file type mismatch, got %v", err)
	}
	if !errors.Is(err, ErrFileType) {
		t.Errorf("CorruptError should wrap ErrFileType, got %v", err)
	}
}
