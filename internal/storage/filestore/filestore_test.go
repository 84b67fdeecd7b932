package filestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteRead(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "keys"))
	if err != nil {
		t.Fatal(err)
	}

	path, err := fs.Write("Example.COM", "private.pem", []byte("secret"), 0600)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Dir(path) != fs.DomainDir("example.com") {
		t.Fatalf("file written to %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("mode %v", info.Mode().Perm())
	}

	data, err := fs.Read(path)
	if err != nil || string(data) != "secret" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if !fs.Exists(path) {
		t.Fatal("Exists should be true")
	}

	entries, _ := os.ReadDir(fs.DomainDir("example.com"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestTraversal(t *testing.T) {
	base := t.TempDir()
	fs, err := NewFileStore(filepath.Join(base, "keys"))
	if err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(base, "outside.txt")
	if err := os.WriteFile(outside, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []string{outside, "../outside.txt", "a/../../outside.txt"}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			if _, err := fs.Read(path); err == nil {
				t.Fatal("expected an error")
			}
			if fs.Exists(path) {
				t.Fatal("Exists should be false")
			}
		})
	}

	path, err := fs.Write("../evil", "../../name", []byte("x"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	if rel, _ := filepath.Rel(fs.BasePath(), path); rel == "" || rel[0] == '.' {
		t.Fatalf("write escaped the store: %s", path)
	}
}

func TestRemoveDomain(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path, err := fs.Write("example.com", "a.pem", []byte("x"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.RemoveDomain("example.com"); err != nil {
		t.Fatal(err)
	}
	if fs.Exists(path) {
		t.Fatal("file should be gone")
	}
}
