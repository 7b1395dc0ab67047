// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileSafely(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	content := []byte("hello")

	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	got, err := ReadFileSafely(path)
	if err != nil {
		t.Fatalf("ReadFileSafely() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ReadFileSafely() = %q, want %q", got, content)
	}
}

func TestReadFileSafelyMissing(t *testing.T) {
	_, err := ReadFileSafely(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Error("ReadFileSafely() should fail for a missing file")
	}
}

func TestReadFileSafelyRelativePath(t *testing.T) {
	// Relative paths are resolved against the working directory
	dir := t.TempDir()
	path := filepath.Join(dir, "rel.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	defer func() {
		if err := os.Chdir(oldWD); err != nil {
			t.Errorf("failed to restore working directory: %v", err)
		}
	}()

	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}

	got, err := ReadFileSafely("rel.txt")
	if err != nil {
		t.Fatalf("ReadFileSafely() error = %v", err)
	}
	if string(got) != "x" {
		t.Errorf("ReadFileSafely() = %q, want %q", got, "x")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exists.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing file", path, true},
		{"missing file", filepath.Join(dir, "missing.txt"), false},
		{"directory is not a file", dir, false},
		{"empty path", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileExists(tt.path); got != tt.want {
				t.Errorf("FileExists(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
