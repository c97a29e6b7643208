package filexfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirFSRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs, err := NewDirFS(root)
	if err != nil {
		t.Fatalf("NewDirFS: %v", err)
	}

	sink, err := fs.OpenSink("docs/readme.txt", 5)
	if err != nil {
		t.Fatalf("OpenSink: %v", err)
	}
	if _, err := sink.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src, size, err := fs.OpenSource("docs/readme.txt")
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
	buf := make([]byte, 5)
	if _, err := src.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("content = %q, want hello", buf)
	}
}

func TestDirFSConfinesPaths(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fs, err := NewDirFS(root)
	if err != nil {
		t.Fatalf("NewDirFS: %v", err)
	}

	// Escaping references resolve inside the root, never above it.
	if _, _, err := fs.OpenSource("../outside.txt"); err == nil {
		t.Error("OpenSource escaped the root")
	}
	sink, err := fs.OpenSink("../../etc/evil.txt", 4)
	if err != nil {
		t.Fatalf("OpenSink: %v", err)
	}
	sink.Close()
	if _, err := os.Stat(filepath.Join(root, "etc", "evil.txt")); err != nil {
		t.Errorf("sink not confined to root: %v", err)
	}
}

func TestDirFSRejectsMissingSource(t *testing.T) {
	fs, err := NewDirFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirFS: %v", err)
	}
	if _, _, err := fs.OpenSource("nope.bin"); err == nil {
		t.Error("expected error for missing file")
	}
}
