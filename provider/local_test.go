package provider

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) (*LocalProvider, string) {
	t.Helper()
	tempBase := t.TempDir()
	p, err := NewLocalProvider(tempBase, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return p, tempBase
}

func TestLocalProvider_Query(t *testing.T) {
	p, tempBase := newTestLocal(t)
	ctx := context.Background()

	testFile := "test-stat.txt"
	testContent := []byte("hello stat")
	if err := os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := p.Query(ctx, "/"+testFile)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if doc.Name != testFile {
		t.Errorf("expected %q, got %q", testFile, doc.Name)
	}
	if doc.Size != int64(len(testContent)) {
		t.Errorf("expected size %d, got %d", len(testContent), doc.Size)
	}
	if doc.IsDirectory() {
		t.Errorf("expected IsDirectory to be false")
	}
	if doc.MimeType != "text/plain" {
		t.Errorf("expected text/plain, got %q", doc.MimeType)
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	root, err := p.Root(ctx)
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	if !root.IsDirectory() || root.MimeType != MimeTypeDir || root.ID != RootID {
		t.Errorf("unexpected root document %+v", root)
	}
}

func TestLocalProvider_ListChildren(t *testing.T) {
	p, tempBase := newTestLocal(t)
	ctx := context.Background()

	testDir := "subdir"
	if err := os.MkdirAll(filepath.Join(tempBase, testDir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempBase, testDir, "file1.txt"), []byte("f1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempBase, testDir, "file2.txt"), []byte("f2"), 0644); err != nil {
		t.Fatal(err)
	}

	dir, err := p.Query(ctx, "/"+testDir)
	if err != nil {
		t.Fatal(err)
	}
	listing, err := p.ListChildren(ctx, dir)
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if listing.Loading {
		t.Errorf("local listings should never be loading")
	}
	if len(listing.Children) != 3 {
		t.Fatalf("expected 3 items, got %d", len(listing.Children))
	}

	// os.ReadDir sorts by name
	want := []string{"file1.txt", "file2.txt", "nested"}
	for i, child := range listing.Children {
		if child.Name != want[i] {
			t.Errorf("child %d: expected %q, got %q", i, want[i], child.Name)
		}
		if child.ID != "/subdir/"+want[i] {
			t.Errorf("child %d: unexpected id %q", i, child.ID)
		}
	}
	if !listing.Children[2].IsDirectory() {
		t.Errorf("expected nested to be a directory")
	}
}

func TestLocalProvider_CreateWriteRead(t *testing.T) {
	p, tempBase := newTestLocal(t)
	ctx := context.Background()

	root, err := p.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}

	dirID, err := p.Create(ctx, root, MimeTypeDir, "docs")
	if err != nil {
		t.Fatalf("Create dir failed: %v", err)
	}
	dir, err := p.Query(ctx, dirID)
	if err != nil {
		t.Fatal(err)
	}

	fileID, err := p.Create(ctx, dir, "text/plain", "note.txt")
	if err != nil {
		t.Fatalf("Create file failed: %v", err)
	}
	if fileID != "/docs/note.txt" {
		t.Errorf("unexpected id %q", fileID)
	}
	doc, err := p.Query(ctx, fileID)
	if err != nil {
		t.Fatal(err)
	}

	wc, err := p.OpenWrite(ctx, doc)
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if _, ok := wc.(interface{ Sync() error }); !ok {
		t.Errorf("expected local writer to support Sync")
	}
	testContent := []byte("hello write")
	if _, err := wc.Write(testContent); err != nil {
		t.Errorf("Write failed: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	readContent, err := os.ReadFile(filepath.Join(tempBase, "docs", "note.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(readContent) != string(testContent) {
		t.Errorf("expected content %q, got %q", testContent, readContent)
	}

	doc, _ = p.Query(ctx, fileID)
	rc, err := p.OpenRead(ctx, doc)
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(content) != string(testContent) {
		t.Errorf("read back %q, %v", content, err)
	}
}

func TestLocalProvider_CreateUniqueName(t *testing.T) {
	p, _ := newTestLocal(t)
	ctx := context.Background()
	root, _ := p.Root(ctx)

	first, err := p.Create(ctx, root, "text/plain", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Create(ctx, root, "text/plain", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if first != "/a.txt" || second != "/a (1).txt" {
		t.Errorf("got %q and %q", first, second)
	}

	if _, err := p.Create(ctx, root, "text/plain", "../escape"); err == nil {
		t.Errorf("expected a name with a separator to be rejected")
	}
}

func TestLocalProvider_IsDescendant(t *testing.T) {
	p, tempBase := newTestLocal(t)
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Join(tempBase, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(tempBase, "ab"), 0755); err != nil {
		t.Fatal(err)
	}
	a, _ := p.Query(ctx, "/a")
	b, _ := p.Query(ctx, "/a/b")
	ab, _ := p.Query(ctx, "/ab")

	tests := []struct {
		doc, ancestor Document
		want          bool
	}{
		{b, a, true},
		{a, b, false},
		{ab, a, false},
		{a, a, false},
	}
	for _, tt := range tests {
		got, err := p.IsDescendant(ctx, tt.doc, tt.ancestor)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("IsDescendant(%s, %s) = %v; want %v", tt.doc.ID, tt.ancestor.ID, got, tt.want)
		}
	}
}

func TestLocalProvider_OptimizedMove(t *testing.T) {
	p, tempBase := newTestLocal(t)
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Join(tempBase, "dst"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempBase, "x.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	src, _ := p.Query(ctx, "/x.txt")
	dst, _ := p.Query(ctx, "/dst")

	copied, err := p.TryOptimizedCopy(ctx, src, dst)
	if err != nil || copied {
		t.Errorf("expected local provider to decline optimized copy, got %v, %v", copied, err)
	}

	moved, err := p.TryOptimizedMove(ctx, src, dst)
	if err != nil || !moved {
		t.Fatalf("TryOptimizedMove = %v, %v", moved, err)
	}
	if _, err := os.Stat(filepath.Join(tempBase, "dst", "x.txt")); err != nil {
		t.Errorf("expected moved file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempBase, "x.txt")); !os.IsNotExist(err) {
		t.Errorf("expected source to be gone, got %v", err)
	}
}

func TestLocalProvider_FreeSpace(t *testing.T) {
	p, _ := newTestLocal(t)
	ctx := context.Background()
	root, _ := p.Root(ctx)

	free, err := p.FreeSpace(ctx, root)
	if err != nil {
		t.Fatalf("FreeSpace failed: %v", err)
	}
	if free < 0 {
		t.Errorf("expected a reported free space, got %d", free)
	}
}

func TestLocalProvider_IDForPath(t *testing.T) {
	p, tempBase := newTestLocal(t)

	id, err := p.IDForPath(filepath.Join(tempBase, "a", "b.txt"))
	if err != nil || id != "/a/b.txt" {
		t.Errorf("IDForPath = %q, %v", id, err)
	}
	id, err = p.IDForPath(tempBase)
	if err != nil || id != RootID {
		t.Errorf("IDForPath(root) = %q, %v", id, err)
	}
	if _, err := p.IDForPath(filepath.Dir(tempBase)); err == nil {
		t.Errorf("expected a path outside the root to be rejected")
	}
}
