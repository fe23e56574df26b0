package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	origCfg := globalCfg
	t.Cleanup(func() { globalCfg = origCfg })

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCopyAndHistory(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dst := filepath.Join(tmp, "dst")
	history := filepath.Join(tmp, "state", "history.db")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "nested", "b.txt"), "bravo")
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "copy", "--history", history, "--verify", src, dst)
	if err != nil {
		t.Fatalf("copy failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("expected a completed summary, got:\n%s", out)
	}

	for rel, want := range map[string]string{"a.txt": "alpha", "nested/b.txt": "bravo"} {
		data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("missing %s: %v", rel, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", rel, data, want)
		}
	}
	if _, err := os.Stat(filepath.Join(src, "a.txt")); err != nil {
		t.Errorf("copy must keep the source: %v", err)
	}

	out, err = runCLI(t, "history", "--history", history)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "copy") {
		t.Errorf("history does not list the job:\n%s", out)
	}
}

func TestMoveEachSource(t *testing.T) {
	tmp := t.TempDir()
	a := filepath.Join(tmp, "in", "a.txt")
	b := filepath.Join(tmp, "in", "b.txt")
	dst := filepath.Join(tmp, "out")
	writeFile(t, a, "a")
	writeFile(t, b, "b")
	os.MkdirAll(dst, 0755)

	out, err := runCLI(t, "move", "--history", "", "--each", a, b, dst)
	if err != nil {
		t.Fatalf("move failed: %v\n%s", err, out)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("%s not moved: %v", name, err)
		}
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Errorf("source still exists after move")
	}
	if got := strings.Count(out, "completed"); got != 2 {
		t.Errorf("expected two completed jobs, got %d:\n%s", got, out)
	}
}

func TestTransferErrors(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "f.txt")
	writeFile(t, file, "x")

	if _, err := runCLI(t, "copy", "--history", "", filepath.Join(tmp, "missing"), tmp); err == nil {
		t.Errorf("expected an error for a missing source")
	}
	if _, err := runCLI(t, "copy", "--history", "", file, file); err == nil {
		t.Errorf("expected an error when the destination is a file")
	}
	if _, err := runCLI(t, "copy", file); err == nil {
		t.Errorf("expected an argument count error")
	}
}

func TestCopyIntoMemory(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "nested", "b.txt"), "bravo")

	out, err := runCLI(t, "copy", "--history", "", "--verify", src, "mem://dry")
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "10 B copied") {
		t.Errorf("expected a completed summary with all bytes, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(src, "nested", "b.txt")); err != nil {
		t.Errorf("dry run must keep the source: %v", err)
	}

	if _, err := runCLI(t, "move", "--history", "", src, "mem://dry"); err == nil {
		t.Errorf("expected moving into memory to be refused")
	}
	if _, err := os.Stat(filepath.Join(src, "a.txt")); err != nil {
		t.Errorf("refused move must keep the source: %v", err)
	}
}

func TestResolverSharesLocalProvider(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "x", "one.txt"), "1")
	writeFile(t, filepath.Join(tmp, "y", "two.txt"), "2")

	r := newResolver(nil)
	one, err := r.resolve(context.Background(), filepath.Join(tmp, "x", "one.txt"))
	if err != nil {
		t.Fatal(err)
	}
	two, err := r.resolve(context.Background(), filepath.Join(tmp, "y"))
	if err != nil {
		t.Fatal(err)
	}
	if one.Authority != two.Authority {
		t.Errorf("local documents resolved to different providers: %s vs %s", one.Authority, two.Authority)
	}
	if !two.IsDirectory() || one.IsDirectory() {
		t.Errorf("unexpected kinds: %+v %+v", one, two)
	}
	if _, err := r.registry.ClientFor(one); err != nil {
		t.Errorf("provider not registered: %v", err)
	}

	if _, err := r.resolve(context.Background(), "s3://"); err == nil {
		t.Errorf("expected an error for an s3 location without a bucket")
	}
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "docmove "+version) {
		t.Errorf("unexpected version output %q", out)
	}
}
