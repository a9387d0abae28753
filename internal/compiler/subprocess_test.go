package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeWorker writes a shell script that behaves like cmd/latexd-worker
// without depending on a real TeX toolchain: it drains stdin (the encoded
// Job) and then either writes a fixed document to stdout and exits 0, or
// writes a fixed log tail to stderr and exits 1.
func fakeWorker(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "worker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubprocessRunnerSuccess(t *testing.T) {
	worker := fakeWorker(t, "#!/bin/sh\ncat >/dev/null\nprintf '%%PDF-1.4 fake'\n")
	runner := NewSubprocessRunner(worker)

	res, err := runner(context.Background(), Job{
		WorkDir:    t.TempDir(),
		Entrypoint: "main.tex",
		Timeout:    5 * time.Second,
		Engine:     EnginePDFLaTeX,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got log tail: %q", res.LogTail)
	}
	if string(res.Document) != "%PDF-1.4 fake" {
		t.Fatalf("unexpected document: %q", res.Document)
	}
}

func TestSubprocessRunnerFailure(t *testing.T) {
	worker := fakeWorker(t, "#!/bin/sh\ncat >/dev/null\nprintf 'boom' >&2\nexit 1\n")
	runner := NewSubprocessRunner(worker)

	res, err := runner(context.Background(), Job{
		WorkDir:    t.TempDir(),
		Entrypoint: "main.tex",
		Timeout:    5 * time.Second,
		Engine:     EnginePDFLaTeX,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.LogTail != "boom" {
		t.Fatalf("unexpected log tail: %q", res.LogTail)
	}
}

func TestSubprocessRunnerMissingBinary(t *testing.T) {
	runner := NewSubprocessRunner(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := runner(context.Background(), Job{
		WorkDir:    t.TempDir(),
		Entrypoint: "main.tex",
		Timeout:    time.Second,
		Engine:     EnginePDFLaTeX,
	})
	if err == nil {
		t.Fatal("expected an error when the worker binary does not exist")
	}
}
