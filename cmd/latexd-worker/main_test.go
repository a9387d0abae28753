package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/quay/latexd/internal/compiler"
)

// withFakeLatexmk prepends a directory containing a shell script named
// "latexmk" to PATH for the duration of the test, mirroring the helper in
// internal/compiler's own tests.
func withFakeLatexmk(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake latexmk script is a shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "latexmk")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func writeJob(t *testing.T) compiler.Job {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.tex"), []byte(`\documentclass{article}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return compiler.Job{
		WorkDir:    dir,
		Entrypoint: "main.tex",
		Timeout:    5 * time.Second,
		Engine:     compiler.EnginePDFLaTeX,
	}
}

func TestRunSuccessWritesDocumentToStdout(t *testing.T) {
	withFakeLatexmk(t, "#!/bin/sh\necho %PDF-1.4 fake > main.pdf\nexit 0\n")
	job := writeJob(t)
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := run(bytes.NewReader(payload), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte("fake")) {
		t.Fatalf("stdout = %q, want PDF bytes", stdout.String())
	}
}

func TestRunFailureWritesLogToStderr(t *testing.T) {
	withFakeLatexmk(t, "#!/bin/sh\necho 'undefined control sequence' >&2\nexit 1\n")
	job := writeJob(t)
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := run(bytes.NewReader(payload), &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout = %q, want empty on failure", stdout.String())
	}
	if !strings.Contains(stderr.String(), "undefined control sequence") {
		t.Fatalf("stderr = %q, want it to contain the log tail", stderr.String())
	}
}

func TestRunBadJobPayload(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(strings.NewReader("not json"), &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "decoding job") {
		t.Fatalf("stderr = %q, want a decode error", stderr.String())
	}
}
