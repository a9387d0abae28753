package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quay/latexd/internal/compiler"
)

func jobIn(t *testing.T, client, content string) Job {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.tex"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return Job{
		ClientID: client,
		Compile: compiler.Job{
			WorkDir:    dir,
			Entrypoint: "main.tex",
			Timeout:    5 * time.Second,
			Engine:     compiler.EnginePDFLaTeX,
		},
	}
}

func TestSubmitMissingEntrypointCleansUpWorkDir(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(ctx, Config{MaxConcurrent: 1, MaxQueueSize: 2})
	defer m.Close()

	dir := t.TempDir()
	job := Job{ClientID: "c1", Compile: compiler.Job{
		WorkDir: dir, Entrypoint: "missing.tex", Timeout: time.Second, Engine: compiler.EnginePDFLaTeX,
	}}
	res, err := m.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for missing entrypoint")
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("expected working directory to be removed")
	}
}

// TestCloseStopsDispatcherAndWorkersCleanly verifies Close leaves behind
// neither the dispatcher goroutine nor any in-flight worker goroutine: both
// the fast-failing job's runWorker and the dispatch loop itself must have
// returned by the time the test ends.
func TestCloseStopsDispatcherAndWorkersCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(ctx, Config{MaxConcurrent: 1, MaxQueueSize: 2})

	dir := t.TempDir()
	job := Job{ClientID: "c1", Compile: compiler.Job{
		WorkDir: dir, Entrypoint: "missing.tex", Timeout: time.Second, Engine: compiler.EnginePDFLaTeX,
	}}
	if _, err := m.Submit(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Close()
}

func TestSubmitQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(ctx, Config{MaxConcurrent: 1, MaxQueueSize: 1})
	defer m.Close()

	// Three clients submit at once against one worker slot and a queue of
	// one. Each job fails fast (its entrypoint is missing), so a submission
	// is rejected only when it arrives while one job holds the slot and
	// another is already pending.
	blockDir := t.TempDir()
	blockJob := Job{ClientID: "blocker", Compile: compiler.Job{
		WorkDir: blockDir, Entrypoint: "missing.tex", Timeout: time.Second, Engine: compiler.EnginePDFLaTeX,
	}}

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j := blockJob
			j.ClientID = fmt.Sprintf("c%d", i)
			_, err := m.Submit(context.Background(), j)
			results[i] = err
		}(i)
	}
	wg.Wait()

	fullCount := 0
	for _, err := range results {
		if err == ErrQueueFull {
			fullCount++
		}
	}
	if fullCount == 0 {
		t.Fatal("expected at least one ErrQueueFull with MaxQueueSize=1 and 3 concurrent submits")
	}
}

func TestSubmitResolvesWithCompileResult(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "latexmk")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\necho %PDF-1.4 > main.pdf\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(ctx, Config{MaxConcurrent: 2, MaxQueueSize: 5})
	defer m.Close()

	job := jobIn(t, "c1", `\documentclass{article}\begin{document}hi\end{document}`)
	res, err := m.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got log: %q", res.LogTail)
	}
	if _, statErr := os.Stat(job.Compile.WorkDir); !os.IsNotExist(statErr) {
		t.Fatal("expected working directory to be removed after completion")
	}
}
