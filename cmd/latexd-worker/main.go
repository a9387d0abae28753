// Command latexd-worker runs a single compilation job in its own process.
// It reads a JSON-encoded compiler.Job from stdin, runs the toolchain
// against it, and reports the outcome entirely through exit status and
// stdio: on success the rendered PDF is written to stdout and the process
// exits 0; on failure the log tail is written to stderr and the process
// exits 1. It never writes anything else to stdout, so a caller can treat
// stdout verbatim as the document bytes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/quay/latexd/internal/compiler"
)

func main() {
	os.Exit(run(os.Stdin, os.Stdout, os.Stderr))
}

func run(stdin io.Reader, stdout, stderr io.Writer) int {
	payload, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "latexd-worker: reading job: %v\n", err)
		return 2
	}

	var job compiler.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		fmt.Fprintf(stderr, "latexd-worker: decoding job: %v\n", err)
		return 2
	}

	res, err := compiler.Run(context.Background(), job)
	if err != nil {
		fmt.Fprintf(stderr, "latexd-worker: %v\n", err)
		return 2
	}
	if !res.Success {
		fmt.Fprint(stderr, res.LogTail)
		return 1
	}

	if _, err := stdout.Write(res.Document); err != nil {
		fmt.Fprintf(stderr, "latexd-worker: writing document: %v\n", err)
		return 2
	}
	return 0
}
