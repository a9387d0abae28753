package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// NewSubprocessRunner returns a Runner that execs workerPath (built from
// cmd/latexd-worker) once per job instead of running the toolchain
// in-process. The worker applies job.Timeout itself, the same way Run does;
// ctx here bounds the subprocess from the outside and is what actually
// reaps it if the worker hangs past that deadline.
func NewSubprocessRunner(workerPath string) Runner {
	return func(ctx context.Context, job Job) (CompileResult, error) {
		payload, err := json.Marshal(job)
		if err != nil {
			return CompileResult{}, fmt.Errorf("compiler: encoding job: %w", err)
		}

		cmd := exec.CommandContext(ctx, workerPath)
		cmd.Stdin = bytes.NewReader(payload)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		if runErr == nil {
			return CompileResult{Success: true, Document: stdout.Bytes()}, nil
		}

		if ctx.Err() == context.DeadlineExceeded {
			return failure(fmt.Sprintf("Compilation timed out after %ds", int(job.Timeout.Seconds()))), nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return failure(sanitizeUTF8(stderr.String())), nil
		}
		return CompileResult{}, fmt.Errorf("compiler: running worker subprocess: %w", runErr)
	}
}
