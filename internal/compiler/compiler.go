// Package compiler drives an external LaTeX toolchain over a prepared
// working directory and reports a normalized result.
//
// Everything a [Job] needs crosses as plain values: a directory path, a
// relative file name, primitives. That's deliberate — the driver must be
// callable from a worker that's a distinct process from its caller (see the
// package comment on cmd/latexd-worker), so nothing here may close over
// shared in-process state.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/zlog"

	"github.com/quay/latexd/internal/refrepair"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/quay/latexd/internal/compiler",
		trace.WithSchemaURL(semconv.SchemaURL),
	)
}

// Engine selects which TeX engine latexmk should drive.
type Engine string

// Supported engines. Any other value is treated as [EnginePDFLaTeX].
const (
	EnginePDFLaTeX Engine = "pdflatex"
	EngineXeLaTeX  Engine = "xelatex"
	EngineLuaLaTeX Engine = "lualatex"
)

func (e Engine) flag() string {
	switch e {
	case EngineXeLaTeX:
		return "-xelatex"
	case EngineLuaLaTeX:
		return "-lualatex"
	default:
		return "-pdf"
	}
}

// logTailLines is the number of trailing log lines kept on failure.
const logTailLines = 50

// Job is an immutable, by-value description of one compilation request.
// Its WorkDir is exclusively owned by the caller for the duration of Run;
// Run never removes it.
type Job struct {
	WorkDir     string
	Entrypoint  string
	Timeout     time.Duration
	Engine      Engine
	HaltOnError bool
}

// CompileResult is the sum-typed outcome of a compilation: either Success is
// true and Document holds the rendered PDF, or Success is false and LogTail
// holds up to the last 50 lines of diagnostic output.
type CompileResult struct {
	Success  bool
	Document []byte
	LogTail  string
}

func failure(logTail string) CompileResult {
	return CompileResult{Success: false, LogTail: logTail}
}

// Runner is the shape of [Run]. It exists so callers (the queue manager)
// can swap the in-process goroutine path for one backed by a distinct
// `cmd/latexd-worker` subprocess per job without changing their call
// site.
type Runner func(ctx context.Context, job Job) (CompileResult, error)

// Run executes the reference repair pass and then the toolchain against
// job, returning a CompileResult. Run never returns a non-nil error for a
// toolchain or environment failure — those are reported as a failed
// CompileResult — it only panics never and returns (zero, err) for
// situations that indicate a programming error in the caller, such as an
// invalid job.Timeout.
func Run(ctx context.Context, job Job) (CompileResult, error) {
	if job.Timeout <= 0 {
		return CompileResult{}, errors.New("compiler: job.Timeout must be positive")
	}

	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("entrypoint", job.Entrypoint),
		attribute.String("engine", string(job.Engine)),
	))
	defer span.End()
	ctx = zlog.ContextWithValues(ctx,
		"component", "internal/compiler.Run",
		"entrypoint", job.Entrypoint,
	)

	entrypointPath := filepath.Join(job.WorkDir, job.Entrypoint)
	if _, err := os.Stat(entrypointPath); err != nil {
		msg := fmt.Sprintf("Entrypoint not found: %s", job.Entrypoint)
		zlog.Info(ctx).Msg(msg)
		span.SetStatus(codes.Error, "entrypoint not found")
		return failure(msg), nil
	}

	workDir := filepath.Dir(entrypointPath)
	entrypointName := filepath.Base(entrypointPath)
	stem := strings.TrimSuffix(entrypointName, filepath.Ext(entrypointName))

	if err := refrepair.Repair(workDir); err != nil {
		zlog.Info(ctx).Err(err).Msg("reference repair pass failed, continuing")
	}

	args := buildArgs(job.Engine, job.HaltOnError, entrypointName)
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "latexmk", args...)
	cmd.Dir = workDir
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		msg := fmt.Sprintf("Compilation timed out after %ds", int(job.Timeout.Seconds()))
		zlog.Info(ctx).Msg(msg)
		span.SetStatus(codes.Error, "timed out")
		return failure(msg), nil
	}

	outputPath := filepath.Join(workDir, stem+".pdf")
	doc, readErr := os.ReadFile(outputPath)
	if readErr == nil {
		span.SetStatus(codes.Ok, "")
		return CompileResult{Success: true, Document: doc}, nil
	}

	if runErr != nil {
		zlog.Debug(ctx).Err(runErr).Msg("latexmk exited non-zero")
	}
	span.SetStatus(codes.Error, "no output document produced")
	return failure(tailLog(workDir, stem, sanitizeUTF8(out.String()), sanitizeUTF8(errOut.String()))), nil
}

func buildArgs(engine Engine, haltOnError bool, entrypointName string) []string {
	args := []string{engine.flag(), "-interaction=nonstopmode", "-outdir=."}
	if haltOnError {
		args = append(args, "-halt-on-error")
	}
	args = append(args, entrypointName)
	return args
}

// tailLog builds the failure diagnostic per the result-extraction rules:
// prefer the toolchain's own .log file, otherwise fall back to captured
// stdout+stderr, keeping only the last logTailLines lines.
func tailLog(workDir, stem, stdout, stderr string) string {
	var body string
	if logBytes, err := os.ReadFile(filepath.Join(workDir, stem+".log")); err == nil {
		body = sanitizeUTF8(string(logBytes))
	} else {
		body = strings.TrimSpace(stdout + "\n" + stderr)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "Compilation failed: no output document produced"
	}
	lines := strings.Split(body, "\n")
	if len(lines) > logTailLines {
		lines = lines[len(lines)-logTailLines:]
	}
	return strings.Join(lines, "\n")
}
