// Package httpapi is the HTTP boundary: request parsing, authentication,
// CORS, and response shaping around the compilation core.
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/latexd/internal/backend"
	"github.com/quay/latexd/internal/baggageutil"
	"github.com/quay/latexd/internal/compiler"
	"github.com/quay/latexd/internal/httputil"
	"github.com/quay/latexd/internal/materialize"
	"github.com/quay/latexd/internal/queue"
	"github.com/quay/latexd/pkg/apierr"
	"github.com/quay/latexd/pkg/zipsafety"
)

const (
	maxUploadBytes = 50 << 20
	minTimeout     = 1
	maxTimeout     = 120
	defaultTimeout = 60
)

// Server holds the boundary's dependencies and implements http.Handler.
type Server struct {
	*http.ServeMux

	Queue        *queue.Manager
	Materializer *materialize.Materializer
	Backend      *backend.Client
	WorkRoot     string

	APISecret     string
	AllowedOrigin string
}

var _ http.Handler = (*Server)(nil)

// NewServer wires up the routes described in the specification's external
// interfaces section.
func NewServer(s *Server) *Server {
	m := http.NewServeMux()
	m.HandleFunc("/health", s.health)
	m.HandleFunc("/compile", s.withAuth(s.compile))
	m.HandleFunc("/compile-project", s.withAuth(s.compileProject))
	s.ServeMux = m
	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.AllowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cors(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			unauthorized(w)
			return
		}
		token := auth[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.APISecret)) != 1 {
			unauthorized(w)
			return
		}
		next(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	apierr.Error(w, &apierr.Response{Code: "unauthorized", Message: "missing or invalid bearer token"}, http.StatusUnauthorized)
}

// compile implements POST /compile: a self-contained archive submitted
// directly by the client.
func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	ctx := baggageutil.ContextWithValues(r.Context(), "client", clientID(r))
	if r.Method != http.MethodPost {
		apierr.Error(w, &apierr.Response{Code: "method-not-allowed", Message: "endpoint only allows POST"}, http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.Error(w, &apierr.Response{Code: "upload_too_large", Message: "archive exceeds 50 MiB"}, http.StatusRequestEntityTooLarge)
			return
		}
		apierr.Error(w, &apierr.Response{Code: "bad_request", Message: err.Error()}, http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		apierr.Error(w, &apierr.Response{Code: "bad_request", Message: "missing \"file\" field"}, http.StatusBadRequest)
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		apierr.Error(w, &apierr.Response{Code: "bad_request", Message: err.Error()}, http.StatusBadRequest)
		return
	}

	workDir := filepath.Join(s.WorkRoot, "latexd-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		apierr.Error(w, &apierr.Response{Code: "internal_error", Message: "could not allocate working directory"}, http.StatusInternalServerError)
		return
	}

	if _, err := zipsafety.Extract(blob, workDir); err != nil {
		os.RemoveAll(workDir)
		apierr.Error(w, &apierr.Response{Code: "zip_safety_violation", Message: err.Error()}, http.StatusBadRequest)
		return
	}

	job := queue.Job{
		ClientID: clientID(r),
		Compile: compiler.Job{
			WorkDir:     workDir,
			Entrypoint:  r.FormValue("entrypoint"),
			Timeout:     clampTimeout(r.FormValue("timeout")),
			Engine:      coerceEngine(r.FormValue("compiler")),
			HaltOnError: r.FormValue("halt_on_error") == "true",
		},
	}

	res, err := s.Queue.Submit(ctx, job)
	s.respondCompile(w, ctx, res, err)
}

// compileProject implements POST /compile-project: a project resolved
// against the metadata backend, with cache consultation before dispatch
// and cache population after a successful compile.
func (s *Server) compileProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		apierr.Error(w, &apierr.Response{Code: "method-not-allowed", Message: "endpoint only allows POST"}, http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Error(w, &apierr.Response{Code: "bad_request", Message: err.Error()}, http.StatusBadRequest)
		return
	}
	projectID := r.FormValue("project_id")
	if projectID == "" {
		apierr.Error(w, &apierr.Response{Code: "bad_request", Message: "missing \"project_id\""}, http.StatusBadRequest)
		return
	}
	ctx = baggageutil.ContextWithValues(ctx, "client", clientID(r), "project", projectID)

	pd, err := s.Materializer.FetchDescriptor(ctx, projectID)
	if err != nil {
		apierr.Error(w, &apierr.Response{Code: "project_fetch_failed", Message: err.Error()}, http.StatusBadRequest)
		return
	}

	fingerprint := materialize.Fingerprint(pd.Files)

	if rec, err := s.Backend.GetCompilationByHash(ctx, projectID, fingerprint); err != nil {
		zlog.Info(ctx).Err(err).Msg("cache consultation failed, treating as miss")
	} else if rec != nil {
		if doc, err := fetchCachedDocument(ctx, rec.PDFURL); err == nil {
			writePDF(w, doc)
			return
		}
		zlog.Info(ctx).Str("project", projectID).Msg("cache hit but fetch of cached document failed, falling through to compile")
	}

	workDir := filepath.Join(s.WorkRoot, "latexd-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		apierr.Error(w, &apierr.Response{Code: "internal_error", Message: "could not allocate working directory"}, http.StatusInternalServerError)
		return
	}
	if err := s.Materializer.Materialize(ctx, pd.Files, workDir); err != nil {
		os.RemoveAll(workDir)
		apierr.Error(w, &apierr.Response{Code: "file_materialization_failed", Message: err.Error()}, http.StatusInternalServerError)
		return
	}

	job := queue.Job{
		ClientID: clientID(r),
		Compile: compiler.Job{
			WorkDir:     workDir,
			Entrypoint:  pd.Entrypoint,
			Timeout:     clampTimeout(r.FormValue("timeout")),
			Engine:      coerceEngine(pd.Compiler),
			HaltOnError: pd.HaltOnError,
		},
	}

	res, err := s.Queue.Submit(ctx, job)
	if err == nil && res.Success {
		go s.populateCache(projectID, fingerprint, res.Document)
	}
	s.respondCompile(w, ctx, res, err)
}

// populateCache runs fire-and-forget after a successful compile: the
// response to the client has already been written by the time this runs.
func (s *Server) populateCache(projectID, fingerprint string, doc []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	uploadURL, storageID, err := s.Backend.GenerateUploadURL(ctx, projectID)
	if err != nil {
		zlog.Info(ctx).Err(err).Msg("cache population: generating upload url failed")
		return
	}
	if err := uploadDocument(ctx, uploadURL, doc); err != nil {
		zlog.Info(ctx).Err(err).Msg("cache population: upload failed")
		return
	}
	if err := s.Backend.SaveCompilation(ctx, projectID, fingerprint, storageID); err != nil {
		zlog.Info(ctx).Err(err).Msg("cache population: saving compilation record failed")
	}
}

func (s *Server) respondCompile(w http.ResponseWriter, ctx context.Context, res compiler.CompileResult, err error) {
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			apierr.Error(w, &apierr.Response{Code: "queue_full", Message: "queue is at capacity"}, http.StatusServiceUnavailable)
		default:
			apierr.Error(w, &apierr.Response{Code: "internal_error", Message: err.Error()}, http.StatusInternalServerError)
		}
		return
	}
	if !res.Success {
		body := struct {
			Error string `json:"error"`
			Log   string `json:"log"`
		}{Error: "compilation_failed", Log: res.LogTail}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		if err := writeJSON(w, body); err != nil {
			zlog.Error(ctx).Err(err).Msg("failed to write compilation failure response")
		}
		return
	}
	writePDF(w, res.Document)
}

func writePDF(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename=output.pdf")
	w.Write(doc)
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fetchCachedDocument fetches a previously compiled document from a
// storage URL returned by the backend's compilation cache lookup.
func fetchCachedDocument(ctx context.Context, pdfURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := httputil.CheckResponse(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// uploadDocument PUTs a compiled document to the upload URL handed out by
// the backend's GenerateUploadURL RPC.
func uploadDocument(ctx context.Context, uploadURL string, doc []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return httputil.CheckResponse(resp, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func clampTimeout(raw string) time.Duration {
	n, err := strconv.Atoi(raw)
	if err != nil {
		n = defaultTimeout
	}
	if n < minTimeout {
		n = minTimeout
	}
	if n > maxTimeout {
		n = maxTimeout
	}
	return time.Duration(n) * time.Second
}

func coerceEngine(raw string) compiler.Engine {
	switch compiler.Engine(raw) {
	case compiler.EngineXeLaTeX:
		return compiler.EngineXeLaTeX
	case compiler.EngineLuaLaTeX:
		return compiler.EngineLuaLaTeX
	default:
		return compiler.EnginePDFLaTeX
	}
}

