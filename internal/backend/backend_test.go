package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	// httptest.Server speaks HTTP/1.1 over plaintext; this package always
	// configures an HTTP/2-capable transport, which transparently falls
	// back to HTTP/1.1 against a plaintext server.
	c, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetProjectWithFiles(t *testing.T) {
	want := ProjectDescriptor{
		Entrypoint: "main.tex",
		Compiler:   "pdflatex",
		Files: []FileRecord{
			{Name: "main.tex", Content: "hi"},
		},
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/projects/proj1/files") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		json.NewEncoder(w).Encode(want)
	})

	got, err := c.GetProjectWithFiles(context.Background(), "proj1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCompilationByHashMiss(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	rec, err := c.GetCompilationByHash(context.Background(), "proj1", "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected cache miss, got %+v", rec)
	}
}

func TestGetCompilationByHashHit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CompilationRecord{PDFURL: "https://storage.example/x.pdf"})
	})
	rec, err := c.GetCompilationByHash(context.Background(), "proj1", "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.PDFURL != "https://storage.example/x.pdf" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSaveCompilation(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.SaveCompilation(context.Background(), "proj1", "deadbeef", "storage-id"); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected handler to be invoked")
	}
}

func TestGenerateUploadURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(uploadTarget{URL: "https://storage.example/put", StorageID: "abc"})
	})
	url, id, err := c.GenerateUploadURL(context.Background(), "proj1")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://storage.example/put" || id != "abc" {
		t.Fatalf("unexpected result: %s %s", url, id)
	}
}
