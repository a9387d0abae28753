// Package backend is a thin HTTP client for the metadata/storage backend
// that owns project descriptors, compilation caching, and blob storage.
// This package speaks the backend's wire contract; it has no opinion on
// project content beyond what the compiler needs.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/quay/latexd/internal/httputil"
)

// FileRecord is one file in a project descriptor: exactly one of Content
// or StorageURL is set.
type FileRecord struct {
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	StorageURL string `json:"storageUrl,omitempty"`
}

// ProjectDescriptor is the backend's description of a compilable project.
type ProjectDescriptor struct {
	Entrypoint  string       `json:"entrypoint"`
	Compiler    string       `json:"compiler"`
	HaltOnError bool         `json:"haltOnError"`
	Files       []FileRecord `json:"files"`
}

// Client speaks the four backend RPCs the core depends on.
type Client struct {
	hc      *http.Client
	baseURL *url.URL
	apiKey  string
}

// New constructs a Client. baseURL is the backend's API root; apiKey is
// sent as a bearer token on every request.
func New(baseURL, apiKey string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base URL: %w", err)
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("backend: configuring http2 transport: %w", err)
	}
	return &Client{
		hc:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL: u,
		apiKey:  apiKey,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	ref := &url.URL{Path: "/" + strings.Join(escaped, "/")}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, acceptableCodes ...int) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, endpoint, err)
	}
	if err := httputil.CheckResponse(resp, acceptableCodes...); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// GetProjectWithFiles fetches a project's descriptor and file set.
func (c *Client) GetProjectWithFiles(ctx context.Context, projectID string) (*ProjectDescriptor, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("projects", projectID, "files"), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var pd ProjectDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&pd); err != nil {
		return nil, fmt.Errorf("backend: decoding project descriptor: %w", err)
	}
	return &pd, nil
}

// CompilationRecord is the result of a cache lookup.
type CompilationRecord struct {
	PDFURL string `json:"pdfUrl"`
}

// GetCompilationByHash looks up a previously cached compilation for
// (projectID, fingerprint). A nil, nil return means a cache miss.
func (c *Client) GetCompilationByHash(ctx context.Context, projectID, fingerprint string) (*CompilationRecord, error) {
	endpoint := c.endpoint("projects", projectID, "compilations", fingerprint)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	var rec CompilationRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("backend: decoding compilation record: %w", err)
	}
	if rec.PDFURL == "" {
		return nil, nil
	}
	return &rec, nil
}

// uploadTarget is the response of GenerateUploadURL.
type uploadTarget struct {
	URL       string `json:"url"`
	StorageID string `json:"storageId"`
}

// GenerateUploadURL asks the backend for a pre-signed URL the caller can
// PUT a document to, plus the storage identifier that URL corresponds to.
func (c *Client) GenerateUploadURL(ctx context.Context, projectID string) (uploadURL, storageID string, err error) {
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("projects", projectID, "uploads"), nil, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	var t uploadTarget
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return "", "", fmt.Errorf("backend: decoding upload target: %w", err)
	}
	return t.URL, t.StorageID, nil
}

// SaveCompilation records that (projectID, fingerprint) now maps to
// storageID, for future GetCompilationByHash lookups.
func (c *Client) SaveCompilation(ctx context.Context, projectID, fingerprint, storageID string) error {
	body := struct {
		Fingerprint string `json:"fingerprint"`
		StorageID   string `json:"storageId"`
	}{fingerprint, storageID}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("projects", projectID, "compilations"), body, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
