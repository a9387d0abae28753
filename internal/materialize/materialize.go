// Package materialize writes a project's file set into a working
// directory, computes its content fingerprint, and memoizes descriptor
// fetches from the metadata backend.
package materialize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quay/zlog"

	"github.com/quay/latexd/internal/backend"
	"github.com/quay/latexd/internal/cache"
	"github.com/quay/latexd/internal/httputil"
	"github.com/quay/latexd/pkg/zipsafety"
)

// maxConcurrentDownloads bounds how many binary file fetches run at once
// per Materialize call, independent of the compile worker concurrency cap.
const maxConcurrentDownloads = 4

// Materializer writes project file sets to disk and memoizes descriptor
// lookups against a backend client.
type Materializer struct {
	hc         *http.Client
	reqRate    *rate.Limiter
	backend    *backend.Client
	descriptor cache.Live[string, backend.ProjectDescriptor]
	fs         afero.Fs
}

// New constructs a Materializer backed by client, pacing binary downloads
// at a steady-state rate of rps requests per second with bursts of up to
// burst requests; at most maxConcurrentDownloads of them run at once per
// Materialize call. Files are written through the real OS filesystem;
// use [NewFS] to materialize onto an arbitrary afero.Fs instead (an
// in-memory one in tests, for instance).
func New(client *backend.Client, rps float64, burst int) *Materializer {
	return NewFS(afero.NewOsFs(), client, rps, burst)
}

// NewFS is [New], writing through fsys instead of the OS filesystem
// directly.
func NewFS(fsys afero.Fs, client *backend.Client, rps float64, burst int) *Materializer {
	return &Materializer{
		hc:      &http.Client{Timeout: 60 * time.Second},
		reqRate: rate.NewLimiter(rate.Limit(rps), burst),
		backend: client,
		fs:      fsys,
	}
}

// Materialize sorts files by name (the order the fingerprint is computed
// over), writes each into dir, and fetches any storage-backed binaries
// concurrently. Every name is checked against the same traversal rule
// pkg/zipsafety enforces on zip members before it is ever joined onto dir:
// a project descriptor is backend-supplied data, not something this
// process has validated itself, so a file name of "../../etc/cron.d/x" or
// an absolute path must be rejected rather than trusted.
func (m *Materializer) Materialize(ctx context.Context, files []backend.FileRecord, dir string) error {
	sorted := sortedCopy(files)

	for _, f := range sorted {
		if err := zipsafety.CheckMemberPath(f.Name); err != nil {
			return fmt.Errorf("materialize: %q: %w", f.Name, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)
	for _, f := range sorted {
		f := f
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := m.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("materialize: creating parent directory for %q: %w", f.Name, err)
		}
		if f.StorageURL == "" {
			if err := afero.WriteFile(m.fs, target, []byte(f.Content), 0o644); err != nil {
				return fmt.Errorf("materialize: writing %q: %w", f.Name, err)
			}
			continue
		}
		g.Go(func() error {
			return m.downloadTo(ctx, f.StorageURL, target)
		})
	}
	return g.Wait()
}

func (m *Materializer) downloadTo(ctx context.Context, storageURL, target string) error {
	if err := m.reqRate.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, storageURL, nil)
	if err != nil {
		return fmt.Errorf("materialize: building request for %q: %w", storageURL, err)
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("materialize: fetching %q: %w", storageURL, err)
	}
	defer resp.Body.Close()
	if err := httputil.CheckResponse(resp, http.StatusOK); err != nil {
		return err
	}
	out, err := m.fs.Create(target)
	if err != nil {
		return fmt.Errorf("materialize: creating %q: %w", target, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("materialize: writing %q: %w", target, err)
	}
	return nil
}

func sortedCopy(files []backend.FileRecord) []backend.FileRecord {
	out := make([]backend.FileRecord, len(files))
	copy(out, files)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint produces the 64-character lowercase hex SHA-256 digest of the
// canonical encoding described in canonicalBytes. It is independent of the
// order files are passed in.
func Fingerprint(files []backend.FileRecord) string {
	sum := sha256.Sum256(canonicalBytes(files))
	return hex.EncodeToString(sum[:])
}

// canonicalBytes produces a compact JSON array of [name, value] pairs,
// sorted by name, with value being storageUrl if present else content.
// This must byte-for-byte match a reference client-side JSON.stringify
// encoder, so it is hand-written rather than routed through
// encoding/json: encoding/json sorts map keys but doesn't sort arbitrary
// slices, and its string escaping (HTML-safe `<`, `>`, `&` escaping by
// default) doesn't match JSON.stringify's.
func canonicalBytes(files []backend.FileRecord) []byte {
	sorted := sortedCopy(files)
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		value := f.StorageURL
		if value == "" {
			value = f.Content
		}
		b.WriteByte('[')
		writeJSONString(&b, f.Name)
		b.WriteByte(',')
		writeJSONString(&b, value)
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return []byte(b.String())
}

// writeJSONString encodes s exactly as JavaScript's JSON.stringify would:
// double-quoted, with only the characters JSON requires escaped (quote,
// backslash, and control characters via \uXXXX or the short escapes JS
// uses), and no HTML-safe escaping of '<', '>', or '&'.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// FetchDescriptor fetches (or returns a memoized copy of) a project's
// descriptor. Memoization is purely a backend-load reducer: correctness
// never depends on a hit here, since the compile-result cache is always
// the backend's.
func (m *Materializer) FetchDescriptor(ctx context.Context, projectID string) (*backend.ProjectDescriptor, error) {
	return m.descriptor.Get(ctx, projectID, func(ctx context.Context, key string) (*backend.ProjectDescriptor, error) {
		pd, err := m.backend.GetProjectWithFiles(ctx, key)
		if err != nil {
			zlog.Info(ctx).Err(err).Str("project", key).Msg("project descriptor fetch failed")
			return nil, err
		}
		return pd, nil
	})
}
