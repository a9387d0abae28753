package zipsafety

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractSafe(t *testing.T) {
	blob := buildZip(t, map[string]string{
		"main.tex":        `\documentclass{article}\begin{document}hi\end{document}`,
		"chapters/one.tex": "chapter one",
	})
	dir := t.TempDir()
	if _, err := Extract(blob, dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "main.tex"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `\documentclass{article}\begin{document}hi\end{document}` {
		t.Fatalf("unexpected content: %s", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "chapters", "one.tex")); err != nil {
		t.Fatal(err)
	}
}

func TestExtractFSWritesOntoMemMapFs(t *testing.T) {
	blob := buildZip(t, map[string]string{
		"main.tex":         `\documentclass{article}\begin{document}hi\end{document}`,
		"chapters/one.tex": "chapter one",
	})
	fsys := afero.NewMemMapFs()
	if _, err := ExtractFS(fsys, blob, "/work"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := afero.ReadFile(fsys, "/work/main.tex")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `\documentclass{article}\begin{document}hi\end{document}` {
		t.Fatalf("unexpected content: %s", got)
	}
	if ok, err := afero.Exists(fsys, "/work/chapters/one.tex"); err != nil || !ok {
		t.Fatalf("chapters/one.tex missing from memory filesystem: ok=%v err=%v", ok, err)
	}
}

func TestExtractTraversal(t *testing.T) {
	blob := buildZip(t, map[string]string{
		"../escape.tex": "evil",
	})
	dir := t.TempDir()
	_, err := Extract(blob, dir)
	if !IsViolation(err) {
		t.Fatalf("expected a Violation, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.tex")); statErr == nil {
		t.Fatal("traversal file was written outside destination")
	}
}

func TestExtractAbsolutePath(t *testing.T) {
	blob := buildZip(t, map[string]string{
		"/etc/escape.tex": "evil",
	})
	_, err := Extract(blob, t.TempDir())
	if !IsViolation(err) {
		t.Fatalf("expected a Violation, got %v", err)
	}
}

func TestValidateTooManyMembers(t *testing.T) {
	entries := make(map[string]string, MaxMembers+1)
	for i := 0; i < MaxMembers+1; i++ {
		entries[fmt.Sprintf("f%d.tex", i)] = "x"
	}
	blob := buildZip(t, entries)
	_, _, err := Validate(blob)
	if !IsViolation(err) {
		t.Fatalf("expected a Violation for member count, got %v", err)
	}
}

func TestValidateTooLarge(t *testing.T) {
	blob := make([]byte, MaxArchiveBytes+1)
	_, _, err := Validate(blob)
	if !IsViolation(err) {
		t.Fatalf("expected a Violation for archive size, got %v", err)
	}
}

func TestValidateRatioBoundary(t *testing.T) {
	// A highly compressible payload pushes the ratio well past 100:1.
	entries := map[string]string{
		"bomb.tex": string(bytes.Repeat([]byte("A"), 10<<20)),
	}
	blob := buildZip(t, entries)
	_, stats, err := Validate(blob)
	if err == nil {
		t.Fatalf("expected a Violation for compression ratio; got stats=%+v with no error", stats)
	}
}

func TestExtractSymlinkRejected(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{
		Name:   "link.tex",
		Method: zip.Deflate,
	}
	hdr.SetMode(os.ModeSymlink | 0o777)
	fw, err := w.CreateHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("/etc/passwd")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Extract(buf.Bytes(), t.TempDir())
	if !IsViolation(err) {
		t.Fatalf("expected a Violation for symlink member, got %v", err)
	}
}

// TestExtractSymlinkRejectedNonUnixCreator crafts a header directly rather
// than going through hdr.SetMode, which always forces CreatorVersion's host
// byte to Unix. A real attacker controls ExternalAttrs and CreatorVersion
// independently (any low-level zip writer, e.g. Python's zipfile.ZipInfo
// with create_system overridden, can do this), so the symlink check must key
// off ExternalAttrs alone and not trust CreatorVersion.
func TestExtractSymlinkRejectedNonUnixCreator(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{
		Name:   "link.tex",
		Method: zip.Deflate,
		// CreatorVersion's high byte is left at 0 (FAT/MS-DOS), not 3
		// (Unix), while ExternalAttrs still carries symlink mode bits.
		CreatorVersion: 20,
		ExternalAttrs:  uint32(os.ModeSymlink|0o777) << 16,
	}
	fw, err := w.CreateHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("/etc/passwd")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Extract(buf.Bytes(), t.TempDir())
	if !IsViolation(err) {
		t.Fatalf("expected a Violation for symlink member with non-Unix CreatorVersion, got %v", err)
	}
}
