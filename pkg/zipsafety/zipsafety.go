// Package zipsafety validates untrusted ZIP archives before any of their
// bytes touch disk, then extracts them into a destination directory.
//
// Validation runs entirely against the archive's declared metadata (member
// count, declared sizes, paths, and mode bits); no member content is
// inflated until every rule has passed.
package zipsafety

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"
)

func init() {
	// Register klauspost/compress's flate implementation as the inflater
	// for every zip.Reader constructed by this process. It's a drop-in
	// replacement for compress/flate that decodes meaningfully faster,
	// which matters here because every byte the 50 MiB ceiling allows
	// through eventually gets inflated during extraction.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

const (
	// MaxArchiveBytes is the largest compressed blob this package will
	// attempt to parse.
	MaxArchiveBytes = 50 << 20
	// MaxMembers is the largest member count a validated archive may have.
	MaxMembers = 500
	// MaxUncompressedBytes is the largest sum of declared uncompressed
	// sizes a validated archive may have.
	MaxUncompressedBytes = 200 << 20
	// MaxRatio is the largest allowed ratio of uncompressed to compressed
	// bytes, guarding against zip bombs.
	MaxRatio = 100
)

// Violation is the error kind returned for every rule failure in this
// package. The HTTP boundary maps it to 400 zip_safety_violation.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return "zip safety: " + v.Reason }

func violation(format string, args ...any) error {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is (or wraps) a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Stats describes the shape of a validated archive, for metrics/logging.
type Stats struct {
	Members           int
	CompressedBytes   int64
	UncompressedBytes int64
}

// Validate runs the ordered rules from the specification against blob,
// without writing anything to disk. It returns the parsed reader (so a
// caller can immediately extract without re-parsing) and summary Stats.
func Validate(blob []byte) (*zip.Reader, Stats, error) {
	var stats Stats

	// Rule 1: compressed size ceiling.
	if len(blob) > MaxArchiveBytes {
		return nil, stats, violation("archive is %d bytes, exceeds %d byte limit", len(blob), MaxArchiveBytes)
	}

	// Rule 2: must parse as a valid zip.
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, stats, violation("not a valid zip archive: %v", err)
	}

	// Rule 3: member count ceiling.
	stats.Members = len(zr.File)
	if stats.Members > MaxMembers {
		return nil, stats, violation("archive has %d members, exceeds %d member limit", stats.Members, MaxMembers)
	}

	// Rule 4 & 5: declared-size ceilings, computed without inflating
	// anything.
	var compressed, uncompressed int64
	for _, f := range zr.File {
		compressed += int64(f.CompressedSize64)
		uncompressed += int64(f.UncompressedSize64)
	}
	stats.CompressedBytes = compressed
	stats.UncompressedBytes = uncompressed
	if uncompressed > MaxUncompressedBytes {
		return nil, stats, violation("archive declares %d uncompressed bytes, exceeds %d byte limit", uncompressed, MaxUncompressedBytes)
	}
	if compressed > 0 {
		ratio := float64(uncompressed) / float64(compressed)
		if ratio > MaxRatio {
			return nil, stats, violation("archive's compression ratio %.2f exceeds %d:1 limit", ratio, MaxRatio)
		}
	}

	// Rule 6 & 7: per-member path traversal and symlink checks.
	for _, f := range zr.File {
		if err := CheckMemberPath(f.Name); err != nil {
			return nil, stats, err
		}
		if err := checkMemberMode(f); err != nil {
			return nil, stats, err
		}
	}

	return zr, stats, nil
}

// CheckMemberPath enforces rule 6 against name: no absolute paths, no ".."
// segments, evaluated against the forward-slash normalized form. It's
// exported so other components that place a caller-declared relative path
// under a fixed root — internal/materialize's backend-supplied file names,
// for instance — can apply the same traversal rule this package's own zip
// members are held to, rather than a second, possibly-divergent check.
func CheckMemberPath(name string) error {
	norm := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(norm) {
		return violation("member %q has an absolute path", name)
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return violation("member %q contains a path traversal segment", name)
		}
	}
	return nil
}

// checkMemberMode enforces rule 7: if the archive records a non-zero Unix
// mode for a member, that mode must not describe a symlink.
//
// The upper 16 bits of ExternalAttrs hold the Unix mode whenever a member
// has one recorded; CreatorVersion's high byte (the declared host OS) is
// not trustworthy here — it's attacker-controlled independently of
// ExternalAttrs, so a crafted header could leave it at a non-Unix value
// while still setting symlink mode bits. Gating on ExternalAttrs itself,
// the same way the mode is read, closes that gap.
func checkMemberMode(f *zip.File) error {
	unixMode := f.ExternalAttrs >> 16
	if unixMode == 0 {
		return nil
	}
	mode := fs.FileMode(unixMode)
	if mode&os.ModeSymlink != 0 {
		return violation("member %q is a symbolic link", f.Name)
	}
	return nil
}

// Extract validates blob and, if safe, writes its members into dir using
// their archive-declared relative paths verbatim. On any failure, no
// assumption is made about the state of dir; the caller is responsible for
// tearing it down. It writes through the real OS filesystem; see [ExtractFS]
// to extract onto an arbitrary afero.Fs (an in-memory one in tests, for
// instance).
func Extract(blob []byte, dir string) (Stats, error) {
	return ExtractFS(afero.NewOsFs(), blob, dir)
}

// ExtractFS is [Extract], writing through fsys instead of the OS filesystem
// directly.
func ExtractFS(fsys afero.Fs, blob []byte, dir string) (Stats, error) {
	zr, stats, err := Validate(blob)
	if err != nil {
		return stats, err
	}
	for _, f := range zr.File {
		if err := extractMember(fsys, f, dir); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func extractMember(fsys afero.Fs, f *zip.File, dir string) error {
	norm := strings.ReplaceAll(f.Name, `\`, "/")
	target := path.Join(dir, norm)

	// Defense in depth: even though CheckMemberPath already rejected any
	// ".." segment, re-derive the relative path and confirm it's still
	// rooted under dir. Catches any platform quirk in path.Join/Clean that
	// the declared-path check above didn't anticipate.
	rel, err := relativeTo(dir, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return violation("member %q escapes the destination directory", f.Name)
	}

	if strings.HasSuffix(norm, "/") {
		return fsys.MkdirAll(target, 0o755)
	}
	if err := fsys.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("zipsafety: creating parent directory for %q: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("zipsafety: opening member %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("zipsafety: creating %q: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("zipsafety: writing %q: %w", f.Name, err)
	}
	return nil
}

func relativeTo(base, target string) (string, error) {
	base = path.Clean(base)
	target = path.Clean(target)
	if !strings.HasPrefix(target, base+"/") && target != base {
		return "", fmt.Errorf("not rooted under base")
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(target, base), "/")
	return rel, nil
}
