// Package refrepair heuristically patches flat archive layouts into the
// subdirectory layout a LaTeX source file actually references.
//
// Naive packers sometimes flatten every file into one directory, dropping
// the subdirectories a document's \includegraphics, \input, \include, or
// bibliography commands expect. This package scans the working directory's
// .tex files for such references and, when a referenced path is missing but
// a file with the same basename exists at the working directory root,
// symlinks the reference to the root file.
package refrepair

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// refCmds are the LaTeX commands this pass understands. Each takes an
// optional bracketed options group followed by a brace-delimited argument
// holding the reference.
var refCmds = []string{
	"includegraphics",
	"input",
	"include",
	"bibliography",
	"addbibresource",
}

var refPattern = regexp.MustCompile(
	`\\(?:` + strings.Join(refCmds, "|") + `)(?:\[[^\]]*\])?\{([^}]+)\}`,
)

// Repair scans every *.tex file directly under dir (the toolchain's working
// directory) for references, and for each unresolved reference whose
// basename exists at dir's root, creates the reference's parent directories
// and a symlink at the reference path pointing at the root file.
//
// Repair only creates directories and symlinks; it never writes file
// content, never overwrites an existing path, and never follows a symlink
// to decide whether something already exists there (it uses Lstat).
// References that resolve outside dir (absolute, or containing "..") are
// left alone — the toolchain is allowed to report that error itself.
func Repair(dir string) error {
	texFiles, err := filepath.Glob(filepath.Join(dir, "*.tex"))
	if err != nil {
		return err
	}
	for _, tex := range texFiles {
		if err := repairFile(dir, tex); err != nil {
			return err
		}
	}
	return nil
}

func repairFile(dir, texPath string) error {
	data, err := os.ReadFile(texPath)
	if err != nil {
		return err
	}
	for _, m := range refPattern.FindAllStringSubmatch(string(data), -1) {
		ref := strings.TrimSpace(m[1])
		if ref == "" {
			continue
		}
		if err := repairRef(dir, ref); err != nil {
			return err
		}
	}
	return nil
}

func repairRef(dir, ref string) error {
	if !isSafeRelative(ref) {
		// Absolute or traversing outside dir: leave it for the toolchain
		// to report.
		return nil
	}

	target := filepath.Join(dir, ref)
	if _, err := os.Lstat(target); err == nil {
		// Already present; nothing to repair.
		return nil
	}
	root := filepath.Join(dir, filepath.Base(ref))
	if _, err := os.Lstat(root); err != nil {
		// No same-named file at the root either; leave it for the
		// toolchain to report.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(root, target); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// isSafeRelative reports whether ref is a relative path that stays rooted
// under the working directory.
func isSafeRelative(ref string) bool {
	if filepath.IsAbs(ref) {
		return false
	}
	clean := filepath.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}
