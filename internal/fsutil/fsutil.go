package fsutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute path under root for a given rel path.
// It rejects escapes (..) and NUL bytes.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", errors.New("invalid path")
	}
	rel = CleanRelPath(rel)
	if rel == "" {
		return filepath.Clean(rootAbs), nil
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	rootClean := filepath.Clean(rootAbs)
	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) && rootClean != string(filepath.Separator) {
		return "", errors.New("path escape")
	}
	return abs, nil
}

// Exists reports whether p exists on fs. Stat errors other than
// not-exist are reported as existing so callers never clobber on doubt.
func Exists(fs afero.Fs, p string) bool {
	_, err := fs.Stat(p)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// RegularFile stats p and returns its info if it is a regular file. A
// directory resolves to its index.html.
func RegularFile(fs afero.Fs, p string) (string, os.FileInfo, bool) {
	st, err := fs.Stat(p)
	if err != nil {
		return "", nil, false
	}
	if st.IsDir() {
		p = path.Join(filepath.ToSlash(p), "index.html")
		if st, err = fs.Stat(p); err != nil {
			return "", nil, false
		}
	}
	if !st.Mode().IsRegular() {
		return "", nil, false
	}
	return p, st, true
}
