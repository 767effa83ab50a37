package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// PathEscapeError reports a worker-relative path that would leave its sandbox root.
type PathEscapeError struct {
	Root   string
	Path   string
	Reason string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes sandbox %q: %s", e.Path, e.Root, e.Reason)
}

// IsPathEscape reports whether err is (or wraps) a *PathEscapeError.
func IsPathEscape(err error) bool {
	var pe *PathEscapeError
	return errors.As(err, &pe)
}

// Resolve maps rel onto root and returns the absolute path.
// An empty rel (or ".") resolves to root itself. The containment check runs on the
// canonical form of both sides, so a symlink inside root pointing elsewhere is rejected.
func Resolve(root, rel string) (string, error) {
	escape := func(reason string) error {
		return &PathEscapeError{Root: root, Path: rel, Reason: reason}
	}
	if strings.TrimSpace(root) == "" {
		return "", escape("empty root")
	}
	decoded := rel
	if strings.Contains(rel, "%") {
		if d, err := url.PathUnescape(rel); err == nil {
			decoded = d
		}
	}
	decoded = strings.ReplaceAll(decoded, "\\", "/")
	if strings.ContainsRune(decoded, 0) {
		return "", escape("NUL byte")
	}
	if filepath.IsAbs(decoded) || strings.HasPrefix(decoded, "/") {
		return "", escape("absolute path")
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", escape("parent directory segment")
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	canonRoot, err := canonical(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}

	full := filepath.Join(absRoot, filepath.FromSlash(decoded))
	canonFull, err := canonical(full)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rel, err)
	}
	if !within(canonRoot, canonFull) {
		return "", escape("resolves outside root")
	}
	return full, nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// canonical evaluates symlinks on the deepest existing ancestor of p and
// re-appends the missing tail, so paths that do not exist yet can still be checked.
func canonical(p string) (string, error) {
	p = filepath.Clean(p)
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
