// Package entrypoint locates the runnable script inside a worker directory.
package entrypoint

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when no entry point can be determined.
var ErrNotFound = errors.New("no entry point found")

const maxScanBytes = 1 << 20

// Policy controls discovery. Zero-valued fields fall back to DefaultPolicy.
type Policy struct {
	Extensions []string `mapstructure:"extensions"` // source file extensions, with dot
	Names      []string `mapstructure:"names"`      // conventional base names, checked in order
	Markers    []string `mapstructure:"markers"`    // substrings marking a runnable script
	SkipDirs   []string `mapstructure:"skip_dirs"`
}

// DefaultPolicy targets Python bots.
func DefaultPolicy() Policy {
	return Policy{
		Extensions: []string{".py"},
		Names:      []string{"main", "bot", "run", "app"},
		Markers: []string{
			`if __name__ == "__main__"`,
			`if __name__ == '__main__'`,
			"ApplicationBuilder()",
			"Application.builder()",
			".run_polling(",
			"Updater(",
			"start_polling(",
		},
		SkipDirs: []string{"__pycache__", "venv", ".venv", "site-packages", "node_modules"},
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if len(p.Extensions) == 0 {
		p.Extensions = d.Extensions
	}
	if len(p.Names) == 0 {
		p.Names = d.Names
	}
	if len(p.Markers) == 0 {
		p.Markers = d.Markers
	}
	if p.SkipDirs == nil {
		p.SkipDirs = d.SkipDirs
	}
	return p
}

func (p Policy) isSource(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range p.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (p Policy) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range p.SkipDirs {
		if name == s {
			return true
		}
	}
	return false
}

// Find returns the absolute path of the entry point under root.
//
// Order: conventional names at the root, then the first file (in lexical walk
// order) containing a marker, then the first source file at the root.
func Find(root string, policy Policy) (string, error) {
	p := policy.withDefaults()
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", ErrNotFound
	}

	for _, name := range p.Names {
		for _, ext := range p.Extensions {
			candidate := filepath.Join(root, name+ext)
			if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
				return candidate, nil
			}
		}
	}

	if found := scanMarkers(root, p); found != "" {
		return found, nil
	}

	des, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() && p.isSource(de.Name()) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		return filepath.Join(root, names[0]), nil
	}
	return "", ErrNotFound
}

// scanMarkers walks root in lexical order (filepath.WalkDir sorts entries).
func scanMarkers(root string, p Policy) string {
	var found string
	markers := make([][]byte, len(p.Markers))
	for i, m := range p.Markers {
		markers[i] = []byte(m)
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && p.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !p.isSource(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanBytes {
			return nil
		}
		b, err := os.ReadFile(path) // #nosec G304 -- walking the worker's own tree
		if err != nil {
			return nil
		}
		for _, m := range markers {
			if bytes.Contains(b, m) {
				found = path
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}
