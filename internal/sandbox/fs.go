package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	// ErrRootRemoval is returned when a caller asks to delete the sandbox root itself.
	ErrRootRemoval = errors.New("refusing to remove sandbox root")
	ErrIsDirectory = errors.New("is a directory")
)

// Entry describes one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // relative to the sandbox root, slash separated
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FS performs file manager operations confined to one worker root.
type FS struct {
	root string
}

func NewFS(root string) *FS { return &FS{root: root} }

func (f *FS) Root() string { return f.root }

// List returns the entries of the directory rel, directories first, then by name.
func (f *FS) List(rel string) ([]Entry, error) {
	dir, err := Resolve(f.root, rel)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    filepath.ToSlash(filepath.Join(filepath.FromSlash(rel), de.Name())),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Open opens a regular file for reading.
func (f *FS) Open(rel string) (*os.File, fs.FileInfo, error) {
	p, err := Resolve(f.root, rel)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%s: %w", rel, ErrIsDirectory)
	}
	fh, err := os.Open(p) // #nosec G304 -- path resolved inside the sandbox
	if err != nil {
		return nil, nil, err
	}
	return fh, info, nil
}

// Write creates or truncates rel with the content of r, creating parent directories.
func (f *FS) Write(rel string, r io.Reader) (int64, error) {
	p, err := Resolve(f.root, rel)
	if err != nil {
		return 0, err
	}
	if absRoot, _ := filepath.Abs(f.root); p == absRoot {
		return 0, fmt.Errorf("cannot write to sandbox root")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, err
	}
	fh, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(fh, r)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Mkdir creates rel and any missing parents.
func (f *FS) Mkdir(rel string) error {
	p, err := Resolve(f.root, rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o750)
}

// Remove deletes a file or a directory tree. The root itself cannot be removed.
func (f *FS) Remove(rel string) error {
	p, err := Resolve(f.root, rel)
	if err != nil {
		return err
	}
	absRoot, _ := filepath.Abs(f.root)
	if p == absRoot {
		return ErrRootRemoval
	}
	if _, err := os.Lstat(p); err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// Size returns the total size in bytes of regular files under the root; symlinks are skipped.
func (f *FS) Size() (int64, error) {
	return DirSize(f.root)
}

// DirSize sums regular file sizes below dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
