// Package backup snapshots worker directories into the backups root.
package backup

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/sandbox"
)

const (
	// TimeLayout is the timestamp part of a backup name.
	TimeLayout = "20060102_150405"
	// ArchiveExt is appended to compressed backups.
	ArchiveExt = ".tar.zst"
	// DigestExt names the BLAKE3 sidecar written next to each archive.
	DigestExt    = ".b3"
	DefaultLimit = 10
)

var (
	ErrSourceMissing  = errors.New("backup source directory missing")
	ErrDigestMismatch = errors.New("backup digest mismatch")

	nameRe = regexp.MustCompile(`^(.+)_backup_(\d{8}_\d{6})(\.tar\.zst)?$`)
)

// Entry describes one backup found under the root.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest,omitempty"`
}

// Manager writes backups below Root. Backups never stop the worker.
type Manager struct {
	root     string
	compress bool
	log      *slog.Logger
	history  *history.Recorder
	now      func() time.Time
}

type Option func(*Manager)

// WithCompression makes Backup produce tar.zst archives instead of copies.
func WithCompression(on bool) Option { return func(m *Manager) { m.compress = on } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithHistory(h *history.Recorder) Option { return func(m *Manager) { m.history = h } }

func New(root string, opts ...Option) *Manager {
	m := &Manager{root: root, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Root() string { return m.root }

// Name returns the backup name for id at t.
func Name(id string, t time.Time) string {
	return fmt.Sprintf("%s_backup_%s", id, t.Format(TimeLayout))
}

// Backup snapshots dir using the configured format and returns the new path.
func (m *Manager) Backup(ctx context.Context, id, dir string) (string, error) {
	var (
		path string
		err  error
	)
	if m.compress {
		path, err = m.Archive(ctx, id, dir)
	} else {
		path, err = m.Copy(ctx, id, dir)
	}
	if err != nil {
		m.log.Error("backup failed", "worker", id, "error", err)
		m.history.Record(history.Event{Type: history.EventError, WorkerID: id, Message: "backup failed: " + err.Error()})
		return "", err
	}
	m.log.Info("backup created", "worker", id, "path", path)
	m.history.Record(history.Event{Type: history.EventBackup, WorkerID: id, Message: path})
	return path, nil
}

// Copy recreates the tree under <root>/{id}_backup_{ts}. Symlinks are copied
// as links, never followed.
func (m *Manager) Copy(ctx context.Context, id, dir string) (string, error) {
	if err := checkSource(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return "", fmt.Errorf("create backups root: %w", err)
	}
	dst := filepath.Join(m.root, Name(id, m.now()))
	if err := os.Mkdir(dst, 0o750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	if err := copyTree(ctx, dir, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", err
	}
	return dst, nil
}

// Archive writes <root>/{id}_backup_{ts}.tar.zst.
func (m *Manager) Archive(ctx context.Context, id, dir string) (string, error) {
	if err := checkSource(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return "", fmt.Errorf("create backups root: %w", err)
	}
	dst := filepath.Join(m.root, Name(id, m.now())+ArchiveExt)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	h := blake3.New()
	if err := writeArchive(ctx, dir, io.MultiWriter(f, h)); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if err := os.WriteFile(dst+DigestExt, []byte(sum+"\n"), 0o640); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("write digest: %w", err)
	}
	return dst, nil
}

// Verify recomputes the BLAKE3 digest of an archive and compares it with its sidecar.
func Verify(path string) error {
	want, err := readDigest(path)
	if err != nil {
		return err
	}
	got, err := fileDigest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrDigestMismatch)
	}
	return nil
}

func readDigest(path string) (string, error) {
	b, err := os.ReadFile(path + DigestExt) // #nosec G304 -- sidecar of a scanned backup
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns backups newest first. limit <= 0 means DefaultLimit.
func (m *Manager) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	all, err := m.scan()
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[:limit]
	}
	for i := range all {
		if all[i].Archived {
			if fi, err := os.Stat(all[i].Path); err == nil {
				all[i].Size = fi.Size()
			}
			all[i].Digest, _ = readDigest(all[i].Path)
		} else if n, err := sandbox.DirSize(all[i].Path); err == nil {
			all[i].Size = n
		}
	}
	return all, nil
}

// Prune removes the oldest backups of id beyond keep and returns their paths.
func (m *Manager) Prune(id string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	all, err := m.scan()
	if err != nil {
		return nil, err
	}
	var removed []string
	seen := 0
	for _, e := range all {
		if e.WorkerID != id {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		if err := os.RemoveAll(e.Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name, err)
		}
		if e.Archived {
			_ = os.Remove(e.Path + DigestExt)
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

func (m *Manager) scan() ([]Entry, error) {
	des, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		match := nameRe.FindStringSubmatch(de.Name())
		if match == nil {
			continue
		}
		ts, err := time.ParseInLocation(TimeLayout, match[2], time.Local)
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:      de.Name(),
			Path:      filepath.Join(m.root, de.Name()),
			WorkerID:  match[1],
			CreatedAt: ts,
			Archived:  match[3] != "",
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func checkSource(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceMissing, dir)
	}
	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304 -- path comes from walking the worker tree
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeArchive(ctx context.Context, src string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p) // #nosec G304 -- path comes from walking the worker tree
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
