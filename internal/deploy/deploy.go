// Package deploy installs uploaded worker programs into the workers root.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/sandbox"
	"github.com/loykin/botvisor/internal/store"
)

const (
	DefaultMaxUpload  = 50 << 20
	DefaultMaxExtract = 512 << 20
)

// TokenPattern matches a bot credential of the form <digits>:<secret>.
var TokenPattern = regexp.MustCompile(`\d+:[A-Za-z0-9_-]{20,}`)

var (
	ErrUnsupportedFormat = errors.New("unsupported upload format")
	ErrInvalidToken      = errors.New("invalid token")
	ErrDuplicate         = errors.New("worker already exists")
	ErrZipSlip           = errors.New("archive entry escapes worker directory")
	ErrTooLarge          = errors.New("upload too large")
)

// Request is one upload.
type Request struct {
	Filename string    // original name; decides between source file and zip
	Name     string    // display name; defaults to Filename without extension
	Token    string    // optional; discovered in the upload when empty
	Body     io.Reader // upload content
}

// Installer unpacks uploads into <root>/<id> and creates the worker record.
type Installer struct {
	root       string
	store      store.Store
	extensions []string
	maxUpload  int64
	maxExtract int64
	log        *slog.Logger
	history    *history.Recorder
	now        func() time.Time
}

type Option func(*Installer)

// WithExtensions sets the accepted source extensions (with dot). Zip is
// always accepted.
func WithExtensions(exts ...string) Option {
	return func(i *Installer) {
		if len(exts) > 0 {
			i.extensions = exts
		}
	}
}

func WithLimits(maxUpload, maxExtract int64) Option {
	return func(i *Installer) {
		if maxUpload > 0 {
			i.maxUpload = maxUpload
		}
		if maxExtract > 0 {
			i.maxExtract = maxExtract
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(i *Installer) { i.log = l } }

func WithHistory(h *history.Recorder) Option { return func(i *Installer) { i.history = h } }

func New(root string, st store.Store, opts ...Option) *Installer {
	i := &Installer{
		root:       root,
		store:      st,
		extensions: []string{".py"},
		maxUpload:  DefaultMaxUpload,
		maxExtract: DefaultMaxExtract,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// FindToken returns the first token-shaped string in b.
func FindToken(b []byte) string {
	return string(TokenPattern.Find(b))
}

// ValidToken reports whether token looks like <digits>:<secret longer than 10>.
func ValidToken(token string) bool {
	prefix, secret, ok := strings.Cut(token, ":")
	if !ok || prefix == "" || len(secret) <= 10 {
		return false
	}
	_, err := strconv.ParseUint(prefix, 10, 64)
	return err == nil
}

// IDFromToken derives the worker id: the numeric prefix of token, or the Unix
// time of now when no token is known.
func IDFromToken(token string, now time.Time) string {
	if prefix, _, ok := strings.Cut(token, ":"); ok && prefix != "" {
		return prefix
	}
	return strconv.FormatInt(now.Unix(), 10)
}

// Install writes the upload to disk and persists a stopped record. On any
// failure the worker directory is removed again.
func (i *Installer) Install(ctx context.Context, req Request) (store.Record, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(req.Filename, "\\", "/")))
	ext := strings.ToLower(filepath.Ext(base))
	isZip := ext == ".zip"
	if !isZip && !i.isSource(ext) {
		return store.Record{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Filename)
	}

	if err := os.MkdirAll(i.root, 0o750); err != nil {
		return store.Record{}, fmt.Errorf("create workers root: %w", err)
	}
	tmp, err := i.spool(req.Body)
	if err != nil {
		return store.Record{}, err
	}
	defer func() { _ = os.Remove(tmp) }()

	token := strings.TrimSpace(req.Token)
	if token == "" {
		if isZip {
			token, err = i.scanZip(tmp)
		} else {
			token, err = scanFile(tmp)
		}
		if err != nil {
			return store.Record{}, err
		}
	}
	if token != "" && !ValidToken(token) {
		return store.Record{}, ErrInvalidToken
	}
	id := IDFromToken(token, i.now())

	if _, err := i.store.Get(ctx, id); err == nil {
		return store.Record{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Record{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	absRoot, err := filepath.Abs(i.root)
	if err != nil {
		return store.Record{}, err
	}
	dir := filepath.Join(absRoot, id)
	if _, err := os.Stat(dir); err == nil {
		return store.Record{}, fmt.Errorf("%w: directory %s", ErrDuplicate, dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return store.Record{}, err
	}

	rec, err := i.install(ctx, tmp, dir, base, isZip, store.Record{
		ID:          id,
		Name:        name,
		Token:       token,
		Directory:   dir,
		Status:      store.StatusStopped,
		AutoRestart: true,
		CreatedAt:   i.now().UTC(),
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		i.log.Error("deploy failed", "worker", id, "error", err)
		return store.Record{}, err
	}
	i.history.Record(history.Event{Type: history.EventDeploy, WorkerID: id, Name: name, Status: string(rec.Status)})
	i.log.Info("worker deployed", "worker", id, "name", name, "dir", dir)
	return rec, nil
}

func (i *Installer) install(ctx context.Context, tmp, dir, base string, isZip bool, rec store.Record) (store.Record, error) {
	if isZip {
		if err := i.extract(tmp, dir); err != nil {
			return rec, err
		}
	} else if err := copyInto(tmp, filepath.Join(dir, base)); err != nil {
		return rec, err
	}
	if err := i.store.Put(ctx, rec); err != nil {
		return rec, fmt.Errorf("save worker record: %w", err)
	}
	return rec, nil
}

func (i *Installer) isSource(ext string) bool {
	for _, e := range i.extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (i *Installer) spool(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: empty body", ErrUnsupportedFormat)
	}
	f, err := os.CreateTemp(i.root, ".upload-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(r, i.maxUpload+1))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err == nil && n > i.maxUpload {
		err = fmt.Errorf("%w: limit %d bytes", ErrTooLarge, i.maxUpload)
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func scanFile(path string) (string, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- spooled upload
	if err != nil {
		return "", err
	}
	return FindToken(b), nil
}

// scanZip looks for a token in the source files of the archive without
// extracting it.
func (i *Installer) scanZip(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer func() { _ = zr.Close() }()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !i.isSource(strings.ToLower(filepath.Ext(f.Name))) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, io.LimitReader(rc, 1<<20))
		_ = rc.Close()
		if err != nil {
			continue
		}
		if tok := FindToken(buf.Bytes()); tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

// extract unpacks the archive under dir. Every entry is resolved through the
// sandbox first; absolute names, parent segments and symlink entries fail
// the whole deploy.
func (i *Installer) extract(path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer func() { _ = zr.Close() }()

	var total int64
	for _, f := range zr.File {
		target, err := sandbox.Resolve(dir, f.Name)
		if err != nil {
			if sandbox.IsPathEscape(err) {
				return fmt.Errorf("%w: %q", ErrZipSlip, f.Name)
			}
			return err
		}
		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("%w: symlink %q", ErrZipSlip, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		n, err := writeEntry(f, target, i.maxExtract-total)
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func writeEntry(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > budget {
		err = fmt.Errorf("%w: extracted size over limit", ErrTooLarge)
	}
	return n, err
}

func copyInto(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- spooled upload
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
