// Package localfs is the local side of a sync: the tree under the sync root,
// addressed by slash-separated paths relative to that root.
package localfs

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

const (
	DefaultHashCacheSize = 4096
	tempPattern          = ".drivesync-*.tmp"
)

// IOError is a local filesystem failure. It is never retried.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("local %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var ie *IOError
	if errors.As(err, &ie) {
		return err
	}
	return &IOError{Op: op, Path: p, Err: err}
}

func IsNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// Entry describes one local file or directory.
type Entry struct {
	Path    string // relative, slash separated
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

type FS struct {
	fs     afero.Fs
	root   string
	hashes *lru.Cache[string, string]
	// Now timestamps rotated conflict markers.
	Now func() time.Time
}

// New roots a filesystem at root, creating the directory if needed.
func New(base afero.Fs, root string) (*FS, error) {
	root = filepath.Clean(root)
	if err := base.MkdirAll(root, 0o755); err != nil {
		return nil, ioErr("mkdir", root, err)
	}

	cache, err := lru.New[string, string](DefaultHashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("hash cache: %w", err)
	}
	return &FS{fs: base, root: root, hashes: cache, Now: time.Now}, nil
}

// NewOS roots the real filesystem at root.
func NewOS(root string) (*FS, error) {
	return New(afero.NewOsFs(), root)
}

func (f *FS) Root() string { return f.root }

// Abs converts a relative slash path to a path on the underlying filesystem.
func (f *FS) Abs(rel string) string {
	if rel == "" {
		return f.root
	}
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

// Rel converts an absolute path below the root to a relative slash path.
func (f *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, f.root)
	}
	if rel == "." {
		return "", nil
	}
	return rel, nil
}

// Stat returns the entry at rel; ok is false when nothing exists there.
func (f *FS) Stat(rel string) (e Entry, ok bool, err error) {
	info, err := f.fs.Stat(f.Abs(rel))
	if IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, ioErr("stat", rel, err)
	}
	return entry(rel, info), true, nil
}

// List returns the direct children of the directory rel, sorted by name.
func (f *FS) List(rel string) ([]Entry, error) {
	infos, err := afero.ReadDir(f.fs, f.Abs(rel))
	if err != nil {
		return nil, ioErr("list", rel, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, entry(path.Join(rel, info.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Hash returns the hex sha1 of the file at rel. Results are cached by size
// and mtime so unchanged files are read once.
func (f *FS) Hash(rel string) (string, error) {
	info, err := f.fs.Stat(f.Abs(rel))
	if err != nil {
		return "", ioErr("hash", rel, err)
	}
	key := fmt.Sprintf("%s|%d|%d", rel, info.Size(), info.ModTime().UnixNano())
	if h, ok := f.hashes.Get(key); ok {
		return h, nil
	}

	file, err := f.fs.Open(f.Abs(rel))
	if err != nil {
		return "", ioErr("hash", rel, err)
	}
	defer file.Close()

	h := sha1.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", ioErr("hash", rel, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	f.hashes.Add(key, sum)
	return sum, nil
}

// WriteAtomic fills a temp file next to rel through fill, then renames it
// into place and pins its mtime to mod. A failed fill leaves rel untouched.
func (f *FS) WriteAtomic(rel string, mod time.Time, fill func(w io.Writer) error) (Entry, error) {
	dir := f.Abs(path.Dir(rel))
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, ioErr("mkdir", path.Dir(rel), err)
	}

	tmp, err := afero.TempFile(f.fs, dir, tempPattern)
	if err != nil {
		return Entry{}, ioErr("create temp", rel, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = f.fs.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		tmp.Close()
		cleanup()
		return Entry{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return Entry{}, ioErr("sync", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return Entry{}, ioErr("close", rel, err)
	}
	if err := f.fs.Chtimes(tmpName, mod, mod); err != nil {
		cleanup()
		return Entry{}, ioErr("chtimes", rel, err)
	}
	if err := f.fs.Rename(tmpName, f.Abs(rel)); err != nil {
		cleanup()
		return Entry{}, ioErr("rename", rel, err)
	}

	e, _, err := f.Stat(rel)
	return e, err
}

func (f *FS) Mkdir(rel string) (Entry, error) {
	if err := f.fs.MkdirAll(f.Abs(rel), 0o755); err != nil {
		return Entry{}, ioErr("mkdir", rel, err)
	}
	e, _, err := f.Stat(rel)
	return e, err
}

func (f *FS) Chtimes(rel string, mod time.Time) error {
	return ioErr("chtimes", rel, f.fs.Chtimes(f.Abs(rel), mod, mod))
}

// Remove deletes a file or an empty directory. A missing path is not an error.
func (f *FS) Remove(rel string) error {
	err := f.fs.Remove(f.Abs(rel))
	if IsNotExist(err) {
		return nil
	}
	return ioErr("remove", rel, err)
}

func (f *FS) RemoveAll(rel string) error {
	if rel == "" {
		return &IOError{Op: "remove", Path: rel, Err: errors.New("refusing to remove the sync root")}
	}
	return ioErr("remove", rel, f.fs.RemoveAll(f.Abs(rel)))
}

// Rename moves from to to, failing if to already exists.
func (f *FS) Rename(from, to string) error {
	if _, ok, err := f.Stat(to); err != nil {
		return err
	} else if ok {
		return &IOError{Op: "rename", Path: to, Err: fs.ErrExist}
	}
	if err := f.fs.MkdirAll(f.Abs(path.Dir(to)), 0o755); err != nil {
		return ioErr("mkdir", path.Dir(to), err)
	}
	return ioErr("rename", from, f.fs.Rename(f.Abs(from), f.Abs(to)))
}

// Open returns the file at rel as upload content. The descriptor carries the
// size, mtime and hash observed when it was opened.
func (f *FS) Open(rel string) (*FileContent, error) {
	hash, err := f.Hash(rel)
	if err != nil {
		return nil, err
	}
	file, err := f.fs.Open(f.Abs(rel))
	if err != nil {
		return nil, ioErr("open", rel, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioErr("stat", rel, err)
	}
	return &FileContent{
		File: file,
		Desc: contentDescriptor(path.Base(rel), f.Abs(rel), info, hash),
	}, nil
}

// Create writes data to rel with mtime mod; used by tests and tools.
func (f *FS) Create(rel string, data []byte, mod time.Time) (Entry, error) {
	return f.WriteAtomic(rel, mod, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ReadFile returns the content of rel.
func (f *FS) ReadFile(rel string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.Abs(rel))
	return data, ioErr("read", rel, err)
}

func entry(rel string, info os.FileInfo) Entry {
	e := Entry{
		Path:    rel,
		Name:    path.Base(rel),
		Dir:     info.IsDir(),
		ModTime: info.ModTime().UTC(),
	}
	if rel == "" {
		e.Name = ""
	}
	if !e.Dir {
		e.Size = info.Size()
	}
	return e
}
