package filexfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errPathEscapes = errors.New("path escapes transfer root")

// DirFS is a Filesystem rooted at one directory. Transfer paths are
// interpreted relative to the root and confined to it; references that
// would escape are rejected.
type DirFS struct {
	root string
}

func NewDirFS(root string) (*DirFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", abs)
	}
	return &DirFS{root: abs}, nil
}

func (fs *DirFS) resolve(path string) (string, error) {
	// Rooting the clean at "/" strips any number of leading "..".
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(fs.root, clean)
	if full != fs.root && !strings.HasPrefix(full, fs.root+string(filepath.Separator)) {
		return "", errPathEscapes
	}
	return full, nil
}

func (fs *DirFS) OpenSource(path string) (Source, int64, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("is a directory: %s", path)
	}
	return f, info.Size(), nil
}

func (fs *DirFS) OpenSink(path string, size uint64) (Sink, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}
