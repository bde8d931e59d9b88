package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk stores each object as one file directly under root.
type Disk struct {
	root string
}

// NewDisk creates root if needed.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) path(key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, key), nil
}

// Put writes to a temp file, fsyncs and renames it into place.
func (d *Disk) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	full, err := d.path(key)
	if err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	n, err := io.Copy(f, readerWithContext(ctx, r))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return n, fmt.Errorf("fsync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("rename %s: %w", key, err)
	}
	return n, nil
}

func (d *Disk) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

func (d *Disk) Exists(_ context.Context, key string) (bool, error) {
	full, err := d.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (d *Disk) Delete(_ context.Context, key string) error {
	full, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a long copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx.Done() == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}

// Ping checks that the storage root is still a directory.
func (d *Disk) Ping(context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("stat storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", d.root)
	}
	return nil
}
