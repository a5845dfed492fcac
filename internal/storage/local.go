package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage archives uploads in a directory tree. Writes go to a
// temporary file that is renamed into place, so a reader never sees a
// partial CSV.
type LocalStorage struct {
	root   string
	logger *slog.Logger
}

// NewLocalStorage creates the archive root if needed.
func NewLocalStorage(cfg LocalConfig, logger *slog.Logger) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage: base path is required")
	}
	root, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("local storage: resolve %q: %w", cfg.BasePath, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: create %q: %w", root, err)
	}

	logger.Info("upload archive ready", "provider", ProviderLocal, "root", root)
	return &LocalStorage{root: root, logger: logger}, nil
}

func (s *LocalStorage) Put(ctx context.Context, key string, data io.ReadSeeker, opts PutOptions) (ObjectInfo, error) {
	const op = "put"

	path, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	sum, size, err := digest(data)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	if opts.MaxSize > 0 && size > opts.MaxSize {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: ErrTooLarge}
	}
	if _, err := os.Stat(path); err == nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: ErrKeyExists}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, &contextReader{ctx: ctx, r: data})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}

	stat, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = CSVContentType
	}
	s.logger.Debug("upload archived", "key", key, "size", size, "sha256", sum)

	return ObjectInfo{
		Key:         key,
		Size:        size,
		ContentType: contentType,
		SHA256:      sum,
		ModTime:     stat.ModTime(),
	}, nil
}

// Open hashes the file before returning it, so ObjectInfo.SHA256 is always
// set.
func (s *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	const op = "open"

	path, err := s.path(key)
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ObjectInfo{}, &StorageError{Op: op, Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	sum, _, err := digest(f)
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}

	return f, ObjectInfo{
		Key:         key,
		Size:        stat.Size(),
		ContentType: DetectContentType("", key, nil),
		SHA256:      sum,
		ModTime:     stat.ModTime(),
	}, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	s.logger.Debug("archived upload removed", "key", key)
	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
}

// path maps a key onto the filesystem, refusing anything that resolves
// outside the root.
func (s *LocalStorage) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return p, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
