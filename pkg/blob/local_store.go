// Package blob stores report artifacts by key.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("blob not found")

// Store persists named artifacts.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// LocalStore keeps blobs as files below a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Path returns the file backing key.
func (s *LocalStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes r to key. The file is replaced atomically, so readers never
// see a half-written report.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) error {
	full := s.Path(key)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to close %s", key)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to rename temp file to %s", full)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blob %s", key)
	}
	return f, nil
}

// List returns the keys below prefix in lexical order. A missing prefix
// yields an empty list.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.Walk(s.Path(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return keys, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list blobs with prefix %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}
