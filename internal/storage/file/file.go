package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	ondiskFilename = "data"
)

var ErrInvalidKey = errors.New("invalid key")

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("must set a directory")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to make dir: %w", err)
	}

	return &Store{
		Dir: dir,
	}, nil
}

// Store keeps blobs on local disk at Dir/{key}/data. Keys are content
// addresses, so an existing key is never rewritten.
type Store struct {
	Dir string
}

func (s *Store) Save(ctx context.Context, key string, src io.Reader) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	targetDir := filepath.Join(s.Dir, key)
	fullPath := filepath.Join(targetDir, ondiskFilename)
	if _, err := os.Stat(fullPath); err == nil {
		// We already have this blob.
		return nil
	}
	if err := os.MkdirAll(targetDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to make blob dir: %w", err)
	}

	// written next to the target and renamed so readers never see a
	// partial blob
	tmp, err := os.CreateTemp(targetDir, ondiskFilename+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fullPath)
}

// Open returns the blob stored under key. A missing blob is reported with
// an error matching os.ErrNotExist.
func (s *Store) Open(ctx context.Context, key string) (*os.File, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return os.Open(filepath.Join(s.Dir, key, ondiskFilename))
}

func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}
