package photostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSBlobs stores blobs as files under a single directory. Dev backend; for
// deployments use the Cloudinary backend.
type FSBlobs struct {
	Dir string
}

// NewFSBlobs creates the directory if needed.
func NewFSBlobs(dir string) (*FSBlobs, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("photostore: create dir: %w", err)
	}
	return &FSBlobs{Dir: dir}, nil
}

// Put writes a blob and returns its name as the ref.
func (f *FSBlobs) Put(_ context.Context, name string, data []byte) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", errors.New("photostore: invalid blob name")
	}
	if err := os.WriteFile(filepath.Join(f.Dir, name), data, 0o600); err != nil {
		return "", err
	}
	return name, nil
}

// Get reads a blob by ref.
func (f *FSBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	if strings.ContainsAny(ref, "/\\") {
		return nil, errors.New("photostore: invalid ref")
	}
	return os.ReadFile(filepath.Join(f.Dir, ref))
}

// Remove deletes a blob. Removing an already-deleted blob is a no-op.
func (f *FSBlobs) Remove(_ context.Context, ref string) error {
	if strings.ContainsAny(ref, "/\\") {
		return errors.New("photostore: invalid ref")
	}
	err := os.Remove(filepath.Join(f.Dir, ref))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
