// Package local implements a filesystem blob store for screenshots and other
// records written outside the archiving proxy.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is created when missing.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes records beneath one directory. All access goes through an
// os.Root, so record paths cannot escape it through ".." or symlinks.
type BlobStore struct {
	root    *os.Root
	baseDir string
}

// New opens (creating if needed) cfg.BaseDir and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(base)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	s := &BlobStore{root: root, baseDir: base}
	if err := s.probe(); err != nil {
		_ = root.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) probe() error {
	name := ".writable-" + uuid.NewString()
	if err := s.root.WriteFile(name, nil, 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := s.root.Remove(name); err != nil {
		return fmt.Errorf("remove write probe: %w", err)
	}
	return nil
}

// PutObject writes data to path under the base directory and returns a
// file:// URI. Data goes to a temporary file renamed into place, so readers
// never observe a partial record and a rewrite replaces the old one.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
	if rel == "." || rel == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("record path %q escapes the base directory", path)
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create record directory: %w", err)
		}
	}

	tmpName := filepath.Join(filepath.Dir(rel), ".record-"+uuid.NewString())
	tmp, err := s.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp record: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = s.root.Remove(tmpName)
		return "", fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.root.Remove(tmpName)
		return "", fmt.Errorf("close record: %w", err)
	}
	if err := s.root.Rename(tmpName, rel); err != nil {
		_ = s.root.Remove(tmpName)
		return "", fmt.Errorf("move record into place: %w", err)
	}
	return "file://" + filepath.ToSlash(filepath.Join(s.baseDir, rel)), nil
}

// Close releases the base directory handle.
func (s *BlobStore) Close() error {
	if err := s.root.Close(); err != nil {
		return fmt.Errorf("close base directory: %w", err)
	}
	return nil
}
