package distributor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kenneth/enigma/internal/enigmaerr"
)

// LocalProvider is a filesystem-backed Provider, used for the Local
// provider type and for tests that should not reach the network. New
// code (no teacher analog), grounded on the S3 providers' directory-
// oriented key layout (enigma/chunks/<hash[0:2]>/<hash>), which maps
// directly onto nested directories on disk.
type LocalProvider struct {
	name   string
	root   string
	weight int
}

// NewLocalProvider creates a LocalProvider rooted at dir, creating it
// if necessary.
func NewLocalProvider(name, dir string, weight int) (*LocalProvider, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("distributor: local provider %s: mkdir %s: %w", name, dir, err)
	}
	if weight <= 0 {
		weight = 1
	}
	return &LocalProvider{name: name, root: dir, weight: weight}, nil
}

func (p *LocalProvider) Name() string { return p.name }
func (p *LocalProvider) Weight() int  { return p.weight }

func (p *LocalProvider) path(key string) string {
	return filepath.Join(p.root, filepath.FromSlash(key))
}

func (p *LocalProvider) Put(_ context.Context, key string, data []byte) error {
	full := p.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("distributor: %s: put %s: %w", p.name, key, enigmaerr.ErrStoragePermanent)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("distributor: %s: put %s: %w: %v", p.name, key, enigmaerr.ErrStorageTransient, err)
	}
	return nil
}

func (p *LocalProvider) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(p.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("distributor: %s: get %s: %w", p.name, key, enigmaerr.ErrStoragePermanent)
		}
		return nil, fmt.Errorf("distributor: %s: get %s: %w: %v", p.name, key, enigmaerr.ErrStorageTransient, err)
	}
	return data, nil
}

func (p *LocalProvider) Delete(_ context.Context, key string) error {
	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("distributor: %s: delete %s: %w: %v", p.name, key, enigmaerr.ErrStorageTransient, err)
	}
	return nil
}

func (p *LocalProvider) Head(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(p.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("distributor: %s: head %s: %w: %v", p.name, key, enigmaerr.ErrStorageTransient, err)
}

func (p *LocalProvider) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distributor: %s: list %s: %w: %v", p.name, prefix, enigmaerr.ErrStorageTransient, err)
	}
	return keys, nil
}
