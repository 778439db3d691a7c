package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// FileStore keeps secrets in a YAML file readable only by its owner. Every
// Set and Delete rewrites the file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string {
	return f.path
}

type fileData map[string]map[string]string

func (f *FileStore) load() (fileData, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	out := fileData{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	return out, nil
}

func (f *FileStore) save(d fileData) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return "", err
	}
	s, ok := d[service][account]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (f *FileStore) Set(service, account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return err
	}
	if d[service] == nil {
		d[service] = make(map[string]string)
	}
	d[service][account] = secret
	return f.save(d)
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (f *FileStore) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := d[service][account]; !ok {
		return nil
	}
	delete(d[service], account)
	if len(d[service]) == 0 {
		delete(d, service)
	}
	return f.save(d)
}
