// Package object provides filesystem and in-memory object storage.
package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

// LocalStorage implements ObjectStorage on a local directory tree.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new local filesystem storage rooted at root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &LocalStorage{root: absRoot}, nil
}

// Scheme returns "file".
func (s *LocalStorage) Scheme() string {
	return "file"
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Put writes data to key. The object appears atomically.
func (s *LocalStorage) Put(ctx context.Context, key string, data io.Reader, opts interfaces.PutOptions) error {
	fullPath := s.fullPath(key)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if opts.IfNotExists {
		if _, err := os.Stat(fullPath); err == nil {
			return fmt.Errorf("object already exists: %s", key)
		}
	}

	tmp := fmt.Sprintf("%s.tmp.%d", fullPath, time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Get returns a reader for the object.
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes an object.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.fullPath(key)); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List lists regular files whose key starts with prefix.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var results []interfaces.ObjectInfo

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
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
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || strings.Contains(key, ".tmp.") {
			return nil
		}
		results = append(results, interfaces.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

func (s *LocalStorage) fullPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// MemoryStorage implements ObjectStorage in memory (for testing).
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]interfaces.ObjectInfo
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string][]byte),
		meta:    make(map[string]interfaces.ObjectInfo),
	}
}

// Scheme returns "memory".
func (s *MemoryStorage) Scheme() string {
	return "memory"
}

// Put stores data in memory.
func (s *MemoryStorage) Put(ctx context.Context, key string, data io.Reader, opts interfaces.PutOptions) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.IfNotExists {
		if _, ok := s.objects[key]; ok {
			return fmt.Errorf("object already exists: %s", key)
		}
	}
	s.objects[key] = b
	s.meta[key] = interfaces.ObjectInfo{
		Key:          key,
		Size:         int64(len(b)),
		LastModified: time.Now(),
	}
	return nil
}

// Get returns a reader for the object.
func (s *MemoryStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes an object.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.meta, key)
	return nil
}

// Exists checks if an object exists.
func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// List lists objects with a prefix.
func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []interfaces.ObjectInfo
	for key, info := range s.meta {
		if strings.HasPrefix(key, prefix) {
			results = append(results, info)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

// Verify interface compliance
var (
	_ interfaces.ObjectStorage = (*LocalStorage)(nil)
	_ interfaces.ObjectStorage = (*MemoryStorage)(nil)
)
