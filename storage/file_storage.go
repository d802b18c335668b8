package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStorage keeps one JSON file per key. File names are sanitized and
// suffixed with a hash of the raw key, so distinct keys never share a file.
type FileStorage struct {
	dir string
	mu  sync.RWMutex
}

type fileItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := sanitize(key, 0, "") + "-" + hex.EncodeToString(sum[:6]) + ".json"
	return filepath.Join(f.dir, name)
}

func (f *FileStorage) GetItem(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read file: %w", err)
	}

	var item fileItem
	if err := json.Unmarshal(data, &item); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.Value, true, nil
}

func (f *FileStorage) SetItem(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(fileItem{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (f *FileStorage) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (f *FileStorage) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.items()
	if err != nil {
		return err
	}
	for _, name := range entries {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}
	return nil
}

func (f *FileStorage) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names, err := f.items()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			continue
		}
		var item fileItem
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		keys = append(keys, item.Key)
	}
	return keys, nil
}

func (f *FileStorage) items() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
