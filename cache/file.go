package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores the snapshot as a JSON file. Saves re-read the file
// and keep the union of processed keys, then replace it atomically, so a
// second process writing the same file does not drop keys. Statistics are
// last writer wins.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the snapshot file location
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read()
}

func (b *FileBackend) read() (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse cache file %s: %w", b.path, err)
	}
	return snap, nil
}

func (b *FileBackend) Save(_ context.Context, snap Snapshot) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	onDisk, err := b.read()
	if err != nil {
		return snap, err
	}
	snap.ProcessedContracts = union(snap.ProcessedContracts, onDisk.ProcessedContracts)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return snap, err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return snap, err
		}
	}
	if err := writeFileAtomic(b.path, data, 0o644); err != nil {
		return snap, fmt.Errorf("failed to write cache file: %w", err)
	}
	return snap, nil
}

func (b *FileBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// union keeps the order of a, then appends keys only present in b
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
