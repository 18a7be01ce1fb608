package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

// LocalStorage serves contracts from a directory. Keys are slash separated
// paths relative to the root, so the same prefixes work as in a bucket.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: root}
}

func (s *LocalStorage) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// List walks the directory for files whose key starts with prefix, sorted
// by key.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	var objects []model.ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, model.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.root, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *LocalStorage) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return data, err
}

func (s *LocalStorage) Stat(_ context.Context, key string) (model.ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return model.ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return model.ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return model.ObjectInfo{}, err
	}
	return model.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *LocalStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Watch calls wake whenever a PDF is created or written under the prefix
// directory. It blocks until ctx is done.
func (s *LocalStorage) Watch(ctx context.Context, prefix string, wake func()) error {
	dir := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logger.Info(ctx, "watching for new contracts", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.EqualFold(filepath.Ext(ev.Name), ".pdf") {
				logger.Debug(ctx, "contract file changed", "path", ev.Name, "op", ev.Op.String())
				wake()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "watcher error", "error", err)
		}
	}
}
