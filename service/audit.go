package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/v1nometrics/docusign-ura/model"
)

// DirAuditWriter writes one JSON file per record into a local directory
type DirAuditWriter struct {
	dir string
}

func NewDirAuditWriter(dir string) *DirAuditWriter {
	return &DirAuditWriter{dir: dir}
}

func (w *DirAuditWriter) Write(_ context.Context, name string, rec model.AuditRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create audit dir: %w", err)
	}
	return os.WriteFile(filepath.Join(w.dir, filepath.Base(name)), data, 0o644)
}

// Clear removes the directory and every record in it
func (w *DirAuditWriter) Clear() error {
	return os.RemoveAll(w.dir)
}

// Dir returns the directory records are written to
func (w *DirAuditWriter) Dir() string {
	return w.dir
}

type objectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// BucketAuditWriter stores records next to the contracts under
// <prefix>audit/, which the poller skips.
type BucketAuditWriter struct {
	storage objectPutter
	prefix  string
}

func NewBucketAuditWriter(storage objectPutter, contractsPrefix string) *BucketAuditWriter {
	return &BucketAuditWriter{storage: storage, prefix: contractsPrefix + "audit/"}
}

func (w *BucketAuditWriter) Write(ctx context.Context, name string, rec model.AuditRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if err := w.storage.Put(ctx, w.prefix+name, data, "application/json"); err != nil {
		return fmt.Errorf("failed to store audit record: %w", err)
	}
	return nil
}
