package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dir writes the raw attachment and its dataset JSON below Root using the
// same date layout as the bucket sink.
type Dir struct {
	Root string
	now  func() time.Time
}

func NewDir(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Dir{Root: root, now: time.Now}, nil
}

func (d *Dir) Name() string { return "dir" }

func (d *Dir) Deliver(ctx context.Context, del Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uploadedAt := d.now()
	rel := ObjectPath(del.ProcessedAt, del.Filename())
	target := filepath.Join(d.Root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	if err := writeFile(target, del.Attachment.Content); err != nil {
		return err
	}

	doc, err := datasetJSON(del, uploadedAt)
	if err != nil {
		return err
	}
	return writeFile(target+".json", doc)
}

// writeFile replaces path atomically so readers never see a partial file.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mailsheet-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
