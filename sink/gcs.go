package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	Bucket          string
	Project         string
	CredentialsFile string
}

// objectWriter opens a writer for one object; attributes are applied before
// the first write.
type objectWriter interface {
	NewWriter(ctx context.Context, name, contentType string, metadata map[string]string) io.WriteCloser
	Close() error
}

// GCS uploads the raw attachment and its dataset JSON to a bucket at
// YYYY/MM/DD/<filename>.
type GCS struct {
	bucket string
	store  objectWriter
	now    func() time.Time
}

func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is empty")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Project != "" {
		clientOpts = append(clientOpts, option.WithQuotaProject(opts.Project))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{bucket: bucket, store: &bucketWriter{client: client, bucket: client.Bucket(bucket)}, now: time.Now}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Deliver(ctx context.Context, del Delivery) error {
	uploadedAt := g.now()
	object := ObjectPath(del.ProcessedAt, del.Filename())
	md := Metadata(del, uploadedAt)

	if err := g.put(ctx, object, del.ContentType(), md, del.Attachment.Content); err != nil {
		return err
	}

	doc, err := datasetJSON(del, uploadedAt)
	if err != nil {
		return err
	}
	return g.put(ctx, object+".json", "application/json", md, doc)
}

func (g *GCS) put(ctx context.Context, object, contentType string, md map[string]string, data []byte) error {
	w := g.store.NewWriter(ctx, object, contentType, md)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", g.bucket, object, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.store.Close()
}

type bucketWriter struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func (b *bucketWriter) NewWriter(ctx context.Context, name, contentType string, metadata map[string]string) io.WriteCloser {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	return w
}

func (b *bucketWriter) Close() error {
	return b.client.Close()
}
